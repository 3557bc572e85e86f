// Package objectstore implements the object-storage interface consumed
// by the pipeline's upload_s3 stage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store is the object-storage interface the upload_s3 stage depends on.
// Implementations must support resumable multipart upload so a retried
// upload_s3 stage can skip bytes already transferred.
type Store interface {
	Upload(ctx context.Context, localPath, bucket, key string, resumable bool) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// FileStore is a local-filesystem-backed Store, used for dry runs, unit
// tests, and disconnected deployments where a real S3-compatible
// endpoint isn't configured.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore roots a FileStore at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (f *FileStore) path(bucket, key string) string {
	return filepath.Join(f.root, bucket, key)
}

// Upload copies localPath into the store, returning a file:// URL.
// Resumable uploads are modeled by skipping the copy when the
// destination already has the same size as the source.
func (f *FileStore) Upload(ctx context.Context, localPath, bucket, key string, resumable bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dst := f.path(bucket, key)
	if resumable {
		if same, err := sameSize(localPath, dst); err == nil && same {
			return "file://" + dst, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating bucket dir: %w", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("uploading object: %w", err)
	}
	return "file://" + dst, nil
}

// Delete removes an object.
func (f *FileStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(bucket, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether an object is present.
func (f *FileStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := os.Stat(f.path(bucket, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func sameSize(src, dst string) (bool, error) {
	si, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	di, err := os.Stat(dst)
	if err != nil {
		return false, err
	}
	return si.Size() == di.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
