// Package store persists BatchState to JSON files. Every update
// is crash-safe: write to a sibling temp file, fsync, then atomically
// rename over the target, so a process killed mid-write never leaves a
// half-written state file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/scw-migrate/migrator/internal/state"
)

// Store reads and writes batch state files under a root directory, one
// file per batch, serializing concurrent writers with an in-process
// mutex (a single migrator process owns a given state directory at a
// time, so no cross-process locking).
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(batchID string) string {
	return filepath.Join(s.dir, "batch-"+batchID+".json")
}

// Load reads the BatchState for batchID.
func (s *Store) Load(batchID string) (*state.BatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(batchID)
}

func (s *Store) load(batchID string) (*state.BatchState, error) {
	data, err := os.ReadFile(s.path(batchID))
	if err != nil {
		return nil, fmt.Errorf("loading batch %s: %w", batchID, err)
	}
	var bs state.BatchState
	if err := json.Unmarshal(data, &bs); err != nil {
		return nil, fmt.Errorf("decoding batch %s: %w", batchID, err)
	}
	return &bs, nil
}

// Save writes bs to disk, crash-safely.
func (s *Store) Save(bs *state.BatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(bs)
}

func (s *Store) save(bs *state.BatchState) error {
	data, err := json.MarshalIndent(bs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", bs.BatchID, err)
	}

	target := s.path(bs.BatchID)
	tmp, err := os.CreateTemp(s.dir, "batch-"+bs.BatchID+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// ListBatches returns all known batch ids, most recently written first
// (by state file modification time).
func (s *Store) ListBatches() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state dir: %w", err)
	}
	type batchInfo struct {
		id      string
		modTime int64
	}
	var infos []batchInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "batch-") || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, batchInfo{
			id:      strings.TrimSuffix(strings.TrimPrefix(name, "batch-"), ".json"),
			modTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].modTime > infos[j].modTime })

	ids := make([]string, len(infos))
	for i, bi := range infos {
		ids[i] = bi.id
	}
	return ids, nil
}

// LatestBatch returns the most recently written batch's state, or nil if
// there is none.
func (s *Store) LatestBatch() (*state.BatchState, error) {
	ids, err := s.ListBatches()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Load(ids[0])
}

// UpdateVM atomically applies patch to the named VM's MigrationState
// within batchID and persists the result: a mutex-serialized
// load-modify-save.
func (s *Store) UpdateVM(batchID, migrationID string, patch func(*state.MigrationState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, err := s.load(batchID)
	if err != nil {
		return err
	}
	vm, ok := bs.VMStates[migrationID]
	if !ok {
		return fmt.Errorf("update_vm: unknown migration %s in batch %s", migrationID, batchID)
	}
	patch(vm)
	return s.save(bs)
}
