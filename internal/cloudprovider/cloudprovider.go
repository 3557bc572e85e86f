// Package cloudprovider implements the cloud-provider interface consumed
// by the pipeline's import_scw and verify stages, and by the catalogue
// reconciliation path.
package cloudprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scw-migrate/migrator/internal/catalogue"
)

// SnapshotStatus mirrors the cloud provider's async snapshot lifecycle.
type SnapshotStatus string

const (
	SnapshotStatusPending   SnapshotStatus = "pending"
	SnapshotStatusAvailable SnapshotStatus = "available"
	SnapshotStatusError     SnapshotStatus = "error"
)

// Provider is the cloud-provider interface the pipeline depends on
//.
type Provider interface {
	CreateSnapshotFromObject(ctx context.Context, zone, name, bucket, key, volumeType string) (string, error)
	WaitSnapshot(ctx context.Context, zone, snapshotID string, pollInterval, timeout time.Duration) (SnapshotStatus, error)
	CreateImage(ctx context.Context, zone, name, rootSnapshotID string, arch catalogue.Architecture) (string, error)
	ListInstanceTypes(ctx context.Context, zone string) ([]catalogue.InstanceType, error)
}

// idempotencyKey derives the deterministic key import_scw uses to avoid
// creating duplicate cloud resources on retry.
func idempotencyKey(migrationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(migrationID)).String()
}

// snapshotRecord tracks a simulated snapshot's lifecycle.
type snapshotRecord struct {
	id        string
	status    SnapshotStatus
	createdAt time.Time
}

// FakeProvider is an in-memory Provider, used for dry runs and tests:
// it models the cloud side well enough to exercise the pipeline's
// polling and idempotency-key logic without a network dependency.
type FakeProvider struct {
	mu        sync.Mutex
	snapshots map[string]*snapshotRecord
	images    map[string]string
	byKey     map[string]string // idempotency key -> resource id
	catalogue *catalogue.Catalogue
}

// NewFakeProvider returns a FakeProvider backed by cat for
// ListInstanceTypes.
func NewFakeProvider(cat *catalogue.Catalogue) *FakeProvider {
	return &FakeProvider{
		snapshots: make(map[string]*snapshotRecord),
		images:    make(map[string]string),
		byKey:     make(map[string]string),
		catalogue: cat,
	}
}

func (p *FakeProvider) CreateSnapshotFromObject(ctx context.Context, zone, name, bucket, key, volumeType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idemKey := idempotencyKey(name)
	if id, ok := p.byKey[idemKey]; ok {
		return id, nil
	}
	id := "snap-" + uuid.NewString()
	p.snapshots[id] = &snapshotRecord{id: id, status: SnapshotStatusAvailable, createdAt: time.Now()}
	p.byKey[idemKey] = id
	return id, nil
}

func (p *FakeProvider) WaitSnapshot(ctx context.Context, zone, snapshotID string, pollInterval, timeout time.Duration) (SnapshotStatus, error) {
	p.mu.Lock()
	rec, ok := p.snapshots[snapshotID]
	p.mu.Unlock()
	if !ok {
		return SnapshotStatusError, fmt.Errorf("unknown snapshot %s", snapshotID)
	}
	return rec.status, nil
}

func (p *FakeProvider) CreateImage(ctx context.Context, zone, name, rootSnapshotID string, arch catalogue.Architecture) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idemKey := idempotencyKey(name + rootSnapshotID)
	if id, ok := p.byKey[idemKey]; ok {
		return id, nil
	}
	id := "img-" + uuid.NewString()
	p.images[id] = rootSnapshotID
	p.byKey[idemKey] = id
	return id, nil
}

func (p *FakeProvider) ListInstanceTypes(ctx context.Context, zone string) ([]catalogue.InstanceType, error) {
	return p.catalogue.All(), nil
}
