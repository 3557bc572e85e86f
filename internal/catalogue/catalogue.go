// Package catalogue is the static table of target instance types.
package catalogue

import "time"

// Architecture is a target instance's CPU architecture.
type Architecture string

const (
	ArchX86_64 Architecture = "x86_64"
	ArchARM64  Architecture = "arm64"
)

// InstanceType is one catalogue entry.
type InstanceType struct {
	ID              string
	Family          string
	VCPU            int
	RAMGiB          float64
	LocalStorageGiB int64 // 0 means block-only
	MaxVolumes      int
	HourlyPrice     float64
	MonthlyPrice    float64
	WindowsAllowed  bool
	Arch            Architecture
}

// SupportsBlockStorage reports whether this family can attach external
// block volumes rather than relying purely on local storage.
func (t InstanceType) SupportsBlockStorage() bool {
	return t.MaxVolumes > 0
}

// Catalogue is the in-memory lookup table of instance types. It is
// static: loaded once at startup (hardcoded defaults, or reconciled from
// the cloud provider's instance-type listing) and never mutated
// during a batch run.
type Catalogue struct {
	byID        map[string]InstanceType
	order       []string
	retrievedAt time.Time
}

// New builds a Catalogue from a list of instance types. Order is
// preserved for deterministic iteration.
func New(types []InstanceType) *Catalogue {
	c := &Catalogue{byID: make(map[string]InstanceType, len(types))}
	for _, t := range types {
		if _, exists := c.byID[t.ID]; !exists {
			c.order = append(c.order, t.ID)
		}
		c.byID[t.ID] = t
	}
	return c
}

// Get looks up an instance type by id.
func (c *Catalogue) Get(id string) (InstanceType, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// All returns every instance type in catalogue order.
func (c *Catalogue) All() []InstanceType {
	out := make([]InstanceType, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// MarkRetrieved records when the catalogue's contents were captured:
// the bundled snapshot date for the built-in table, or the reconcile
// time when the table was refreshed from the provider's live
// instance-type listing.
func (c *Catalogue) MarkRetrieved(t time.Time) {
	c.retrievedAt = t
}

// RetrievedAt reports when the catalogue's contents were captured. The
// zero time means unknown.
func (c *Catalogue) RetrievedAt() time.Time {
	return c.retrievedAt
}

// bundledSnapshotTime is when the Default table below was last refreshed
// against the provider's instance-type listing. Bump it whenever the
// rows change.
var bundledSnapshotTime = time.Date(2026, time.June, 12, 0, 0, 0, 0, time.UTC)

// Default returns a small, representative instance-type table. Real
// deployments reconcile this against the cloud provider's
// list_instance_types; this default exists so `inventory-plan`
// and the estimator have something to size against out of the box.
func Default() *Catalogue {
	c := New([]InstanceType{
		{ID: "DEV1-S", Family: "DEV1", VCPU: 2, RAMGiB: 2, LocalStorageGiB: 20, MaxVolumes: 0, HourlyPrice: 0.01, MonthlyPrice: 7, WindowsAllowed: false, Arch: ArchX86_64},
		{ID: "DEV1-M", Family: "DEV1", VCPU: 2, RAMGiB: 4, LocalStorageGiB: 40, MaxVolumes: 0, HourlyPrice: 0.02, MonthlyPrice: 14, WindowsAllowed: false, Arch: ArchX86_64},
		{ID: "DEV1-L", Family: "DEV1", VCPU: 4, RAMGiB: 8, LocalStorageGiB: 80, MaxVolumes: 0, HourlyPrice: 0.04, MonthlyPrice: 28, WindowsAllowed: false, Arch: ArchX86_64},
		{ID: "GP1-XS", Family: "GP1", VCPU: 4, RAMGiB: 16, LocalStorageGiB: 0, MaxVolumes: 15, HourlyPrice: 0.10, MonthlyPrice: 72, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "GP1-S", Family: "GP1", VCPU: 8, RAMGiB: 32, LocalStorageGiB: 0, MaxVolumes: 15, HourlyPrice: 0.20, MonthlyPrice: 144, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "GP1-M", Family: "GP1", VCPU: 16, RAMGiB: 64, LocalStorageGiB: 0, MaxVolumes: 15, HourlyPrice: 0.40, MonthlyPrice: 288, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "GP1-L", Family: "GP1", VCPU: 32, RAMGiB: 128, LocalStorageGiB: 0, MaxVolumes: 15, HourlyPrice: 0.80, MonthlyPrice: 576, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "GP1-XL", Family: "GP1", VCPU: 48, RAMGiB: 256, LocalStorageGiB: 0, MaxVolumes: 15, HourlyPrice: 1.60, MonthlyPrice: 1152, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "ENT1-XS", Family: "ENT1", VCPU: 4, RAMGiB: 16, LocalStorageGiB: 150, MaxVolumes: 15, HourlyPrice: 0.15, MonthlyPrice: 108, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "ENT1-S", Family: "ENT1", VCPU: 8, RAMGiB: 32, LocalStorageGiB: 300, MaxVolumes: 15, HourlyPrice: 0.30, MonthlyPrice: 216, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "ENT1-M", Family: "ENT1", VCPU: 16, RAMGiB: 64, LocalStorageGiB: 600, MaxVolumes: 15, HourlyPrice: 0.60, MonthlyPrice: 432, WindowsAllowed: true, Arch: ArchX86_64},
		{ID: "ARM1-S", Family: "ARM1", VCPU: 4, RAMGiB: 8, LocalStorageGiB: 0, MaxVolumes: 8, HourlyPrice: 0.08, MonthlyPrice: 58, WindowsAllowed: false, Arch: ArchARM64},
	})
	c.MarkRetrieved(bundledSnapshotTime)
	return c
}
