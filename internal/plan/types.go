// Package plan implements the typed, validated migration plan: its
// model, validation, and expansion against a filtered inventory.
package plan

// PauseAfter governs what happens when a wave finishes.
type PauseAfter string

const (
	PauseContinue      PauseAfter = "continue"
	PausePause         PauseAfter = "pause"
	PausePauseOnFailure PauseAfter = "pause_on_failure"
)

// Selector names one or more VMs: exactly one of Name or Pattern is set.
// Both set, or both empty, is a validation error.
type Selector struct {
	Name    string `yaml:"vm_name,omitempty"`
	Pattern string `yaml:"vm_pattern,omitempty"`
}

// Defaults are merged last-wins into every MigrationEntry.
type Defaults struct {
	Zone           string            `yaml:"zone,omitempty"`
	SizingStrategy string            `yaml:"sizing_strategy,omitempty"`
	Tags           map[string]string `yaml:"tags,omitempty"`
}

// MigrationEntry is a single planned migration.
type MigrationEntry struct {
	Selector       `yaml:",inline"`
	TargetTypeID   string            `yaml:"target,omitempty"`
	Zone           string            `yaml:"zone,omitempty"`
	SizingStrategy string            `yaml:"sizing_strategy,omitempty"`
	Priority       int               `yaml:"priority,omitempty"`
	Wave           string            `yaml:"wave,omitempty"`
	Tags           map[string]string `yaml:"tags,omitempty"`
	Overrides      map[string]string `yaml:"overrides,omitempty"`
}

// Wave is an ordered cohort of migrations sharing a pause policy.
// Wave membership is the entries whose Wave equals Name.
// SelectorPatterns are optional vm_name globs that Expand checks for
// disjointness across waves; they do not filter which assigned entries
// run in the wave.
type Wave struct {
	Name             string     `yaml:"name"`
	SelectorPatterns []string   `yaml:"selectors,omitempty"`
	PauseAfter       PauseAfter `yaml:"pause_after"`
}

// PostAction is a free-form post-migration step (tagging, notification,
// power-on scheduling); the core orchestrator records these on the plan
// but does not interpret them. Execution is an external collaborator's
// concern.
type PostAction struct {
	Name   string            `yaml:"name"`
	Run    string            `yaml:"run,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Resource class keys for ConcurrencyCaps.
const (
	ResourceGlobal      = "global"
	ResourceDiskIO      = "disk_io"
	ResourceS3Upload    = "s3_upload"
	ResourceSCWAPI      = "scw_api"
	ResourcePerESXiHost = "per_esxi_host" // base key; per-host override is "per_esxi_host:{host}"
)

// DefaultConcurrencyCaps are the built-in per-resource-class defaults.
func DefaultConcurrencyCaps() map[string]int {
	return map[string]int{
		ResourceGlobal:      10,
		ResourceDiskIO:      3,
		ResourceS3Upload:    6,
		ResourceSCWAPI:      5,
		ResourcePerESXiHost: 4,
	}
}

// Plan is the root object: the typed, validated representation of a
// migration plan. It is immutable for a given batch once generated;
// its Digest is stored in BatchState so resume can detect drift.
type Plan struct {
	Version              int               `yaml:"version"`
	Metadata             map[string]string `yaml:"metadata,omitempty"`
	Defaults             Defaults          `yaml:"defaults,omitempty"`
	ConcurrencyCaps      map[string]int    `yaml:"concurrency,omitempty"`
	Migrations           []MigrationEntry  `yaml:"migrations"`
	Exclude              []Selector        `yaml:"exclude,omitempty"`
	Waves                []Wave            `yaml:"waves"`
	PostMigrationActions []PostAction      `yaml:"post_migration,omitempty"`
}

// CapFor returns the effective cap for a resource class, falling back to
// the built-in default when the plan doesn't override it.
func (p *Plan) CapFor(resource string) int {
	if p.ConcurrencyCaps != nil {
		if v, ok := p.ConcurrencyCaps[resource]; ok {
			return v
		}
	}
	return DefaultConcurrencyCaps()[resource]
}

// CapForHost returns the per-ESXi-host cap, preferring a host-specific
// override ("per_esxi_host:{host}") over the base per_esxi_host cap.
func (p *Plan) CapForHost(host string) int {
	key := ResourcePerESXiHost + ":" + host
	if p.ConcurrencyCaps != nil {
		if v, ok := p.ConcurrencyCaps[key]; ok {
			return v
		}
	}
	return p.CapFor(ResourcePerESXiHost)
}
