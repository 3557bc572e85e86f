// Package stages declares the per-OS-family stage graph and the
// contract stage handlers must satisfy. It holds no execution logic of
// its own; the pipeline executor (internal/pipeline) is the pure loop
// that walks the graph this package describes.
package stages

import (
	"context"

	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/state"
)

// Handler is a stage's opaque implementation: given the plan
// entry, the VM's current migration state, and the app config, it
// either sets its declared output artifacts on the state and returns
// nil, or returns a structured apperrors error. It must not mutate
// CompletedStages or persist state; the executor owns both.
type Handler func(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfg any) error

// Stage declares one node of the graph: its name, the semaphore classes
// it must hold while running, and whether the executor should retry it
// (transient failures only retry when Retryable is true).
type Stage struct {
	Name        string
	Semaphores  []string
	Retryable   bool
	Rerunnable  bool // safe to invoke again after partial success (idempotent)
	Handler     Handler
}

// Registry maps a guest OS family to its ordered stage list.
type Registry struct {
	linux   []Stage
	windows []Stage
	handlers map[string]Handler
}

// New builds a Registry with the fixed per-family stage graphs, wiring in
// handlers by name. Any stage without an explicit handler in handlers
// gets NoopHandler, which is useful for tests.
func New(handlers map[string]Handler) *Registry {
	r := &Registry{handlers: handlers}
	r.linux = []Stage{
		r.stage("validate", []string{"scw_api"}, false, true),
		r.stage("snapshot", []string{"scw_api"}, true, true),
		r.stage("export", []string{"per_esxi_host"}, true, true),
		r.stage("convert", []string{"disk_io"}, true, true),
		r.stage("adapt_guest", []string{"disk_io"}, true, true),
		r.stage("ensure_uefi", []string{"disk_io"}, true, true),
		r.stage("upload_s3", []string{"s3_upload"}, true, true),
		r.stage("import_scw", []string{"scw_api"}, true, true),
		r.stage("verify", []string{"scw_api"}, true, true),
		r.stage("cleanup", []string{"scw_api"}, false, true),
	}
	r.windows = []Stage{
		r.stage("validate", []string{"scw_api"}, false, true),
		r.stage("snapshot", []string{"scw_api"}, true, true),
		r.stage("export", []string{"per_esxi_host"}, true, true),
		r.stage("convert", []string{"disk_io"}, true, true),
		r.stage("clean_tools", []string{"disk_io"}, true, true),
		r.stage("inject_virtio", []string{"disk_io"}, true, true),
		r.stage("fix_bootloader", []string{"disk_io"}, true, true),
		r.stage("ensure_uefi", []string{"disk_io"}, true, true),
		r.stage("upload_s3", []string{"s3_upload"}, true, true),
		r.stage("import_scw", []string{"scw_api"}, true, true),
		r.stage("verify", []string{"scw_api"}, true, true),
		r.stage("cleanup", []string{"scw_api"}, false, true),
	}
	return r
}

func (r *Registry) stage(name string, sems []string, retryable, rerunnable bool) Stage {
	h, ok := r.handlers[name]
	if !ok {
		h = NoopHandler
	}
	return Stage{Name: name, Semaphores: sems, Retryable: retryable, Rerunnable: rerunnable, Handler: h}
}

// NoopHandler succeeds immediately without setting any artifacts; used
// where no concrete handler has been wired (dry-run simulation, tests).
func NoopHandler(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
	return nil
}

// For returns the ordered stage list for a guest OS family. Linux gets
// 10 stages, Windows 12; "other" has no migratable path and returns
// nil.
func (r *Registry) For(family models.GuestOSFamily) []Stage {
	switch family {
	case models.GuestOSWindows:
		return r.windows
	case models.GuestOSLinux:
		return r.linux
	default:
		return nil
	}
}

// Pending returns the suffix of stages not yet recorded in
// completedStages, implementing the executor's "first stage not yet
// completed" rule.
func Pending(all []Stage, completedStages []string) []Stage {
	done := make(map[string]bool, len(completedStages))
	for _, s := range completedStages {
		done[s] = true
	}
	start := 0
	for i, st := range all {
		if !done[st.Name] {
			start = i
			break
		}
		start = i + 1
	}
	return all[start:]
}
