package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/cloudprovider"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/dashboard"
	"github.com/scw-migrate/migrator/internal/objectstore"
	"github.com/scw-migrate/migrator/internal/orchestrator"
	"github.com/scw-migrate/migrator/internal/pipeline"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/semaphore"
	"github.com/scw-migrate/migrator/internal/stagehandlers"
	"github.com/scw-migrate/migrator/internal/stages"
	"github.com/scw-migrate/migrator/internal/store"
	"github.com/scw-migrate/migrator/internal/vsphere"
	"github.com/scw-migrate/migrator/pkg/scheduler"
)

// batchRuntime bundles everything a batch run/resume needs once a Plan
// has been loaded and validated: the state store, the wave-driving
// orchestrator, and the dashboard bus it reports through. Callers Stop
// the scheduler pool and Close the vSphere session when done.
type batchRuntime struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	bus   *dashboard.Bus
	pool  *scheduler.Pool

	vsphereClient *vsphere.Client
}

func (r *batchRuntime) Close(ctx context.Context) {
	r.pool.Stop()
	if r.vsphereClient != nil {
		_ = r.vsphereClient.Close(ctx)
	}
}

// newBatchRuntime wires everything a batch invocation needs:
// state store, stage registry + handlers, resource semaphores sized
// from the plan's concurrency caps, the pipeline executor, and the
// orchestrator itself. A non-dry run requires a vCenter URL and backs
// the handlers with a live vSphere session, the local FileStore object
// store and the in-memory FakeProvider; a dry run wires no handlers.
func newBatchRuntime(ctx context.Context, cfg *config.AppConfig, p *plan.Plan, log *zap.Logger, dryRun bool) (*batchRuntime, error) {
	st, err := store.New(cfg.BatchStateDir())
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	cat := catalogue.Default()
	bus := dashboard.NewBus()
	pool := scheduler.New(ctx, p.CapFor(plan.ResourceGlobal))

	rt := &batchRuntime{store: st, bus: bus, pool: pool}

	effectiveCaps := effectiveConcurrencyCaps(p)

	if dryRun {
		// Dry-run pipelines never touch an external collaborator;
		// the orchestrator's simulate path
		// doesn't invoke the executor at all, so no handlers/semaphores
		// are required.
		exec := pipeline.New(stages.New(nil), semaphore.New(effectiveCaps), st, cfg, log, bus, p.CapForHost)
		rt.orch = orchestrator.New(exec, st, log, bus, pool)
		return rt, nil
	}

	if cfg.VCenterURL == "" {
		pool.Stop()
		return nil, fmt.Errorf("--vcenter-url is required for a non-dry-run batch")
	}

	var vsClient *vsphere.Client
	if cfg.VCenterURL != "" {
		dialURL, err := vCenterDialURL(cfg)
		if err != nil {
			pool.Stop()
			return nil, err
		}
		vsClient, err = vsphere.Dial(ctx, dialURL, cfg.Insecure)
		if err != nil {
			pool.Stop()
			return nil, fmt.Errorf("connecting to vcenter: %w", err)
		}
		rt.vsphereClient = vsClient
	}

	objects, err := objectstore.NewFileStore(cfg.WorkDir + "/objects")
	if err != nil {
		pool.Stop()
		return nil, fmt.Errorf("opening local object store: %w", err)
	}

	deps := &stagehandlers.Deps{
		VSphere:  vsClient,
		Objects:  objects,
		Cloud:    cloudprovider.NewFakeProvider(cat),
		WorkRoot: cfg.WorkDir,
	}

	registry := stages.New(deps.Handlers())
	sems := semaphore.New(effectiveCaps)
	exec := pipeline.New(registry, sems, st, cfg, log, bus, p.CapForHost)
	rt.orch = orchestrator.New(exec, st, log, bus, pool)
	return rt, nil
}

// effectiveConcurrencyCaps resolves the resource classes (excluding
// the per-host family, which semaphore.Registry sizes lazily per host
// via CapForHost) through the plan's override map, falling back to the
// built-in defaults for anything the plan doesn't set.
func effectiveConcurrencyCaps(p *plan.Plan) map[string]int {
	classes := []string{plan.ResourceGlobal, plan.ResourceDiskIO, plan.ResourceS3Upload, plan.ResourceSCWAPI}
	caps := make(map[string]int, len(classes))
	for _, c := range classes {
		caps[c] = p.CapFor(c)
	}
	return caps
}
