// Package orchestrator implements the batch orchestrator: it
// drives waves in order, launches VM pipelines concurrently through a
// worker pool, applies each wave's pause policy, and supports dry-run
// simulation and resume.
package orchestrator

import (
	"context"
	"crypto/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/scw-migrate/migrator/internal/pipeline"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/store"
	"github.com/scw-migrate/migrator/pkg/scheduler"
)

// WaveNotifier is the subset of the dashboard's event bus the
// orchestrator needs: a single extra event (WaveCompleted) beyond the
// per-stage/per-VM notifications the pipeline executor already emits
// through pipeline.Events, since wave transitions are the
// orchestrator's own concern.
type WaveNotifier interface {
	WaveCompleted(wave string)
}

// noopWaveNotifier discards wave-completion notifications when no
// dashboard is wired.
type noopWaveNotifier struct{}

func (noopWaveNotifier) WaveCompleted(string) {}

// PauseRequested is returned by Start or Resume when a wave's pause
// policy halted progress; the caller (CLI) surfaces this and a later
// `batch resume` invocation calls Resume against the same batch id.
type PauseRequested struct {
	Wave string
}

func (e *PauseRequested) Error() string { return "paused after wave " + e.Wave }

// Result summarizes a Start or Resume invocation for the CLI's
// exit-code mapping.
// Simulated carries the in-memory batch state of a dry run, which never
// touches the store but still needs to feed the post-run report.
type Result struct {
	BatchID      string
	AnyFailed    bool
	Paused       bool
	PausedAtWave string
	Simulated    *state.BatchState
}

// Orchestrator ties together a plan, an executor, and the state store.
type Orchestrator struct {
	exec  *pipeline.Executor
	store *store.Store
	log   *zap.SugaredLogger
	waves WaveNotifier
	pool  *scheduler.Pool
}

// New constructs an Orchestrator. pool's worker count should reflect
// the plan's `global` concurrency cap. waves may be nil to disable
// wave-completion notifications.
func New(exec *pipeline.Executor, st *store.Store, log *zap.Logger, waves WaveNotifier, pool *scheduler.Pool) *Orchestrator {
	if waves == nil {
		waves = noopWaveNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		exec:  exec,
		store: st,
		log:   log.Sugar().Named("orchestrator"),
		waves: waves,
		pool:  pool,
	}
}

// NewBatchID generates a fresh random hex batch id.
func NewBatchID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return state.NewBatchID(b)
}

// Start begins a brand-new batch for p and runs it to completion or to
// the first pause point.
func (o *Orchestrator) Start(ctx context.Context, p *plan.Plan, expanded *plan.ExpandedPlan, dryRun bool) (*Result, error) {
	batchID := NewBatchID()
	waveOrder := make([]string, len(p.Waves))
	for i, w := range p.Waves {
		waveOrder[i] = w.Name
	}
	bs := state.NewBatchState(batchID, plan.Digest(p), waveOrder)
	for _, e := range expanded.Entries {
		migrationID := state.MigrationID(batchID, e.VMUUID)
		bs.VMStates[migrationID] = &state.MigrationState{
			MigrationID: migrationID,
			BatchID:     batchID,
			VMName:      e.VMName,
			VMUUID:      e.VMUUID,
			Status:      state.StatusPending,
			Wave:        e.Wave,
		}
	}
	o.log.Infow("starting batch",
		"batch_id", batchID,
		"vms", len(expanded.Entries),
		"waves", len(p.Waves),
		"dry_run", dryRun,
	)
	// Dry-run never touches batch-state; the simulated pipelines and
	// wave transitions account their work entirely in the in-memory bs.
	if !dryRun {
		if err := o.store.Save(bs); err != nil {
			return nil, err
		}
	}
	return o.run(ctx, p, expanded, batchID, bs, dryRun)
}

// Resume continues an existing batch: failed VMs go back to pending
// (keeping completed_stages), completed VMs are skipped, and waves
// proceed from the first non-completed one.
func (o *Orchestrator) Resume(ctx context.Context, p *plan.Plan, expanded *plan.ExpandedPlan, batchID string, dryRun bool) (*Result, error) {
	bs, err := o.store.Load(batchID)
	if err != nil {
		return nil, err
	}
	o.log.Infow("resuming batch", "batch_id", batchID, "dry_run", dryRun)
	for migrationID, vm := range bs.VMStates {
		if vm.Status != state.StatusFailed {
			continue
		}
		o.log.Infow("resetting failed vm for resume",
			"batch_id", batchID,
			"vm", vm.VMName,
			"completed_stages", len(vm.CompletedStages),
		)
		if dryRun {
			vm.Status = state.StatusPending
			vm.LastError = nil
			continue
		}
		_ = o.store.UpdateVM(batchID, migrationID, func(s *state.MigrationState) {
			s.Status = state.StatusPending
			s.LastError = nil
		})
	}
	return o.run(ctx, p, expanded, batchID, bs, dryRun)
}

// run drives the wave loop. bs is the in-memory batch snapshot: the
// authoritative store copy is reloaded per transition on a real run,
// while a dry run mutates bs directly and hands it back on the Result.
func (o *Orchestrator) run(ctx context.Context, p *plan.Plan, expanded *plan.ExpandedPlan, batchID string, bs *state.BatchState, dryRun bool) (*Result, error) {
	entriesByWave := make(map[string][]plan.ExpandedEntry)
	for _, e := range expanded.Entries {
		entriesByWave[e.Wave] = append(entriesByWave[e.Wave], e)
	}

	result := &Result{BatchID: batchID}
	if dryRun {
		result.Simulated = bs
	}

	for _, w := range p.Waves {
		entries := entriesByWave[w.Name]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })

		// A wave found paused was already run to completion; invoking the
		// orchestrator again *is* the external resume signal, so its
		// pause must not re-fire below.
		wasPaused := false
		if dryRun {
			if bs.WaveStatus[w.Name] == state.WaveStatusCompleted {
				continue
			}
			wasPaused = bs.WaveStatus[w.Name] == state.WaveStatusPaused
			bs.WaveStatus[w.Name] = state.WaveStatusRunning
		} else {
			stored, err := o.store.Load(batchID)
			if err != nil {
				return nil, err
			}
			if stored.WaveStatus[w.Name] == state.WaveStatusCompleted {
				o.log.Debugw("skipping completed wave", "batch_id", batchID, "wave", w.Name)
				continue
			}
			wasPaused = stored.WaveStatus[w.Name] == state.WaveStatusPaused
			stored.WaveStatus[w.Name] = state.WaveStatusRunning
			if err := o.store.Save(stored); err != nil {
				return nil, err
			}
		}

		o.log.Infow("starting wave", "batch_id", batchID, "wave", w.Name, "vms", len(entries))

		waveFailed, vmStates, err := o.runWave(ctx, batchID, entries, dryRun)
		if err != nil {
			return result, err
		}
		if waveFailed {
			result.AnyFailed = true
		}

		waveStatus := state.WaveStatusCompleted
		if waveFailed {
			waveStatus = state.WaveStatusFailed
		}
		if dryRun {
			for _, ms := range vmStates {
				bs.VMStates[ms.MigrationID] = ms
			}
			bs.WaveStatus[w.Name] = waveStatus
		} else {
			stored, err := o.store.Load(batchID)
			if err != nil {
				return nil, err
			}
			stored.WaveStatus[w.Name] = waveStatus
			if err := o.store.Save(stored); err != nil {
				return nil, err
			}
		}
		o.log.Infow("wave finished", "batch_id", batchID, "wave", w.Name, "status", waveStatus)
		o.waves.WaveCompleted(w.Name)

		pause := !wasPaused &&
			(w.PauseAfter == plan.PausePause || (w.PauseAfter == plan.PausePauseOnFailure && waveFailed))
		if pause {
			o.log.Infow("pausing after wave",
				"batch_id", batchID,
				"wave", w.Name,
				"policy", w.PauseAfter,
				"wave_failed", waveFailed,
			)
			if dryRun {
				bs.WaveStatus[w.Name] = state.WaveStatusPaused
			} else {
				stored, err := o.store.Load(batchID)
				if err != nil {
					return nil, err
				}
				stored.WaveStatus[w.Name] = state.WaveStatusPaused
				if err := o.store.Save(stored); err != nil {
					return nil, err
				}
			}
			result.Paused = true
			result.PausedAtWave = w.Name
			return result, &PauseRequested{Wave: w.Name}
		}
	}

	o.log.Infow("batch finished", "batch_id", batchID, "any_failed", result.AnyFailed)
	return result, nil
}

// runWave launches every entry's pipeline concurrently via the worker
// pool and waits for the whole wave to finish: wave N terminates
// completely before wave N+1 starts. The returned states are the final
// per-VM records, which a dry run folds into its in-memory batch.
func (o *Orchestrator) runWave(ctx context.Context, batchID string, entries []plan.ExpandedEntry, dryRun bool) (bool, []*state.MigrationState, error) {
	if len(entries) == 0 {
		return false, nil, nil
	}

	futures := make([]*scheduler.Future[*state.MigrationState], 0, len(entries))
	for _, e := range entries {
		entry := e
		if dryRun {
			futures = append(futures, scheduler.Submit(o.pool, func() (*state.MigrationState, error) {
				return o.simulate(batchID, entry)
			}))
			continue
		}
		futures = append(futures, scheduler.Submit(o.pool, func() (*state.MigrationState, error) {
			return o.exec.Run(ctx, batchID, entry, entry.ESXiHost)
		}))
	}

	anyFailed := false
	states := make([]*state.MigrationState, 0, len(futures))
	for _, f := range futures {
		ms, err := f.Wait()
		if err != nil || (ms != nil && ms.Status == state.StatusFailed) {
			anyFailed = true
		}
		if ms != nil {
			states = append(states, ms)
		}
	}
	return anyFailed, states, nil
}

// simulate walks the stage graph for accounting purposes only, with no
// semaphore acquisition, subprocess, or network activity, and no writes
// to batch-state.
func (o *Orchestrator) simulate(batchID string, entry plan.ExpandedEntry) (*state.MigrationState, error) {
	migrationID := state.MigrationID(batchID, entry.VMUUID)
	o.log.Debugw("simulating pipeline",
		"batch_id", batchID,
		"vm", entry.VMName,
		"target", entry.TargetTypeID,
		"zone", entry.Zone,
	)
	now := time.Now()
	return &state.MigrationState{
		MigrationID: migrationID,
		BatchID:     batchID,
		VMName:      entry.VMName,
		VMUUID:      entry.VMUUID,
		Status:      state.StatusCompleted,
		StartedAt:   now,
		FinishedAt:  &now,
		Wave:        entry.Wave,
	}, nil
}
