// Package pipeline implements the per-VM migration pipeline executor:
// a pure loop over the stage graph that loads or
// initializes MigrationState, runs each pending stage under its
// semaphores, retries transient failures with backoff, and persists
// state at every boundary.
package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/semaphore"
	"github.com/scw-migrate/migrator/internal/stages"
	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/store"
)

// Events lets the executor narrate stage boundaries to a listener
// (the dashboard) without depending on it directly.
type Events interface {
	StageStarted(migrationID, vmName, stage string)
	StageCompleted(migrationID, vmName, stage string)
	StageFailed(migrationID, vmName, stage string, err error)
	VMCompleted(migrationID, vmName string)
	VMFailed(migrationID, vmName string, err error)
}

// noopEvents discards every notification; used when no listener is wired.
type noopEvents struct{}

func (noopEvents) StageStarted(string, string, string)       {}
func (noopEvents) StageCompleted(string, string, string)     {}
func (noopEvents) StageFailed(string, string, string, error) {}
func (noopEvents) VMCompleted(string, string)                {}
func (noopEvents) VMFailed(string, string, error)            {}

// Executor runs a single VM's pipeline to completion or failure.
type Executor struct {
	registry *stages.Registry
	sems     *semaphore.Registry
	store    *store.Store
	cfg      *config.AppConfig
	log      *zap.SugaredLogger
	events   Events
	hostCap  func(host string) int
}

// New constructs an Executor. events may be nil to disable notifications.
// hostCap resolves the effective per_esxi_host cap for a given host
// (typically plan.CapForHost); nil falls back to the default of 4.
func New(registry *stages.Registry, sems *semaphore.Registry, st *store.Store, cfg *config.AppConfig, log *zap.Logger, events Events, hostCap func(host string) int) *Executor {
	if events == nil {
		events = noopEvents{}
	}
	if hostCap == nil {
		hostCap = func(string) int { return 4 }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		sems:     sems,
		store:    st,
		cfg:      cfg,
		log:      log.Sugar().Named("pipeline"),
		events:   events,
		hostCap:  hostCap,
	}
}

// Run executes the pipeline for one VM. It
// returns the final MigrationState and any terminal error: nil on
// success, ctx.Err() on cancellation (the state is persisted as failed
// with a Cancelled error and stays resumable).
func (e *Executor) Run(ctx context.Context, batchID string, entry plan.ExpandedEntry, host string) (*state.MigrationState, error) {
	bs, err := e.store.Load(batchID)
	if err != nil {
		return nil, err
	}
	migrationID := state.MigrationID(batchID, entry.VMUUID)
	ms, ok := bs.VMStates[migrationID]
	if !ok {
		ms = &state.MigrationState{
			MigrationID: migrationID,
			BatchID:     batchID,
			VMName:      entry.VMName,
			VMUUID:      entry.VMUUID,
			Status:      state.StatusPending,
			StartedAt:   time.Now(),
			Wave:        entry.Wave,
		}
		bs.VMStates[migrationID] = ms
		if err := e.store.Save(bs); err != nil {
			return nil, err
		}
	}

	all := e.registry.For(entry.GuestOS)
	pending := stages.Pending(all, ms.CompletedStages)

	if len(pending) == 0 {
		// Replaying a completed batch is a no-op.
		e.log.Debugw("all stages already completed",
			"vm", entry.VMName,
			"migration_id", migrationID,
		)
		return ms, nil
	}

	e.log.Infow("starting pipeline",
		"vm", entry.VMName,
		"migration_id", migrationID,
		"guest_os", entry.GuestOS,
		"pending_stages", len(pending),
		"completed_stages", len(ms.CompletedStages),
	)

	ms.Status = state.StatusRunning
	if err := e.store.UpdateVM(batchID, migrationID, func(s *state.MigrationState) {
		s.Status = state.StatusRunning
		if s.StartedAt.IsZero() {
			s.StartedAt = time.Now()
		}
	}); err != nil {
		return ms, err
	}

	for _, st := range pending {
		select {
		case <-ctx.Done():
			e.log.Infow("pipeline cancelled",
				"vm", entry.VMName,
				"stage", st.Name,
			)
			e.persistFailure(batchID, migrationID, ms, st.Name, apperrors.NewCancelled(st.Name))
			return ms, ctx.Err()
		default:
		}

		e.log.Debugw("running stage", "vm", entry.VMName, "stage", st.Name)
		e.events.StageStarted(migrationID, entry.VMName, st.Name)

		if err := e.acquireAll(ctx, st.Semaphores, host); err != nil {
			e.log.Errorw("semaphore acquisition failed",
				"vm", entry.VMName,
				"stage", st.Name,
				"error", err,
			)
			e.persistFailure(batchID, migrationID, ms, st.Name, err)
			e.events.StageFailed(migrationID, entry.VMName, st.Name, err)
			return ms, err
		}

		runErr := e.runStage(ctx, st, entry, ms)
		e.releaseAll(st.Semaphores, host)

		if runErr != nil {
			e.log.Errorw("stage failed",
				"vm", entry.VMName,
				"stage", st.Name,
				"kind", apperrors.Kind(runErr),
				"attempts", ms.Attempts,
				"error", runErr,
			)
			e.persistFailure(batchID, migrationID, ms, st.Name, runErr)
			e.events.StageFailed(migrationID, entry.VMName, st.Name, runErr)
			e.events.VMFailed(migrationID, entry.VMName, runErr)
			return ms, runErr
		}

		if err := e.store.UpdateVM(batchID, migrationID, func(s *state.MigrationState) {
			s.CompletedStages = append(s.CompletedStages, st.Name)
			s.CurrentStage = ""
			s.Artifacts = ms.Artifacts
			s.Attempts = ms.Attempts
			s.UpdatedAt = time.Now()
		}); err != nil {
			return ms, err
		}
		ms.CompletedStages = append(ms.CompletedStages, st.Name)
		e.log.Infow("stage completed",
			"vm", entry.VMName,
			"stage", st.Name,
			"attempts", ms.Attempts,
		)
		e.events.StageCompleted(migrationID, entry.VMName, st.Name)
	}

	now := time.Now()
	if err := e.store.UpdateVM(batchID, migrationID, func(s *state.MigrationState) {
		s.Status = state.StatusCompleted
		s.FinishedAt = &now
		s.UpdatedAt = now
	}); err != nil {
		return ms, err
	}
	ms.Status = state.StatusCompleted
	ms.FinishedAt = &now
	e.log.Infow("migration completed",
		"vm", entry.VMName,
		"migration_id", migrationID,
		"stages", len(ms.CompletedStages),
	)
	e.events.VMCompleted(migrationID, entry.VMName)
	return ms, nil
}

// runStage invokes the handler, retrying TransientInfraError with
// exponential backoff (base 2s, cap 60s, 3 attempts by default).
func (e *Executor) runStage(ctx context.Context, st stages.Stage, entry plan.ExpandedEntry, ms *state.MigrationState) error {
	ms.CurrentStage = st.Name
	ms.Attempts = 0

	operation := func() (struct{}, error) {
		ms.Attempts++
		err := st.Handler(ctx, entry, ms, e.cfg)
		if err == nil {
			return struct{}{}, nil
		}
		if st.Retryable && apperrors.Retryable(err) {
			e.log.Warnw("stage attempt failed, will retry",
				"vm", entry.VMName,
				"stage", st.Name,
				"attempt", ms.Attempts,
				"error", err,
			)
			return struct{}{}, err // backoff.Permanent not wrapped: retry
		}
		return struct{}{}, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.MaxInterval = e.cfg.RetryMaxDelay

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.cfg.RetryMaxAttempts)),
	)
	return err
}

func (e *Executor) acquireAll(ctx context.Context, classes []string, host string) error {
	acquired := make([]string, 0, len(classes))
	for _, want := range semaphore.AcquisitionOrder {
		for _, c := range classes {
			if c != want {
				continue
			}
			var err error
			if c == "per_esxi_host" {
				err = e.sems.AcquireHost(ctx, host, e.hostCap)
			} else {
				err = e.sems.Acquire(ctx, c)
			}
			if err != nil {
				e.releaseNamed(acquired, host)
				return apperrors.NewTransientInfraError("semaphore", err)
			}
			acquired = append(acquired, c)
		}
	}
	return nil
}

func (e *Executor) releaseAll(classes []string, host string) {
	e.releaseNamed(classes, host)
}

func (e *Executor) releaseNamed(classes []string, host string) {
	for _, c := range classes {
		if c == "per_esxi_host" {
			e.sems.ReleaseHost(host)
		} else {
			e.sems.Release(c)
		}
	}
}

// persistFailure records the terminal failure, carrying over any
// artifacts the failed stage produced before dying so a resume can
// reuse them.
func (e *Executor) persistFailure(batchID, migrationID string, ms *state.MigrationState, stageName string, err error) {
	_ = e.store.UpdateVM(batchID, migrationID, func(s *state.MigrationState) {
		s.Status = state.StatusFailed
		s.Artifacts = ms.Artifacts
		s.Attempts = ms.Attempts
		s.LastError = &state.StageError{
			Stage:     stageName,
			Kind:      apperrors.Kind(err),
			Message:   err.Error(),
			Timestamp: time.Now(),
		}
		s.UpdatedAt = time.Now()
	})
	ms.Status = state.StatusFailed
	ms.LastError = &state.StageError{
		Stage:     stageName,
		Kind:      apperrors.Kind(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
}
