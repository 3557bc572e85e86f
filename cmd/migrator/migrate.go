package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/orchestrator"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/report"
	"github.com/scw-migrate/migrator/internal/vsphere"
)

// newMigrateCmd implements `migrate`: a single-VM shortcut that
// builds a one-entry, one-wave plan in memory and runs it through the
// same batch machinery as `batch run`, skipping the plan-file round
// trip for the common "just move this one VM" case.
func newMigrateCmd() *cobra.Command {
	var vmName, target, zone, strategy string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate --vm-name NAME",
		Short: "Migrate a single VM without writing a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if vmName == "" {
				return newUsageError("--vm-name is required")
			}

			cfg, err := buildConfig()
			if err != nil {
				return newUsageError("%w", err)
			}
			log, err := buildLogger(cfg)
			if err != nil {
				return newUsageError("%w", err)
			}
			defer log.Sync() //nolint:errcheck

			if !dryRun {
				if err := requireScwCredentials(); err != nil {
					return newUsageError("%w", err)
				}
			}

			dialURL, err := vCenterDialURL(cfg)
			if err != nil {
				return newUsageError("%w", err)
			}

			ctx := cmd.Context()
			client, err := vsphere.Dial(ctx, dialURL, cfg.Insecure)
			if err != nil {
				return fmt.Errorf("connecting to vcenter: %w", err)
			}
			defer client.Close(ctx)

			inventory, err := client.ListVMs(ctx)
			if err != nil {
				return fmt.Errorf("listing vms: %w", err)
			}

			if zone == "" {
				zone = cfg.ScwZone
			}
			const wave = "wave-1"

			p := &plan.Plan{
				Version:         1,
				Defaults:        plan.Defaults{Zone: zone, SizingStrategy: strategy},
				ConcurrencyCaps: plan.DefaultConcurrencyCaps(),
				Migrations:      []plan.MigrationEntry{{Selector: plan.Selector{Name: vmName}, TargetTypeID: target, Wave: wave}},
				Waves:           []plan.Wave{{Name: wave, PauseAfter: plan.PauseContinue}},
			}

			cat := catalogue.Default()
			if err := plan.Validate(p, cat); err != nil {
				return newValidationExitError(err)
			}

			expanded, err := plan.Expand(p, inventory, cat)
			if err != nil {
				return newValidationExitError(err)
			}
			if len(expanded.Entries) == 0 {
				return newUsageError("vm %q not found, excluded, or unmappable against the catalogue", vmName)
			}

			rt, err := newBatchRuntime(ctx, cfg, p, log, dryRun)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			result, err := rt.orch.Start(ctx, p, expanded, dryRun)
			if err != nil {
				if _, paused := err.(*orchestrator.PauseRequested); !paused {
					if ctx.Err() != nil {
						return newCancelledError(err)
					}
					return err
				}
			}

			bs := result.Simulated
			if bs == nil {
				if loaded, loadErr := rt.store.Load(result.BatchID); loadErr == nil {
					bs = loaded
				}
			}
			if bs != nil {
				report.Print(os.Stdout, bs)
			}

			if result.AnyFailed {
				return newPartialFailureError(result.BatchID)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&vmName, "vm-name", "", "exact name of the source VM to migrate")
	flags.StringVar(&target, "target", "", "target instance type id (auto-sized when omitted)")
	flags.StringVar(&zone, "zone", "", "target cloud zone (defaults to --scw-zone)")
	flags.StringVar(&strategy, "strategy", "", "sizing strategy when --target is omitted: exact, optimize, cost")
	flags.BoolVar(&dryRun, "dry-run", false, "simulate the pipeline without touching vCenter writes or the cloud provider")
	return cmd
}
