package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/estimator"
	"github.com/scw-migrate/migrator/internal/history"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/orchestrator"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/planfile"
	"github.com/scw-migrate/migrator/internal/report"
	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/store"
	"github.com/scw-migrate/migrator/internal/vsphere"
)

// newBatchCmd implements the `batch` command group: estimate,
// run, resume, status, report. All but status/report need a live
// vCenter connection to resolve the plan's selectors against current
// inventory: expansion freezes identity at run time, not at plan
// authoring time.
func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Estimate, run, resume, and inspect batch migrations",
	}
	cmd.AddCommand(
		newBatchEstimateCmd(),
		newBatchRunCmd(),
		newBatchResumeCmd(),
		newBatchStatusCmd(),
		newBatchReportCmd(),
	)
	return cmd
}

// newStoreOnly opens the state store without wiring the rest of the
// batch runtime, for the read-only status/report/resume-lookup paths.
func newStoreOnly(cfg *config.AppConfig) (*store.Store, error) {
	st, err := store.New(cfg.BatchStateDir())
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return st, nil
}

// loadBatchOrLatest loads batchID, or the most recently created batch
// when batchID is empty.
func loadBatchOrLatest(st *store.Store, batchID string) (*state.BatchState, error) {
	if batchID != "" {
		bs, err := st.Load(batchID)
		if err != nil {
			return nil, newUsageError("%w", err)
		}
		return bs, nil
	}
	bs, err := st.LatestBatch()
	if err != nil {
		return nil, fmt.Errorf("loading latest batch: %w", err)
	}
	if bs == nil {
		return nil, newUsageError("no batches found")
	}
	return bs, nil
}

func readPlanFile(planPath string) (*plan.Plan, error) {
	if planPath == "" {
		return nil, newUsageError("--plan is required")
	}
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	p, err := planfile.Parse(data)
	if err != nil {
		return nil, newValidationExitError(err)
	}
	return p, nil
}

func newBatchEstimateCmd() *cobra.Command {
	var planPath string
	var asJSON, compressed bool

	cmd := &cobra.Command{
		Use:   "estimate --plan FILE",
		Short: "Project work space, duration, and monthly cost for a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return newUsageError("%w", err)
			}
			log, err := buildLogger(cfg)
			if err != nil {
				return newUsageError("%w", err)
			}
			defer log.Sync() //nolint:errcheck

			p, err := readPlanFile(planPath)
			if err != nil {
				return err
			}
			cat := catalogue.Default()
			if err := plan.Validate(p, cat); err != nil {
				return newValidationExitError(err)
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

			expanded, err := plan.Expand(p, inventory, cat)
			if err != nil {
				return newValidationExitError(err)
			}

			vmsByUUID := make(map[string]models.VMDescriptor, len(inventory))
			for _, vm := range inventory {
				vmsByUUID[vm.UUID] = vm
			}

			result := estimator.Estimate(p, expanded, cat, vmsByUUID, cfg, compressed)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			fmt.Printf("work space:  %.1f GiB\n", result.WorkSpaceGiB)
			fmt.Printf("duration:    %.1f minutes\n", result.DurationMinutes)
			fmt.Printf("monthly cost: %.2f EUR\n", result.MonthlyCostEUR)
			if len(result.Warnings) > 0 {
				fmt.Println("warnings:")
				for _, w := range result.Warnings {
					fmt.Printf("  [%s] %s\n", w.Code, w.Message)
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&planPath, "plan", "", "plan YAML file")
	flags.BoolVar(&asJSON, "json", false, "print the estimate as JSON")
	flags.BoolVar(&compressed, "compressed", true, "assume compressed qcow2 output when projecting work space")
	return cmd
}

func newBatchRunCmd() *cobra.Command {
	planFlag := &cobraflags.StringFlag{Name: "plan", Usage: "plan YAML file"}
	dryRunFlag := &cobraflags.BoolFlag{Name: "dry-run", Usage: "simulate the batch without touching vCenter writes or the cloud provider"}

	cmd := &cobra.Command{
		Use:   "run --plan FILE",
		Short: "Start a new batch from a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := planFlag.GetString()
			dryRun := dryRunFlag.GetBool()

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

			p, err := readPlanFile(planPath)
			if err != nil {
				return err
			}
			cat := catalogue.Default()
			if err := plan.Validate(p, cat); err != nil {
				return newValidationExitError(err)
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
			inventory, err := client.ListVMs(ctx)
			client.Close(ctx)
			if err != nil {
				return fmt.Errorf("listing vms: %w", err)
			}

			expanded, err := plan.Expand(p, inventory, cat)
			if err != nil {
				return newValidationExitError(err)
			}
			if len(expanded.Entries) == 0 {
				return newUsageError("plan matched no VMs in the current inventory")
			}

			rt, err := newBatchRuntime(ctx, cfg, p, log, dryRun)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			result, runErr := rt.orch.Start(ctx, p, expanded, dryRun)
			return finishBatch(ctx, rt, result, runErr)
		},
	}

	cobraflags.Register(cmd, planFlag, dryRunFlag)
	return cmd
}

func newBatchResumeCmd() *cobra.Command {
	planFlag := &cobraflags.StringFlag{Name: "plan", Usage: "plan YAML file the batch was started from"}
	batchFlag := &cobraflags.StringFlag{Name: "batch", Usage: "batch id to resume (defaults to the most recent batch)"}
	dryRunFlag := &cobraflags.BoolFlag{Name: "dry-run", Usage: "simulate the resumed stages instead of executing them"}

	cmd := &cobra.Command{
		Use:   "resume --plan FILE --batch ID",
		Short: "Resume a paused or partially-failed batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := planFlag.GetString()
			batchID := batchFlag.GetString()
			dryRun := dryRunFlag.GetBool()

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

			p, err := readPlanFile(planPath)
			if err != nil {
				return err
			}
			cat := catalogue.Default()
			if err := plan.Validate(p, cat); err != nil {
				return newValidationExitError(err)
			}

			st, err := newStoreOnly(cfg)
			if err != nil {
				return err
			}
			bs, err := loadBatchOrLatest(st, batchID)
			if err != nil {
				return err
			}
			batchID = bs.BatchID
			if bs.PlanDigest != plan.Digest(p) {
				return newValidationExitError(fmt.Errorf("plan digest mismatch: batch %s was started from a different plan", batchID))
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
			inventory, err := client.ListVMs(ctx)
			client.Close(ctx)
			if err != nil {
				return fmt.Errorf("listing vms: %w", err)
			}

			expanded, err := plan.Expand(p, inventory, cat)
			if err != nil {
				return newValidationExitError(err)
			}

			rt, err := newBatchRuntime(ctx, cfg, p, log, dryRun)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			result, runErr := rt.orch.Resume(ctx, p, expanded, batchID, dryRun)
			return finishBatch(ctx, rt, result, runErr)
		},
	}

	cobraflags.Register(cmd, planFlag, batchFlag, dryRunFlag)
	return cmd
}

// finishBatch handles an orchestrator Start/Resume outcome uniformly:
// a pause is reported and treated as success, a report is printed, and
// a partial failure maps to its dedicated exit code.
func finishBatch(ctx context.Context, rt *batchRuntime, result *orchestrator.Result, runErr error) error {
	if runErr != nil {
		if pr, paused := runErr.(*orchestrator.PauseRequested); paused {
			fmt.Fprintf(os.Stderr, "batch %s paused after wave %s; resume with `batch resume --batch %s`\n",
				result.BatchID, pr.Wave, result.BatchID)
		} else if ctx.Err() != nil {
			return newCancelledError(runErr)
		} else {
			return runErr
		}
	}

	if result != nil {
		// A dry run never wrote batch-state; report from the simulated
		// in-memory states instead.
		bs := result.Simulated
		if bs == nil {
			if loaded, err := rt.store.Load(result.BatchID); err == nil {
				bs = loaded
			}
		}
		if bs != nil {
			report.Print(os.Stdout, bs)
		}
	}

	if result != nil && result.AnyFailed {
		return newPartialFailureError(result.BatchID)
	}
	return nil
}

func newBatchStatusCmd() *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current state of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return newUsageError("%w", err)
			}
			st, err := newStoreOnly(cfg)
			if err != nil {
				return err
			}

			bs, err := loadBatchOrLatest(st, batchID)
			if err != nil {
				return err
			}
			report.Print(os.Stdout, bs)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id to inspect (defaults to the most recent batch)")
	return cmd
}

func newBatchReportCmd() *cobra.Command {
	var batchID, wave, status string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Query migration history across one or more batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return newUsageError("%w", err)
			}
			st, err := newStoreOnly(cfg)
			if err != nil {
				return err
			}

			bs, err := loadBatchOrLatest(st, batchID)
			if err != nil {
				return err
			}

			idx, err := history.Open(cfg.WorkDir + "/history.duckdb")
			if err != nil {
				return fmt.Errorf("opening history index: %w", err)
			}
			defer idx.Close()

			ctx := cmd.Context()
			if err := idx.Rebuild(ctx, bs); err != nil {
				return fmt.Errorf("rebuilding history index: %w", err)
			}

			var opts []history.ListOption
			opts = append(opts, history.ByBatch(bs.BatchID))
			if wave != "" {
				opts = append(opts, history.ByWave(wave))
			}
			if status != "" {
				opts = append(opts, history.ByStatus(status))
			}

			rows, err := idx.List(ctx, opts...)
			if err != nil {
				return fmt.Errorf("querying history: %w", err)
			}

			fmt.Printf("%-24s %-10s %-12s %-20s %s\n", "VM", "WAVE", "STATUS", "STAGE", "ERROR")
			for _, r := range rows {
				errMsg := ""
				if r.ErrorMessage != "" {
					errMsg = fmt.Sprintf("%s: %s", r.ErrorKind, r.ErrorMessage)
				}
				fmt.Printf("%-24s %-10s %-12s %-20s %s\n", r.VMName, r.Wave, r.Status, r.CurrentStage, errMsg)
			}

			if code := report.ExitCode(bs); code != 0 {
				return newPartialFailureError(bs.BatchID)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&batchID, "batch", "", "batch id to report on (defaults to the most recent batch)")
	flags.StringVar(&wave, "wave", "", "filter to a single wave")
	flags.StringVar(&status, "status", "", "filter to a single status (pending, running, completed, failed, skipped)")
	return cmd
}
