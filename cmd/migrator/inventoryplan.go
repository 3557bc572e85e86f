package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/filter"
	"github.com/scw-migrate/migrator/internal/planfile"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/sizing"
	"github.com/scw-migrate/migrator/internal/vsphere"
)

// newInventoryPlanCmd implements `inventory-plan`: filter the live
// inventory, size each surviving VM against the catalogue, and write a
// reviewable Plan YAML, the human checkpoint between discovery and a
// committed batch run.
func newInventoryPlanCmd() *cobra.Command {
	var nameGlob, osFamily, powerState, strategy, wave, zone, out string
	var minCPU, minRAMGB int64

	cmd := &cobra.Command{
		Use:   "inventory-plan",
		Short: "Generate a migration plan from filtered, sized inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return newUsageError("%w", err)
			}
			zlog, err := buildLogger(cfg)
			if err != nil {
				return newUsageError("%w", err)
			}
			defer zlog.Sync() //nolint:errcheck
			log := zlog.Sugar().Named("inventory-plan")

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

			vms, err := client.ListVMs(ctx)
			if err != nil {
				return fmt.Errorf("listing vms: %w", err)
			}

			preds := buildPredicates(nameGlob, osFamily, powerState, minCPU, minRAMGB)
			if err := filter.Validate(preds); err != nil {
				return newUsageError("%w", err)
			}
			matched := filter.Accepted(vms, preds)
			if len(matched) == 0 {
				log.Warnw("no vms matched the given filters")
			}

			cat := catalogue.Default()
			if strategy == "" {
				strategy = string(sizing.StrategyExact)
			}
			if wave == "" {
				wave = "wave-1"
			}
			if zone == "" {
				zone = cfg.ScwZone
			}

			p := &plan.Plan{
				Version:         1,
				Defaults:        plan.Defaults{Zone: zone, SizingStrategy: strategy},
				ConcurrencyCaps: plan.DefaultConcurrencyCaps(),
				Waves:           []plan.Wave{{Name: wave, PauseAfter: plan.PauseContinue}},
			}

			unmappable := 0
			for _, vm := range matched {
				sr := sizing.Select(vm, sizing.Strategy(strategy), cat, sizing.DefaultHeadroom)
				entry := plan.MigrationEntry{
					Selector: plan.Selector{Name: vm.Name},
					Wave:     wave,
				}
				if sr.Unmappable {
					unmappable++
					log.Warnw("vm has no viable target instance type", "vm", vm.Name)
					continue
				}
				entry.TargetTypeID = sr.Chosen
				p.Migrations = append(p.Migrations, entry)
			}

			if len(p.Migrations) == 0 {
				return fmt.Errorf("no matched vm could be sized against the catalogue (%d unmappable)", unmappable)
			}

			if err := plan.Validate(p, cat); err != nil {
				return newValidationExitError(err)
			}

			data, err := planfile.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshaling plan: %w", err)
			}

			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nameGlob, "name-glob", "", "shell-style glob over VM name")
	flags.StringVar(&osFamily, "os-family", "", "one of linux, windows, other")
	flags.StringVar(&powerState, "power-state", "", "one of poweredOn, poweredOff, suspended")
	flags.Int64Var(&minCPU, "min-cpu", 0, "minimum vCPU count")
	flags.Int64Var(&minRAMGB, "min-ram-gb", 0, "minimum RAM in GiB")
	flags.StringVar(&strategy, "strategy", string(sizing.StrategyExact), "sizing strategy: exact, optimize, cost")
	flags.StringVar(&wave, "wave", "wave-1", "wave name every matched entry is assigned to")
	flags.StringVar(&zone, "zone", "", "target cloud zone (defaults to --scw-zone)")
	flags.StringVarP(&out, "output", "o", "-", "output file path, or - for stdout")
	return cmd
}
