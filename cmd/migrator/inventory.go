package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scw-migrate/migrator/internal/filter"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/vsphere"
)

// newInventoryCmd implements `inventory`: connect to vCenter,
// list VMs, optionally filter them, and print the result. This is the
// read-only counterpart to `inventory-plan`, useful for reviewing what
// a filter set would match before committing it to a plan.
func newInventoryCmd() *cobra.Command {
	var nameGlob, osFamily, powerState string
	var minCPU, minRAMGB int64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List source VMs visible to vCenter, optionally filtered",
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
			results := filter.Evaluate(vms, preds)

			if asJSON {
				return printInventoryJSON(results)
			}
			printInventoryTable(results)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nameGlob, "name-glob", "", "shell-style glob over VM name")
	flags.StringVar(&osFamily, "os-family", "", "one of linux, windows, other")
	flags.StringVar(&powerState, "power-state", "", "one of poweredOn, poweredOff, suspended")
	flags.Int64Var(&minCPU, "min-cpu", 0, "minimum vCPU count")
	flags.Int64Var(&minRAMGB, "min-ram-gb", 0, "minimum RAM in GiB")
	flags.BoolVar(&asJSON, "json", false, "print full VMDescriptors as JSON instead of a table")
	return cmd
}

// buildPredicates turns the inventory/inventory-plan commands' flat
// flag set into the filter engine's composable predicate list.
func buildPredicates(nameGlob, osFamily, powerState string, minCPU, minRAMGB int64) []filter.Predicate {
	var preds []filter.Predicate
	if nameGlob != "" {
		preds = append(preds, filter.NameGlob(nameGlob))
	}
	if osFamily != "" {
		preds = append(preds, filter.OSFamily(models.GuestOSFamily(strings.ToLower(osFamily))))
	}
	if powerState != "" {
		preds = append(preds, filter.PowerState(models.PowerState(powerState)))
	}
	if minCPU > 0 {
		preds = append(preds, filter.MinCPU(minCPU))
	}
	if minRAMGB > 0 {
		preds = append(preds, filter.MinRAMGB(minRAMGB))
	}
	return preds
}

func printInventoryTable(results []filter.Result) {
	fmt.Printf("%-28s %-10s %-8s %-8s %-10s %-10s %s\n",
		"NAME", "OS", "CPU", "RAM_GB", "POWER", "MATCH", "REJECTED_ON")
	for _, r := range results {
		match := "yes"
		rejected := ""
		if !r.Accepted {
			match = "no"
			rejected = r.FailedOn.String()
		}
		fmt.Printf("%-28s %-10s %-8d %-8.0f %-10s %-10s %s\n",
			r.VM.Name, r.VM.GuestOSFamily, r.VM.CPUCount, r.VM.MemoryGiB(), r.VM.PowerState, match, rejected)
	}
}

func printInventoryJSON(results []filter.Result) error {
	accepted := make([]models.VMDescriptor, 0, len(results))
	for _, r := range results {
		if r.Accepted {
			accepted = append(accepted, r.VM)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(accepted)
}
