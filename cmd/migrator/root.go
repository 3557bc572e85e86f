// Package main implements the migrator CLI: a thin command layer
// wiring argument parsing, config loading, and credential plumbing
// around the orchestrator core.
package main

import (
	"fmt"
	"os"

	"github.com/jzelinskie/cobrautil/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ExitCode values: usage errors are distinguished
// from validation errors, partial-failure batches, and fatal infra
// errors so wrapper scripts can branch on them.
const (
	ExitSuccess         = 0
	ExitUsageError      = 1
	ExitValidationError = 2
	ExitPartialFailure  = 3
	ExitFatalInfra      = 4
	ExitCancelled       = 130
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "migrator",
		Short:         "Batch VM migration orchestrator: vSphere to cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: cobrautil.SyncViperPreRunE("migrator"),
	}

	flags := root.PersistentFlags()
	flags.String("work-dir", "./work", "working directory for batch state and artifacts")
	flags.String("vcenter-url", "", "vCenter SDK endpoint, e.g. https://vcenter.example.com/sdk")
	flags.String("vcenter-user", "", "vCenter username (password via VCENTER_PASSWORD)")
	flags.Bool("vcenter-insecure", false, "skip vCenter TLS verification")
	flags.String("scw-zone", "fr-par-1", "target cloud zone")
	flags.String("scw-bucket", "", "object storage bucket for staged images")
	flags.String("virtio-win-iso", "", "path to the virtio-win driver ISO (required for Windows VMs)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json, console")
	flags.Int("dashboard-port", 8080, "dashboard HTTP port")
	flags.String("config", "", "config file path")

	bindOrExit(flags, "work-dir", "vcenter-url", "vcenter-user", "vcenter-insecure",
		"scw-zone", "scw-bucket", "virtio-win-iso", "log-level", "log-format", "dashboard-port")

	root.AddCommand(
		newInventoryCmd(),
		newInventoryPlanCmd(),
		newMigrateCmd(),
		newBatchCmd(),
	)
	return root
}

func bindOrExit(flags *pflag.FlagSet, names ...string) {
	for _, n := range names {
		if err := viper.BindPFlag(n, flags.Lookup(n)); err != nil {
			fmt.Fprintf(os.Stderr, "binding flag %s: %v\n", n, err)
			os.Exit(ExitUsageError)
		}
	}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}
