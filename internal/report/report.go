// Package report renders a BatchState as a colored terminal summary for
// `batch status` and for the post-run output of `batch run`,
// `batch resume` and `migrate`.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/scw-migrate/migrator/internal/state"
)

var (
	statusColor = map[state.Status]*color.Color{
		state.StatusPending:   color.New(color.FgWhite),
		state.StatusRunning:   color.New(color.FgCyan),
		state.StatusCompleted: color.New(color.FgGreen),
		state.StatusFailed:    color.New(color.FgRed, color.Bold),
		state.StatusSkipped:   color.New(color.FgYellow),
	}
)

// Print writes a per-VM table plus a summary line to w.
func Print(w io.Writer, bs *state.BatchState) {
	names := make([]string, 0, len(bs.VMStates))
	for id := range bs.VMStates {
		names = append(names, id)
	}
	sort.Slice(names, func(i, j int) bool {
		return bs.VMStates[names[i]].VMName < bs.VMStates[names[j]].VMName
	})

	fmt.Fprintf(w, "batch %s (plan digest %s)\n", bs.BatchID, bs.PlanDigest)
	fmt.Fprintf(w, "%-24s %-10s %-12s %-20s %s\n", "VM", "WAVE", "STATUS", "STAGE", "ERROR")

	counts := map[state.Status]int{}
	for _, id := range names {
		vm := bs.VMStates[id]
		counts[vm.Status]++
		c := statusColor[vm.Status]
		if c == nil {
			c = color.New(color.FgWhite)
		}
		errMsg := ""
		stage := vm.CurrentStage
		if vm.LastError != nil {
			errMsg = fmt.Sprintf("%s: %s", vm.LastError.Kind, vm.LastError.Message)
			if stage == "" {
				stage = vm.LastError.Stage
			}
		}
		fmt.Fprintf(w, "%-24s %-10s %s %-20s %s\n",
			vm.VMName, vm.Wave, padStatus(c, vm.Status), stage, errMsg)
	}

	fmt.Fprintln(w)
	for _, wave := range bs.WaveOrder {
		fmt.Fprintf(w, "wave %-10s %s\n", wave, bs.WaveStatus[wave])
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "summary: %d completed, %d failed, %d running, %d pending, %d skipped\n",
		counts[state.StatusCompleted], counts[state.StatusFailed], counts[state.StatusRunning],
		counts[state.StatusPending], counts[state.StatusSkipped])
}

func padStatus(c *color.Color, s state.Status) string {
	return c.Sprintf("%-12s", string(s))
}

// ExitCode maps a finished BatchState to the CLI exit-code contract:
// 3 when any VM failed, 0 otherwise.
func ExitCode(bs *state.BatchState) int {
	anyFailed := false
	for _, vm := range bs.VMStates {
		if vm.Status == state.StatusFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		return 3
	}
	return 0
}
