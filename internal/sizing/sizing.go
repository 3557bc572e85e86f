// Package sizing implements the sizing mapper: given a VM and a
// strategy, select a target instance type from the catalogue.
package sizing

import (
	"math"
	"sort"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/models"
)

// Strategy selects how aggressively to size the target instance.
type Strategy string

const (
	StrategyExact    Strategy = "exact"
	StrategyOptimize Strategy = "optimize"
	StrategyCost     Strategy = "cost"
)

// DefaultHeadroom is the CPU/RAM headroom multiplier StrategyOptimize
// requires, configurable by callers that want a
// different ratio.
const DefaultHeadroom = 1.2

// Result is the sizing mapper's output for one VM: the ordered candidate
// list (best first) plus the chosen type, or Unmappable if nothing in
// the catalogue fits.
type Result struct {
	Candidates      []string // instance type ids, best first
	Chosen          string
	Unmappable      bool
	FellBackToExact bool // optimize had no candidate meeting headroom; exact was used instead
}

// Select sizes one VM in three steps: filter the catalogue by
// hard constraints, apply the strategy's ordering, and pick the first
// candidate.
func Select(vm models.VMDescriptor, strategy Strategy, cat *catalogue.Catalogue, headroom float64) Result {
	if headroom <= 0 {
		headroom = DefaultHeadroom
	}

	candidates := feasible(vm, cat.All())
	if len(candidates) == 0 {
		return Result{Unmappable: true}
	}

	switch strategy {
	case StrategyOptimize:
		optimized := requireHeadroom(vm, candidates, headroom)
		if len(optimized) == 0 {
			// Fall back to exact and flag the entry.
			sortExact(candidates)
			return Result{
				Candidates:      ids(candidates),
				Chosen:          candidates[0].ID,
				FellBackToExact: true,
			}
		}
		sortExact(optimized)
		return Result{Candidates: ids(optimized), Chosen: optimized[0].ID}

	case StrategyCost:
		sortCost(candidates)
		return Result{Candidates: ids(candidates), Chosen: candidates[0].ID}

	default: // StrategyExact
		sortExact(candidates)
		return Result{Candidates: ids(candidates), Chosen: candidates[0].ID}
	}
}

// feasible applies the hard constraints: architecture (x86_64, the
// architecture source VMs are imported as),
// Windows allowance, vCPU/RAM floor, and storage capacity (local or
// block-attachable).
func feasible(vm models.VMDescriptor, types []catalogue.InstanceType) []catalogue.InstanceType {
	var out []catalogue.InstanceType
	totalDisk := vm.TotalDiskGiB()
	ramGiB := vm.MemoryGiB()
	for _, t := range types {
		if t.Arch != catalogue.ArchX86_64 {
			continue
		}
		if vm.GuestOSFamily == models.GuestOSWindows && !t.WindowsAllowed {
			continue
		}
		if int64(t.VCPU) < int64(vm.CPUCount) {
			continue
		}
		if t.RAMGiB < ramGiB {
			continue
		}
		storageOK := t.LocalStorageGiB >= totalDisk ||
			(t.SupportsBlockStorage() && t.MaxVolumes >= len(vm.Disks))
		if !storageOK {
			continue
		}
		out = append(out, t)
	}
	return out
}

// requireHeadroom keeps only candidates meeting the optimize strategy's
// vCPU >= ceil(headroom * source.cpu) and RAM >= headroom * source.ram.
func requireHeadroom(vm models.VMDescriptor, types []catalogue.InstanceType, headroom float64) []catalogue.InstanceType {
	minCPU := int(math.Ceil(headroom * float64(vm.CPUCount)))
	minRAM := headroom * vm.MemoryGiB()
	var out []catalogue.InstanceType
	for _, t := range types {
		if t.VCPU >= minCPU && t.RAMGiB >= minRAM {
			out = append(out, t)
		}
	}
	return out
}

func sortExact(types []catalogue.InstanceType) {
	sort.SliceStable(types, func(i, j int) bool {
		a, b := types[i], types[j]
		if a.VCPU != b.VCPU {
			return a.VCPU < b.VCPU
		}
		if a.RAMGiB != b.RAMGiB {
			return a.RAMGiB < b.RAMGiB
		}
		return a.HourlyPrice < b.HourlyPrice
	})
}

func sortCost(types []catalogue.InstanceType) {
	sort.SliceStable(types, func(i, j int) bool {
		a, b := types[i], types[j]
		if a.HourlyPrice != b.HourlyPrice {
			return a.HourlyPrice < b.HourlyPrice
		}
		if a.VCPU != b.VCPU {
			return a.VCPU < b.VCPU
		}
		return a.RAMGiB < b.RAMGiB
	})
}

func ids(types []catalogue.InstanceType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.ID
	}
	return out
}
