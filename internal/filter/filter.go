// Package filter implements the predicate-based filter engine.
// Evaluation is pure over a models.VMDescriptor: no I/O, no clock, no
// randomness, so evaluating the same inputs always yields the same
// ordered output.
package filter

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/scw-migrate/migrator/internal/models"
)

// Kind identifies a predicate variant, used for the rejection report.
type Kind string

const (
	KindNameGlob       Kind = "name_glob"
	KindNameRegex      Kind = "name_regex"
	KindFolderPrefix   Kind = "folder_prefix"
	KindOSFamily       Kind = "os_family"
	KindHostGlob       Kind = "host_glob"
	KindClusterGlob    Kind = "cluster_glob"
	KindDatacenter     Kind = "datacenter"
	KindPowerState     Kind = "power_state"
	KindFirmware       Kind = "firmware"
	KindMinCPU         Kind = "min_cpu"
	KindMaxCPU         Kind = "max_cpu"
	KindMinRAMGB       Kind = "min_ram_gb"
	KindMaxDiskTotalGB Kind = "max_disk_total_gb"
)

// Predicate is a single filter clause. Exactly one of the typed
// fields is meaningful for a given Kind; String() renders it for
// rejection reports and plan provenance.
type Predicate struct {
	Kind    Kind
	Pattern string // name_glob, name_regex, host_glob, cluster_glob
	Path    string // folder_prefix
	Value   string // os_family, datacenter, power_state, firmware
	Number  int64  // min_cpu, max_cpu, min_ram_gb, max_disk_total_gb
}

func NameGlob(pattern string) Predicate     { return Predicate{Kind: KindNameGlob, Pattern: pattern} }
func NameRegex(pattern string) Predicate    { return Predicate{Kind: KindNameRegex, Pattern: pattern} }
func FolderPrefix(p string) Predicate       { return Predicate{Kind: KindFolderPrefix, Path: p} }
func OSFamily(v models.GuestOSFamily) Predicate {
	return Predicate{Kind: KindOSFamily, Value: string(v)}
}
func HostGlob(pattern string) Predicate    { return Predicate{Kind: KindHostGlob, Pattern: pattern} }
func ClusterGlob(pattern string) Predicate { return Predicate{Kind: KindClusterGlob, Pattern: pattern} }
func Datacenter(v string) Predicate        { return Predicate{Kind: KindDatacenter, Value: v} }
func PowerState(v models.PowerState) Predicate {
	return Predicate{Kind: KindPowerState, Value: string(v)}
}
func Firmware(v models.Firmware) Predicate { return Predicate{Kind: KindFirmware, Value: string(v)} }
func MinCPU(n int64) Predicate             { return Predicate{Kind: KindMinCPU, Number: n} }
func MaxCPU(n int64) Predicate             { return Predicate{Kind: KindMaxCPU, Number: n} }
func MinRAMGB(n int64) Predicate           { return Predicate{Kind: KindMinRAMGB, Number: n} }
func MaxDiskTotalGB(n int64) Predicate     { return Predicate{Kind: KindMaxDiskTotalGB, Number: n} }

func (p Predicate) String() string {
	switch p.Kind {
	case KindNameGlob, KindNameRegex, KindHostGlob, KindClusterGlob:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Pattern)
	case KindFolderPrefix:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Path)
	case KindOSFamily, KindDatacenter, KindPowerState, KindFirmware:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Value)
	default:
		return fmt.Sprintf("%s(%d)", p.Kind, p.Number)
	}
}

// match evaluates a single predicate against a VM. It never returns an
// error for malformed glob/regex at eval time; Validate below is
// expected to have rejected those up front.
func match(p Predicate, vm models.VMDescriptor) bool {
	switch p.Kind {
	case KindNameGlob:
		ok, _ := path.Match(p.Pattern, vm.Name)
		return ok
	case KindNameRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(vm.Name)
	case KindFolderPrefix:
		return folderUnder(vm.Topology.FolderPath, p.Path)
	case KindOSFamily:
		return string(vm.GuestOSFamily) == p.Value
	case KindHostGlob:
		ok, _ := path.Match(p.Pattern, vm.Topology.Host)
		return ok
	case KindClusterGlob:
		ok, _ := path.Match(p.Pattern, vm.Topology.Cluster)
		return ok
	case KindDatacenter:
		return vm.Topology.Datacenter == p.Value
	case KindPowerState:
		return string(vm.PowerState) == p.Value
	case KindFirmware:
		return string(vm.Firmware) == p.Value
	case KindMinCPU:
		return int64(vm.CPUCount) >= p.Number
	case KindMaxCPU:
		return int64(vm.CPUCount) <= p.Number
	case KindMinRAMGB:
		return vm.MemoryMB/1024 >= p.Number
	case KindMaxDiskTotalGB:
		return vm.TotalDiskGiB() <= p.Number
	default:
		return false
	}
}

// folderUnder reports whether folder equals, or is a slash-separated
// child of, prefix.
func folderUnder(folder, prefix string) bool {
	folder = strings.Trim(folder, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	if folder == prefix {
		return true
	}
	return strings.HasPrefix(folder, prefix+"/")
}

// Result is the per-VM outcome of evaluating a predicate set.
type Result struct {
	VM       models.VMDescriptor
	Accepted bool
	// FailedOn is the first predicate that rejected the VM, for
	// debuggability. Zero value when Accepted is true.
	FailedOn Predicate
}

// Evaluate applies preds (implicit AND) to each VM in inventory, in
// order, and reports which predicate rejected each rejected VM.
// Evaluate is pure: the same (inventory, preds) always yields the same
// ordered []Result.
func Evaluate(inventory []models.VMDescriptor, preds []Predicate) []Result {
	results := make([]Result, 0, len(inventory))
	for _, vm := range inventory {
		r := Result{VM: vm, Accepted: true}
		for _, p := range preds {
			if !match(p, vm) {
				r.Accepted = false
				r.FailedOn = p
				break
			}
		}
		results = append(results, r)
	}
	return results
}

// Accepted is a convenience wrapper returning only the VMs that passed
// every predicate, preserving inventory order.
func Accepted(inventory []models.VMDescriptor, preds []Predicate) []models.VMDescriptor {
	results := Evaluate(inventory, preds)
	out := make([]models.VMDescriptor, 0, len(results))
	for _, r := range results {
		if r.Accepted {
			out = append(out, r.VM)
		}
	}
	return out
}

// Validate checks that every glob/regex predicate compiles, so that
// plan validation can reject a broken filter before a batch run starts
// rather than silently matching nothing.
func Validate(preds []Predicate) error {
	for _, p := range preds {
		switch p.Kind {
		case KindNameRegex:
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("invalid regex in %s: %w", p, err)
			}
		case KindNameGlob, KindHostGlob, KindClusterGlob:
			if _, err := path.Match(p.Pattern, ""); err != nil {
				return fmt.Errorf("invalid glob in %s: %w", p, err)
			}
		}
	}
	return nil
}
