// Package estimator computes a pre-flight projection over a plan:
// work-space, duration, monthly cost, and a set of advisory warnings.
// It performs no I/O; the only ambient input is the clock, used for the
// catalogue staleness check.
package estimator

import (
	"fmt"
	"math"
	"time"

	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/plan"
)

// Warning is a single advisory finding, carrying enough structure for
// the report/dashboard to render it without re-deriving the reason.
type Warning struct {
	Code    string
	Message string
}

// Result is the estimator's full output.
type Result struct {
	WorkSpaceGiB    float64
	DurationMinutes float64
	MonthlyCostEUR  float64
	Warnings        []Warning
}

// qcow2Factor approximates compressed qcow2 size relative to source disk
// size.
const (
	qcow2FactorCompressed   = 0.7
	qcow2FactorUncompressed = 1.0

	exportMinutesPer10GiBPerHostSlot  = 3.0
	convertMinutesPer10GiBPerDiskSlot = 1.0
	uploadMinutesPerGiBPerS3Slot      = 1.0
	perVMFixedOverheadMinutes         = 8.0 // validate + adapt/inject + import, fixed cost
)

// Estimate computes the projection for an expanded plan against the
// catalogue and a VM lookup (by uuid) for the source descriptors it
// needs (disk sizes, guest OS family).
func Estimate(p *plan.Plan, expanded *plan.ExpandedPlan, cat *catalogue.Catalogue, vmsByUUID map[string]models.VMDescriptor, cfg *config.AppConfig, compressedQcow2 bool) Result {
	var res Result

	qcow2Factor := qcow2FactorUncompressed
	if compressedQcow2 {
		qcow2Factor = qcow2FactorCompressed
	}

	diskIOCap := float64(p.CapFor(plan.ResourceDiskIO))
	s3Cap := float64(p.CapFor(plan.ResourceS3Upload))
	hostCap := float64(p.CapFor(plan.ResourcePerESXiHost))
	if diskIOCap <= 0 {
		diskIOCap = 1
	}
	if s3Cap <= 0 {
		s3Cap = 1
	}
	if hostCap <= 0 {
		hostCap = 1
	}

	var totalExportMinutes, totalConvertMinutes, totalUploadMinutes float64
	hasWindows := false

	for _, e := range expanded.Entries {
		vm, ok := vmsByUUID[e.VMUUID]
		if !ok {
			continue
		}
		diskGiB := float64(vm.TotalDiskGiB())
		res.WorkSpaceGiB += diskGiB*1.2 + diskGiB*qcow2Factor

		totalExportMinutes += diskGiB / 10.0 * exportMinutesPer10GiBPerHostSlot
		totalConvertMinutes += diskGiB / 10.0 * convertMinutesPer10GiBPerDiskSlot
		totalUploadMinutes += diskGiB * uploadMinutesPerGiBPerS3Slot
		res.DurationMinutes += perVMFixedOverheadMinutes

		if e.GuestOS == models.GuestOSWindows {
			hasWindows = true
		}

		t, ok := cat.Get(e.TargetTypeID)
		if ok {
			res.MonthlyCostEUR += t.HourlyPrice * 730
		}

		if e.Warning != "" {
			res.Warnings = append(res.Warnings, Warning{Code: "sizing_fallback", Message: fmt.Sprintf("%s: %s", e.VMName, e.Warning)})
		}
	}

	res.DurationMinutes += totalExportMinutes / hostCap
	res.DurationMinutes += totalConvertMinutes / diskIOCap
	res.DurationMinutes += totalUploadMinutes / s3Cap
	res.DurationMinutes = math.Round(res.DurationMinutes*100) / 100

	for _, q := range expanded.Quarantined {
		res.Warnings = append(res.Warnings, Warning{
			Code:    "unmappable",
			Message: fmt.Sprintf("%s: no catalogue entry satisfies sizing requirements", q.VMName),
		})
	}

	waveCounts := make(map[string]int)
	for _, e := range expanded.Entries {
		waveCounts[e.Wave]++
	}
	for _, w := range p.Waves {
		if waveCounts[w.Name] == 0 {
			res.Warnings = append(res.Warnings, Warning{
				Code:    "empty_wave",
				Message: fmt.Sprintf("wave %s has no VMs assigned", w.Name),
			})
		}
	}

	if hasWindows {
		res.Warnings = append(res.Warnings, Warning{
			Code:    "windows_needs_kvm",
			Message: "batch includes Windows VMs: ensure_uefi requires a KVM-capable host",
		})
		if cfg != nil && cfg.VirtioWinISO == "" {
			res.Warnings = append(res.Warnings, Warning{
				Code:    "missing_virtio_iso",
				Message: "batch includes Windows VMs but virtio_win_iso is not configured",
			})
		}
	}

	if cfg != nil && cfg.CatalogueTTL > 0 && !cat.RetrievedAt().IsZero() &&
		time.Since(cat.RetrievedAt()) > cfg.CatalogueTTL {
		res.Warnings = append(res.Warnings, Warning{
			Code: "catalogue_stale",
			Message: fmt.Sprintf("instance-type catalogue snapshot from %s is older than %s; reconcile against the provider's live listing",
				cat.RetrievedAt().Format("2006-01-02"), cfg.CatalogueTTL),
		})
	}

	if cfg != nil && cfg.AvailableDiskGiB > 0 && float64(cfg.AvailableDiskGiB) < res.WorkSpaceGiB {
		res.Warnings = append(res.Warnings, Warning{
			Code: "insufficient_disk",
			Message: fmt.Sprintf("estimated work space %.1f GiB exceeds --available-disk %d GiB",
				res.WorkSpaceGiB, cfg.AvailableDiskGiB),
		})
	}

	return res
}
