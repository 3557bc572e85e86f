// Package stagehandlers implements the concrete stage.Handler functions
// wired into the registry: validate, snapshot, export, and the
// S3/cloud-import stages call through to internal/vsphere,
// internal/objectstore, and internal/cloudprovider; the disk-conversion
// stages (convert, adapt_guest, clean_tools, inject_virtio,
// fix_bootloader, ensure_uefi) are opaque subprocess invocations; this
// package only knows their command-line contract, never their
// internals.
package stagehandlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/cloudprovider"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/objectstore"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/stages"
	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/vsphere"
)

// Deps bundles the external collaborators stage handlers call through
// to. Handlers close over a *Deps rather than receiving it per call, so
// they satisfy the stages.Handler signature (plan entry, state, config).
type Deps struct {
	VSphere  *vsphere.Client
	Objects  objectstore.Store
	Cloud    cloudprovider.Provider
	WorkRoot string
}

func workDir(cfg *config.AppConfig, migrationID string) string {
	return cfg.MigrationWorkDir(migrationID)
}

// Handlers returns the name -> handler map the stage registry is built
// from (internal/stages.New).
func (d *Deps) Handlers() map[string]stages.Handler {
	return map[string]stages.Handler{
		"validate":       d.Validate,
		"snapshot":       d.Snapshot,
		"export":         d.Export,
		"convert":        d.Convert,
		"adapt_guest":    d.AdaptGuest,
		"clean_tools":    d.CleanTools,
		"inject_virtio":  d.InjectVirtio,
		"fix_bootloader": d.FixBootloader,
		"ensure_uefi":    d.EnsureUEFI,
		"upload_s3":      d.UploadS3,
		"import_scw":     d.ImportScw,
		"verify":         d.Verify,
		"cleanup":        d.Cleanup,
	}
}

// Validate runs VM-level preflight checks:
// unsupported guest families are rejected before any stage touches the
// source VM, and the migration's work directory is created.
func (d *Deps) Validate(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	if entry.GuestOS != models.GuestOSLinux && entry.GuestOS != models.GuestOSWindows {
		return apperrors.NewPreflightError(fmt.Sprintf("vm %s has unsupported guest family %q", entry.VMName, entry.GuestOS))
	}
	if err := os.MkdirAll(workDir(cfgAny.(*config.AppConfig), ms.MigrationID), 0o755); err != nil {
		return apperrors.NewFatalStageError("validate", err.Error())
	}
	return nil
}

// Snapshot creates (or reuses) a quiesced snapshot of the source VM,
// naming it deterministically from the migration id so re-invocation is
// idempotent.
func (d *Deps) Snapshot(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	name := "migrator-" + ms.MigrationID
	id, err := d.VSphere.CreateSnapshot(ctx, entry.VMUUID, name, true)
	if err != nil {
		return apperrors.NewTransientInfraError("snapshot", err)
	}
	ms.Artifacts.Set("snapshot_id", id)
	return nil
}

// Export downloads the snapshot's VMDKs into the migration's work
// directory.
func (d *Deps) Export(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	dest := workDir(cfg, ms.MigrationID)

	if len(ms.Artifacts.VMDKPaths) > 0 {
		allExist := true
		for _, p := range ms.Artifacts.VMDKPaths {
			if _, err := os.Stat(p); err != nil {
				allExist = false
				break
			}
		}
		if allExist {
			return nil // already exported
		}
	}

	paths, err := d.VSphere.ExportVMDKs(ctx, entry.VMUUID, dest)
	if err != nil {
		return apperrors.NewTransientInfraError("export", err)
	}
	ms.Artifacts.VMDKPaths = paths
	return nil
}

// externalTool runs an opaque external conversion/adaptation binary
// named toolName with args, logging its output to the migration's
// per-stage log file.
func externalTool(ctx context.Context, cfg *config.AppConfig, migrationID, stage, toolName string, args ...string) error {
	logPath := filepath.Join(workDir(cfg, migrationID), fmt.Sprintf("stage-%s.log", stage))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.NewFatalStageError(stage, "opening stage log: "+err.Error())
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, toolName, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return apperrors.NewTransientInfraError(stage, err)
		}
		return apperrors.NewFatalStageError(stage, "tool "+toolName+" not available: "+err.Error())
	}
	return nil
}

// Convert invokes the opaque VMDK→qcow2 conversion tool.
func (d *Deps) Convert(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	out := filepath.Join(workDir(cfg, ms.MigrationID), "disk.qcow2")
	if _, err := os.Stat(out); err == nil {
		ms.Artifacts.Qcow2Path = out
		return nil // image-info validated implicitly by stat; skip re-convert
	}
	if len(ms.Artifacts.VMDKPaths) == 0 {
		return apperrors.NewArtifactError("vmdk_paths", "no exported disks to convert")
	}
	args := append([]string{}, ms.Artifacts.VMDKPaths...)
	args = append(args, out)
	if err := externalTool(ctx, cfg, ms.MigrationID, "convert", "qemu-img-convert", args...); err != nil {
		return err
	}
	ms.Artifacts.Qcow2Path = out
	return nil
}

// AdaptGuest invokes the opaque Linux guest-OS adaptation tool.
func (d *Deps) AdaptGuest(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	return externalTool(ctx, cfg, ms.MigrationID, "adapt_guest", "guest-adapt", ms.Artifacts.Qcow2Path)
}

// CleanTools invokes the opaque VMware-tools-removal step for Windows.
func (d *Deps) CleanTools(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	return externalTool(ctx, cfg, ms.MigrationID, "clean_tools", "guest-clean-tools", ms.Artifacts.Qcow2Path)
}

// InjectVirtio invokes the opaque VirtIO driver injection tool; requires
// cfg.VirtioWinISO to be configured.
func (d *Deps) InjectVirtio(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	if cfg.VirtioWinISO == "" {
		return apperrors.NewFatalStageError("inject_virtio", "virtio_win_iso is not configured")
	}
	return externalTool(ctx, cfg, ms.MigrationID, "inject_virtio", "guest-inject-virtio", ms.Artifacts.Qcow2Path, cfg.VirtioWinISO)
}

// FixBootloader invokes the opaque bcdboot-equivalent bootloader repair
// tool for Windows.
func (d *Deps) FixBootloader(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	return externalTool(ctx, cfg, ms.MigrationID, "fix_bootloader", "guest-fix-bootloader", ms.Artifacts.Qcow2Path)
}

// EnsureUEFI invokes the opaque firmware-conversion tool. Without a
// KVM-capable host the boot probe cannot run, so the stage fails unless
// the config explicitly allows the software path.
func (d *Deps) EnsureUEFI(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	if _, err := os.Stat("/dev/kvm"); err != nil && !cfg.AllowSoftwareUEFI {
		return apperrors.NewFatalStageError("ensure_uefi", "/dev/kvm unavailable and allow_software_uefi is false")
	}
	return externalTool(ctx, cfg, ms.MigrationID, "ensure_uefi", "guest-ensure-uefi", ms.Artifacts.Qcow2Path)
}

// UploadS3 uploads the converted image to object storage, resumable by
// default.
func (d *Deps) UploadS3(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)
	if ms.Artifacts.S3Key != "" {
		if ok, err := d.Objects.Exists(ctx, cfg.ScwBucket, ms.Artifacts.S3Key); err == nil && ok {
			return nil
		}
	}
	key := ms.MigrationID + "/disk.qcow2"
	url, err := d.Objects.Upload(ctx, ms.Artifacts.Qcow2Path, cfg.ScwBucket, key, true)
	if err != nil {
		return apperrors.NewTransientInfraError("upload_s3", err)
	}
	ms.Artifacts.S3Key = key
	ms.Artifacts.Set("s3_url", url)
	return nil
}

// ImportScw creates a cloud-side snapshot from the uploaded object and
// waits for it to become available, keyed by migration id so a retried
// invocation reuses the same resources.
func (d *Deps) ImportScw(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	cfg := cfgAny.(*config.AppConfig)

	if ms.Artifacts.ScwSnapshotID == "" {
		id, err := d.Cloud.CreateSnapshotFromObject(ctx, entry.Zone, ms.MigrationID, cfg.ScwBucket, ms.Artifacts.S3Key, "l_ssd")
		if err != nil {
			return apperrors.NewTransientInfraError("import_scw", err)
		}
		ms.Artifacts.ScwSnapshotID = id
	}

	status, err := d.Cloud.WaitSnapshot(ctx, entry.Zone, ms.Artifacts.ScwSnapshotID, cfg.SnapshotPollInterval, cfg.SnapshotPollTimeout)
	if err != nil {
		return apperrors.NewTransientInfraError("import_scw", err)
	}
	if status != cloudprovider.SnapshotStatusAvailable {
		return apperrors.NewTransientInfraError("import_scw", fmt.Errorf("snapshot %s in state %s", ms.Artifacts.ScwSnapshotID, status))
	}

	if ms.Artifacts.ScwImageID == "" {
		imgID, err := d.Cloud.CreateImage(ctx, entry.Zone, ms.MigrationID, ms.Artifacts.ScwSnapshotID, "x86_64")
		if err != nil {
			return apperrors.NewTransientInfraError("import_scw", err)
		}
		ms.Artifacts.ScwImageID = imgID
	}
	return nil
}

// Verify confirms the imported image exists and is addressable.
func (d *Deps) Verify(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	if ms.Artifacts.ScwImageID == "" {
		return apperrors.NewArtifactError("scw_image_id", "no image id recorded after import")
	}
	return nil
}

// Cleanup releases the source-side snapshot on success. On failure
// artifacts stay put so a resume can reuse them.
func (d *Deps) Cleanup(ctx context.Context, entry plan.ExpandedEntry, ms *state.MigrationState, cfgAny any) error {
	if id, ok := ms.Artifacts.Get("snapshot_id"); ok && id != "" {
		if err := d.VSphere.DeleteSnapshot(ctx, entry.VMUUID, "migrator-"+ms.MigrationID); err != nil {
			return apperrors.NewTransientInfraError("cleanup", err)
		}
	}
	return nil
}
