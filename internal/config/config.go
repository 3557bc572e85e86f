// Package config defines AppConfig, the orchestrator's runtime
// configuration: a plain struct with defaults applied via struct tags
// (creasty/defaults).
package config

import (
	"time"

	"github.com/creasty/defaults"
)

// AppConfig holds everything the orchestrator needs beyond the plan
// itself: working directories, connection settings (never credential
// values, which come from environment variables only), and the
// snapshot-polling and UEFI-degradation knobs.
type AppConfig struct {
	WorkDir string `mapstructure:"work_dir" default:"./work"`

	VCenterURL  string `mapstructure:"vcenter_url"`
	VCenterUser string `mapstructure:"vcenter_user"`
	Insecure    bool   `mapstructure:"vcenter_insecure"`

	ScwZone         string `mapstructure:"scw_zone" default:"fr-par-1"`
	ScwBucket       string `mapstructure:"scw_bucket"`
	ScwOrganization string `mapstructure:"scw_organization_id"`

	VirtioWinISO string `mapstructure:"virtio_win_iso"`

	// AllowSoftwareUEFI governs degraded UEFI conversion without
	// /dev/kvm/OVMF: when false (default), the ensure_uefi stage treats a
	// missing KVM boot probe as fatal; when true, it proceeds with a
	// slower software path and a warning.
	AllowSoftwareUEFI bool `mapstructure:"allow_software_uefi" default:"false"`

	// Cloud-side snapshot readiness polling.
	SnapshotPollInterval time.Duration `mapstructure:"snapshot_poll_interval" default:"5s"`
	SnapshotPollTimeout  time.Duration `mapstructure:"snapshot_poll_timeout" default:"30m"`

	// CatalogueTTL bounds how old the instance-type catalogue snapshot
	// may be before the estimator warns that it should be reconciled
	// against the provider's live listing. Zero disables the check.
	CatalogueTTL time.Duration `mapstructure:"catalogue_ttl" default:"720h"`

	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" default:"2s"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" default:"60s"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" default:"3"`

	Workers int `mapstructure:"workers" default:"10"`

	LogLevel  string `mapstructure:"log_level" default:"info"`
	LogFormat string `mapstructure:"log_format" default:"json"`

	AvailableDiskGiB int64 `mapstructure:"available_disk_gib"`

	DashboardPort int `mapstructure:"dashboard_port" default:"8080"`
}

// NewAppConfig returns an AppConfig with every `default` tag applied.
func NewAppConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BatchStateDir is the batch-state directory under WorkDir.
func (c *AppConfig) BatchStateDir() string {
	return c.WorkDir + "/batch-state"
}

// MigrationWorkDir is the per-migration artifact directory.
func (c *AppConfig) MigrationWorkDir(migrationID string) string {
	return c.WorkDir + "/work/" + migrationID
}
