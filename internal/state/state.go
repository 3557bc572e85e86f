// Package state defines the mutable per-VM and per-batch records
// that the pipeline executor and batch orchestrator persist through the
// store. Artifacts are kept as a typed core (the keys the pipeline
// itself produces) plus an "extra" bag for forward compatibility.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is a MigrationState's lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// WaveStatus is a wave's run status within a BatchState.
type WaveStatus string

const (
	WaveStatusPending   WaveStatus = "pending"
	WaveStatusRunning   WaveStatus = "running"
	WaveStatusPaused    WaveStatus = "paused"
	WaveStatusCompleted WaveStatus = "completed"
	WaveStatusFailed    WaveStatus = "failed"
)

// Artifacts holds the named outputs a stage produces: a handful of
// well-known keys the core
// understands, plus Extra for anything a stage handler produces that the
// core doesn't need to interpret.
type Artifacts struct {
	VMDKPaths      []string          `json:"vmdk_paths,omitempty"`
	Qcow2Path      string            `json:"qcow2_path,omitempty"`
	S3Key          string            `json:"s3_key,omitempty"`
	ScwSnapshotID  string            `json:"scw_snapshot_id,omitempty"`
	ScwImageID     string            `json:"scw_image_id,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Set stores a value under key, using the typed field when key names one
// of the well-known artifacts, and Extra otherwise.
func (a *Artifacts) Set(key, value string) {
	switch key {
	case "qcow2_path":
		a.Qcow2Path = value
	case "s3_key":
		a.S3Key = value
	case "scw_snapshot_id":
		a.ScwSnapshotID = value
	case "scw_image_id":
		a.ScwImageID = value
	case "snapshot_id":
		a.SnapshotID = value
	default:
		if a.Extra == nil {
			a.Extra = make(map[string]string)
		}
		a.Extra[key] = value
	}
}

// Get retrieves an artifact value and reports whether it was present.
func (a *Artifacts) Get(key string) (string, bool) {
	switch key {
	case "qcow2_path":
		return a.Qcow2Path, a.Qcow2Path != ""
	case "s3_key":
		return a.S3Key, a.S3Key != ""
	case "scw_snapshot_id":
		return a.ScwSnapshotID, a.ScwSnapshotID != ""
	case "scw_image_id":
		return a.ScwImageID, a.ScwImageID != ""
	case "snapshot_id":
		return a.SnapshotID, a.SnapshotID != ""
	default:
		if a.Extra == nil {
			return "", false
		}
		v, ok := a.Extra[key]
		return v, ok
	}
}

// StageError records the stage that failed, why, and when.
type StageError struct {
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MigrationState is the mutable per-VM record.
type MigrationState struct {
	MigrationID     string      `json:"migration_id"`
	BatchID         string      `json:"batch_id"`
	VMName          string      `json:"vm_name"`
	VMUUID          string      `json:"vm_uuid"`
	Status          Status      `json:"status"`
	CurrentStage    string      `json:"current_stage,omitempty"`
	CompletedStages []string    `json:"completed_stages"`
	Artifacts       Artifacts   `json:"artifacts"`
	StartedAt       time.Time   `json:"started_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	LastError       *StageError `json:"last_error,omitempty"`
	Attempts        int         `json:"attempts"`
	Wave            string      `json:"wave"`
}

// HasCompleted reports whether stage is already recorded as completed.
func (m *MigrationState) HasCompleted(stage string) bool {
	for _, s := range m.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// BatchState is the per-batch record.
type BatchState struct {
	BatchID     string                     `json:"batch_id"`
	CreatedAt   time.Time                  `json:"created_at"`
	PlanDigest  string                     `json:"plan_digest"`
	WaveStatus  map[string]WaveStatus      `json:"wave_status"`
	WaveOrder   []string                   `json:"wave_order"`
	VMStates    map[string]*MigrationState `json:"vm_states"`
}

// NewBatchState creates an empty BatchState for a newly started batch.
func NewBatchState(batchID, planDigest string, waveOrder []string) *BatchState {
	ws := make(map[string]WaveStatus, len(waveOrder))
	for _, w := range waveOrder {
		ws[w] = WaveStatusPending
	}
	return &BatchState{
		BatchID:    batchID,
		CreatedAt:  time.Now(),
		PlanDigest: planDigest,
		WaveStatus: ws,
		WaveOrder:  waveOrder,
		VMStates:   make(map[string]*MigrationState),
	}
}

// NewBatchID returns a short random hex batch id.
func NewBatchID(randomSource [16]byte) string {
	return hex.EncodeToString(randomSource[:])[:12]
}

// MigrationID derives a stable per-VM identifier from the batch id and
// VM uuid, so the same VM in
// the same batch always maps to the same migration id across resumes.
func MigrationID(batchID, vmUUID string) string {
	sum := sha256.Sum256([]byte(batchID + ":" + vmUUID))
	return hex.EncodeToString(sum[:])[:16]
}
