// Package history is a derived, rebuildable query index over migration
// history: it loads DuckDB with rows reconstructed from the JSON state
// store and answers ad-hoc queries (the `batch report` --wave/--status
// filters) that would be awkward to express against the JSON files
// directly. It is never authoritative: the JSON batch files are the
// source of truth, and this index can always be dropped and
// rebuilt from them.
package history

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/scw-migrate/migrator/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS migrations (
	batch_id      VARCHAR,
	migration_id  VARCHAR,
	vm_name       VARCHAR,
	vm_uuid       VARCHAR,
	wave          VARCHAR,
	status        VARCHAR,
	current_stage VARCHAR,
	started_at    TIMESTAMP,
	updated_at    TIMESTAMP,
	finished_at   TIMESTAMP,
	error_kind    VARCHAR,
	error_message VARCHAR,
	attempts      INTEGER
);
`

// Index is an in-process DuckDB handle holding the derived migration
// history.
type Index struct {
	db *sql.DB
}

// Open creates (or opens) a DuckDB file at path and ensures the schema
// exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening history index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the DuckDB handle.
func (i *Index) Close() error { return i.db.Close() }

// Rebuild truncates and repopulates the index from a BatchState,
// keeping the JSON batch file authoritative: this index is always
// reconstructable from it.
func (i *Index) Rebuild(ctx context.Context, bs *state.BatchState) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM migrations WHERE batch_id = ?`, bs.BatchID); err != nil {
		return err
	}

	for _, vm := range bs.VMStates {
		var errKind, errMsg string
		if vm.LastError != nil {
			errKind, errMsg = vm.LastError.Kind, vm.LastError.Message
		}
		var finishedAt any
		if vm.FinishedAt != nil {
			finishedAt = *vm.FinishedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO migrations
			(batch_id, migration_id, vm_name, vm_uuid, wave, status, current_stage,
			 started_at, updated_at, finished_at, error_kind, error_message, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			bs.BatchID, vm.MigrationID, vm.VMName, vm.VMUUID, vm.Wave, string(vm.Status), vm.CurrentStage,
			vm.StartedAt, vm.UpdatedAt, finishedAt, errKind, errMsg, vm.Attempts,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Row is one migration history record as returned by List.
type Row struct {
	BatchID      string
	MigrationID  string
	VMName       string
	Wave         string
	Status       string
	CurrentStage string
	ErrorKind    string
	ErrorMessage string
	Attempts     int
}

// ListOption narrows a List query.
type ListOption func(sq.SelectBuilder) sq.SelectBuilder

// ByBatch restricts to a single batch id.
func ByBatch(batchID string) ListOption {
	return func(b sq.SelectBuilder) sq.SelectBuilder {
		if batchID == "" {
			return b
		}
		return b.Where(sq.Eq{"batch_id": batchID})
	}
}

// ByStatus restricts to one or more statuses.
func ByStatus(statuses ...string) ListOption {
	return func(b sq.SelectBuilder) sq.SelectBuilder {
		if len(statuses) == 0 {
			return b
		}
		return b.Where(sq.Eq{"status": statuses})
	}
}

// ByWave restricts to a single wave name.
func ByWave(wave string) ListOption {
	return func(b sq.SelectBuilder) sq.SelectBuilder {
		if wave == "" {
			return b
		}
		return b.Where(sq.Eq{"wave": wave})
	}
}

// List runs a filtered query against the derived index.
func (i *Index) List(ctx context.Context, opts ...ListOption) ([]Row, error) {
	builder := sq.Select(
		"batch_id", "migration_id", "vm_name", "wave", "status",
		"current_stage", "error_kind", "error_message", "attempts",
	).From("migrations").OrderBy("vm_name")

	for _, opt := range opts {
		builder = opt(builder)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.BatchID, &r.MigrationID, &r.VMName, &r.Wave, &r.Status,
			&r.CurrentStage, &r.ErrorKind, &r.ErrorMessage, &r.Attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
