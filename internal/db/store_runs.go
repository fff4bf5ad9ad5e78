package db

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
)

// ExistsRecord reports whether a run of the job with the given timestamp is
// already stored.
func (db *DB) ExistsRecord(ctx context.Context, serverID, jobName string, ts time.Time) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM backup_runs WHERE server_id = $1 AND job_name = $2 AND ts = $3)
	`, serverID, jobName, models.NormalizeTimestamp(ts)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check backup run: %w", err)
	}
	return exists, nil
}

// InsertRecord stores a run. A run with the same server, job and timestamp
// yields models.ErrDuplicateRecord and leaves the stored run unchanged.
func (db *DB) InsertRecord(ctx context.Context, r *models.BackupRunRecord) error {
	versions := r.AvailableVersions
	if versions == nil {
		versions = []time.Time{}
	}
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO backup_runs (
			id, server_id, job_name, job_id, run_id, ts, status, duration_seconds,
			files, sizes, backend, messages_count, warnings_count, errors_count,
			messages, warnings, errors, available_versions, schema_variant, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (server_id, job_name, ts) DO NOTHING
	`, r.ID, r.ServerID, r.JobName, r.JobID, r.RunID, models.NormalizeTimestamp(r.Timestamp), string(r.Status), r.DurationSeconds,
		r.Files, r.Sizes, r.Backend, r.MessagesCount, r.WarningsCount, r.ErrorsCount,
		nullJSON(r.Messages), nullJSON(r.Warnings), nullJSON(r.Errors), versions, r.SchemaVariant, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert backup run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrDuplicateRecord
	}
	return nil
}

// ListRecords returns the most recent runs of a server, newest first. An
// empty jobName selects every job.
func (db *DB) ListRecords(ctx context.Context, serverID, jobName string, limit int) ([]*models.BackupRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, server_id, job_name, job_id, run_id, ts, status, duration_seconds,
			files, sizes, backend, messages_count, warnings_count, errors_count,
			messages, warnings, errors, available_versions, schema_variant, created_at
		FROM backup_runs
		WHERE server_id = $1 AND ($2 = '' OR job_name = $2)
		ORDER BY ts DESC
		LIMIT $3
	`, serverID, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}
	defer rows.Close()

	var records []*models.BackupRunRecord
	for rows.Next() {
		var (
			r      models.BackupRunRecord
			status string
		)
		err := rows.Scan(&r.ID, &r.ServerID, &r.JobName, &r.JobID, &r.RunID, &r.Timestamp, &status, &r.DurationSeconds,
			&r.Files, &r.Sizes, &r.Backend, &r.MessagesCount, &r.WarningsCount, &r.ErrorsCount,
			&r.Messages, &r.Warnings, &r.Errors, &r.AvailableVersions, &r.SchemaVariant, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		r.Status = models.RunStatus(status)
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}
	return records, nil
}

// LatestRunTimestamps returns the timestamp of the newest stored run of every
// job, keyed by models.JobKey.String().
func (db *DB) LatestRunTimestamps(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT server_id, job_name, MAX(ts)
		FROM backup_runs
		GROUP BY server_id, job_name
	`)
	if err != nil {
		return nil, fmt.Errorf("latest backup runs: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var (
			key models.JobKey
			ts  time.Time
		)
		if err := rows.Scan(&key.ServerID, &key.JobName, &ts); err != nil {
			return nil, fmt.Errorf("scan latest backup run: %w", err)
		}
		latest[key.String()] = ts.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest backup runs: %w", err)
	}
	return latest, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// DeleteRecordsBefore deletes runs older than before and returns how many
// were removed.
func (db *DB) DeleteRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM backup_runs WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete backup runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
