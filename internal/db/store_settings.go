package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/jackc/pgx/v5"
)

const jobSettingsKey = "job_settings"

// ReadAllJobSettings returns the whole job settings blob. A missing blob
// yields an empty map.
func (db *DB) ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error) {
	var raw []byte
	err := db.Pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, jobSettingsKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobSettingsMap{}, nil
		}
		return nil, fmt.Errorf("read job settings: %w", err)
	}

	settings := models.JobSettingsMap{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("decode job settings: %w", err)
	}
	return settings, nil
}

// WriteAllJobSettings replaces the whole job settings blob.
func (db *DB) WriteAllJobSettings(ctx context.Context, settings models.JobSettingsMap) error {
	if settings == nil {
		settings = models.JobSettingsMap{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode job settings: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, jobSettingsKey, string(raw))
	if err != nil {
		return fmt.Errorf("write job settings: %w", err)
	}
	return nil
}

// ModifyJobSettings applies fn to the job settings blob inside a transaction
// that holds the blob's row lock, so concurrent writers of other keys cannot
// overwrite each other. An error from fn rolls the transaction back.
func (db *DB) ModifyJobSettings(ctx context.Context, fn func(models.JobSettingsMap) error) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO app_settings (key, value, updated_at)
			VALUES ($1, '{}', NOW())
			ON CONFLICT (key) DO NOTHING
		`, jobSettingsKey)
		if err != nil {
			return fmt.Errorf("ensure job settings row: %w", err)
		}

		var raw []byte
		err = tx.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1 FOR UPDATE`, jobSettingsKey).Scan(&raw)
		if err != nil {
			return fmt.Errorf("lock job settings: %w", err)
		}
		settings := models.JobSettingsMap{}
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("decode job settings: %w", err)
		}

		if err := fn(settings); err != nil {
			return err
		}

		raw, err = json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("encode job settings: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE app_settings SET value = $2, updated_at = NOW() WHERE key = $1`, jobSettingsKey, string(raw))
		if err != nil {
			return fmt.Errorf("write job settings: %w", err)
		}
		return nil
	})
}
