package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/jackc/pgx/v5"
)

const serverColumns = `id, name, alias, note, base_url, protocol, password_encrypted, created_at, updated_at`

// UpsertServer inserts a discovered server or refreshes the discovery fields
// of an existing one. Alias, note and notification policy are left untouched.
func (db *DB) UpsertServer(ctx context.Context, s *models.DiscoveredServer) error {
	s.UpdatedAt = time.Now()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO servers (id, name, base_url, protocol, password_encrypted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			protocol = EXCLUDED.protocol,
			password_encrypted = EXCLUDED.password_encrypted,
			updated_at = EXCLUDED.updated_at
	`, s.ID, s.Name, s.BaseURL, string(s.Protocol), s.PasswordEncrypted, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert server: %w", err)
	}
	return nil
}

// GetServer returns a server by ID, or models.ErrServerNotFound.
func (db *DB) GetServer(ctx context.Context, id string) (*models.DiscoveredServer, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	s, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrServerNotFound
		}
		return nil, fmt.Errorf("get server: %w", err)
	}
	return s, nil
}

// ListServers returns every known server ordered by name.
func (db *DB) ListServers(ctx context.Context) ([]*models.DiscoveredServer, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.DiscoveredServer
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// UpdateServerRegistry sets the operator-owned alias and note of a server.
func (db *DB) UpdateServerRegistry(ctx context.Context, id, alias, note string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE servers SET alias = $2, note = $3, updated_at = NOW()
		WHERE id = $1
	`, id, alias, note)
	if err != nil {
		return fmt.Errorf("update server registry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// GetServerPolicy returns the default notification policy of a server. A
// server without a policy, or an unknown server, yields nil.
func (db *DB) GetServerPolicy(ctx context.Context, serverID string) (*models.ServerDefaultPolicy, error) {
	var (
		filter *string
		p      models.ServerDefaultPolicy
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT notify_event_filter, notify_emails, notify_topic
		FROM servers
		WHERE id = $1
	`, serverID).Scan(&filter, &p.AdditionalEmails, &p.AdditionalTopic)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get server policy: %w", err)
	}
	if filter == nil && len(p.AdditionalEmails) == 0 && p.AdditionalTopic == "" {
		return nil, nil
	}
	if filter != nil {
		p.EventFilter = models.EventFilter(*filter)
	}
	return &p, nil
}

// SetServerPolicy stores the default notification policy of a server.
func (db *DB) SetServerPolicy(ctx context.Context, serverID string, p models.ServerDefaultPolicy) error {
	var filter *string
	if p.EventFilter != "" {
		if !p.EventFilter.IsValid() {
			return fmt.Errorf("invalid event filter %q", p.EventFilter)
		}
		f := string(p.EventFilter)
		filter = &f
	}
	emails := p.AdditionalEmails
	if emails == nil {
		emails = []string{}
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE servers
		SET notify_event_filter = $2, notify_emails = $3, notify_topic = $4, updated_at = NOW()
		WHERE id = $1
	`, serverID, filter, emails, p.AdditionalTopic)
	if err != nil {
		return fmt.Errorf("set server policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

func scanServer(row pgx.Row) (*models.DiscoveredServer, error) {
	var (
		s        models.DiscoveredServer
		protocol string
	)
	err := row.Scan(&s.ID, &s.Name, &s.Alias, &s.Note, &s.BaseURL, &protocol, &s.PasswordEncrypted, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Protocol = models.ServerProtocol(protocol)
	return &s, nil
}
