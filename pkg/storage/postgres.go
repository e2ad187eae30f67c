package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	_ "github.com/lib/pq"

	"github.com/homeshift/homeshift/pkg/types"
)

// PostgresProvider implements the Database interface on PostgreSQL. The
// schema is bootstrapped on Init so a fresh database works without manual
// setup.
type PostgresProvider struct {
	db  *sql.DB
	dsn string
}

// configuredPostgres sets up the PostgreSQL provider.
func configuredPostgres() *PostgresProvider {
	dsn := lflag.String("postgres-dsn", "", "PostgreSQL connection string")

	p := &PostgresProvider{}

	lflag.Do(func() {
		p.dsn = *dsn
	})

	return p
}

// Validate checks if the provider is properly configured.
func (p *PostgresProvider) Validate() error {
	if p.dsn == "" {
		return fmt.Errorf("postgres-dsn is required")
	}
	return nil
}

// Init opens the connection pool and creates the schema if needed.
func (p *PostgresProvider) Init(ctx context.Context) error {
	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		db.Close()
		return err
	}
	p.db = db
	return nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS service_state (
			service TEXT NOT NULL,
			key TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (service, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetSettings retrieves the home settings. A missing row returns zero
// settings with version 0.
func (p *PostgresProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var jsonStr string
	var version int
	err := p.db.QueryRowContext(ctx,
		`SELECT json, version FROM settings WHERE id = 1`).Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the home settings.
func (p *PostgresProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settings (id, json, version) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			json = EXCLUDED.json,
			version = EXCLUDED.version`,
		string(jsonBytes), version)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetServiceState retrieves the blob stored under service/key.
func (p *PostgresProvider) GetServiceState(ctx context.Context, service, key string) (json.RawMessage, error) {
	var jsonStr string
	err := p.db.QueryRowContext(ctx,
		`SELECT json FROM service_state WHERE service = $1 AND key = $2`,
		service, key).Scan(&jsonStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state %s/%s: %w", service, key, err)
	}
	return json.RawMessage(jsonStr), nil
}

// SetServiceState saves the blob under service/key.
func (p *PostgresProvider) SetServiceState(ctx context.Context, service, key string, state json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_state (service, key, json) VALUES ($1, $2, $3)
		ON CONFLICT (service, key) DO UPDATE SET
			json = EXCLUDED.json,
			updated_at = now()`,
		service, key, string(state))
	if err != nil {
		return fmt.Errorf("failed to save state %s/%s: %w", service, key, err)
	}
	return nil
}

// ListServiceStates retrieves every stored blob ordered by service then key.
func (p *PostgresProvider) ListServiceStates(ctx context.Context) ([]ServiceState, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT service, key, json FROM service_state ORDER BY service, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list service state: %w", err)
	}
	defer rows.Close()

	var states []ServiceState
	for rows.Next() {
		var s ServiceState
		var jsonStr string
		if err := rows.Scan(&s.Service, &s.Key, &jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan service state: %w", err)
		}
		s.State = json.RawMessage(jsonStr)
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service state: %w", err)
	}
	return states, nil
}
