package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/types"
)

// ErrStateNotFound is returned when no state blob exists for a service/key
// pair.
var ErrStateNotFound = errors.New("state not found")

// ServiceState is one persisted blob with its owning service and key.
type ServiceState struct {
	Service string          `json:"service"`
	Key     string          `json:"key"`
	State   json.RawMessage `json:"state"`
}

// Database defines the interface for persisting settings and per-service
// state blobs.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Service state
	GetServiceState(ctx context.Context, service, key string) (json.RawMessage, error)
	SetServiceState(ctx context.Context, service, key string, state json.RawMessage) error
	ListServiceStates(ctx context.Context) ([]ServiceState, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory",
		"Storage provider to use (available: memory, firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
			p.Database = pg
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// LoadSettings fetches the settings and migrates them to the current
// version. An upgraded copy is written back so the migration runs once; a
// failed write-back is logged and the upgraded settings are still returned.
func LoadSettings(ctx context.Context, db Database) (types.Settings, error) {
	s, version, err := db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	migrated, changed, err := types.MigrateSettings(s, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if changed {
		if err := db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings",
				slog.Any("error", err))
		}
	}
	return migrated, nil
}

// SaveState marshals state and stores it under service/key.
func SaveState(ctx context.Context, db Database, service, key string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s state: %w", service, key, err)
	}
	return db.SetServiceState(ctx, service, key, raw)
}

// LoadState unmarshals the blob stored under service/key into out. Returns
// ErrStateNotFound when nothing was stored.
func LoadState(ctx context.Context, db Database, service, key string, out any) error {
	raw, err := db.GetServiceState(ctx, service, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s state: %w", service, key, err)
	}
	return nil
}
