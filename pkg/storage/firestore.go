package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Settings live in the "config/settings" document and per-service
// state blobs in the "service_state" collection, both stored as JSON strings
// for portability.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// GetSettings retrieves the home settings from the "config/settings"
// document. A missing document returns zero settings with version 0.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json")
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "settings doc json not string")
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the home settings to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// stateDocID builds the document ID for a service/key pair. The service and
// key are also stored as fields; the ID only needs to be unique and free of
// path separators.
func stateDocID(service, key string) string {
	return service + "." + key
}

// GetServiceState retrieves the blob stored under service/key.
func (f *FirestoreProvider) GetServiceState(ctx context.Context, service, key string) (json.RawMessage, error) {
	doc, err := f.client.Collection("service_state").Doc(stateDocID(service, key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to fetch state %s/%s: %w", service, key, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "state doc missing json", slog.String("docID", doc.Ref.ID))
		return nil, fmt.Errorf("state document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "state doc json not string", slog.String("docID", doc.Ref.ID))
		return nil, fmt.Errorf("state document %s 'json' field is not string", doc.Ref.ID)
	}
	return json.RawMessage(jsonStr), nil
}

// SetServiceState saves the blob under service/key in the "service_state"
// collection.
func (f *FirestoreProvider) SetServiceState(ctx context.Context, service, key string, state json.RawMessage) error {
	_, err := f.client.Collection("service_state").Doc(stateDocID(service, key)).Set(ctx, map[string]interface{}{
		"json":    string(state),
		"service": service,
		"key":     key,
	})
	if err != nil {
		return fmt.Errorf("failed to save state %s/%s: %w", service, key, err)
	}
	return nil
}

// ListServiceStates retrieves every stored blob, ordered by document ID
// (service then key).
func (f *FirestoreProvider) ListServiceStates(ctx context.Context) ([]ServiceState, error) {
	iter := f.client.Collection("service_state").
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var states []ServiceState
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating service state: %w", err)
		}

		var s ServiceState
		if v, err := doc.DataAt("service"); err == nil {
			s.Service, _ = v.(string)
		}
		if v, err := doc.DataAt("key"); err == nil {
			s.Key, _ = v.(string)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "state doc missing json", slog.String("docID", doc.Ref.ID))
			// Skip malformed documents
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "state doc json not string", slog.String("docID", doc.Ref.ID))
			continue
		}
		s.State = json.RawMessage(jsonStr)
		states = append(states, s)
	}
	return states, nil
}
