package storagemock

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetServiceState(ctx context.Context, service, key string) (json.RawMessage, error) {
	args := m.Called(ctx, service, key)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(json.RawMessage), args.Error(1)
}

func (m *MockDatabase) SetServiceState(ctx context.Context, service, key string, state json.RawMessage) error {
	args := m.Called(ctx, service, key, state)
	return args.Error(0)
}

func (m *MockDatabase) ListServiceStates(ctx context.Context) ([]storage.ServiceState, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]storage.ServiceState), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
