package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/homeshift/homeshift/pkg/types"
)

// Memory is an in-process Database for tests and single-binary setups that
// don't need durable storage.
type Memory struct {
	mtx      sync.RWMutex
	settings types.Settings
	version  int
	state    map[string]ServiceState
}

// NewMemory returns an empty in-memory Database.
func NewMemory() *Memory {
	return &Memory{state: make(map[string]ServiceState)}
}

// GetSettings returns the stored settings, or zero settings with version 0
// when none were stored yet.
func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.settings, m.version, nil
}

// SetSettings stores the settings with the given version.
func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.settings = settings
	m.version = version
	return nil
}

func stateKey(service, key string) string {
	return service + "/" + key
}

// GetServiceState returns the blob stored under service/key.
func (m *Memory) GetServiceState(ctx context.Context, service, key string) (json.RawMessage, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, ok := m.state[stateKey(service, key)]
	if !ok {
		return nil, ErrStateNotFound
	}
	return append(json.RawMessage(nil), s.State...), nil
}

// SetServiceState stores the blob under service/key.
func (m *Memory) SetServiceState(ctx context.Context, service, key string, state json.RawMessage) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.state[stateKey(service, key)] = ServiceState{
		Service: service,
		Key:     key,
		State:   append(json.RawMessage(nil), state...),
	}
	return nil
}

// ListServiceStates returns every stored blob ordered by service then key.
func (m *Memory) ListServiceStates(ctx context.Context) ([]ServiceState, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	states := make([]ServiceState, 0, len(m.state))
	for _, s := range m.state {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Service != states[j].Service {
			return states[i].Service < states[j].Service
		}
		return states[i].Key < states[j].Key
	})
	return states, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
