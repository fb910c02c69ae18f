package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]DeviceState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]DeviceState)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, deviceID string) (DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[deviceID]
	if !ok {
		return DeviceState{}, ErrNotFound
	}
	return clone(s), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, deviceID string, fn func(*DeviceState) error) (DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[deviceID]
	if ok {
		s = clone(s)
	} else {
		s = DeviceState{DeviceID: deviceID}
	}
	if err := fn(&s); err != nil {
		return DeviceState{}, err
	}
	s.DeviceID = deviceID
	m.records[deviceID] = clone(s)
	return s, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.records, deviceID)
	m.mu.Unlock()
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]DeviceState, error) {
	m.mu.Lock()
	out := make([]DeviceState, 0, len(m.records))
	for _, s := range m.records {
		out = append(out, clone(s))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// clone copies the slices so callers never share backing arrays with the map.
func clone(s DeviceState) DeviceState {
	s.Config.RouteCodes = append([]string(nil), s.Config.RouteCodes...)
	s.Config.Speakers = append([]string(nil), s.Config.Speakers...)
	return s
}
