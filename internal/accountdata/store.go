// Package accountdata provides per-room key/value storage with the
// semantics of chat room account data: a value is addressed by a
// namespaced key and a room, and writes replace the whole value.
package accountdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store is the account data contract the reminder store builds on.
type Store interface {
	// Get decodes the value stored under key in roomID into out. found is
	// false when nothing has been written yet.
	Get(ctx context.Context, key, roomID string, out any) (found bool, err error)
	// Set replaces the value stored under key in roomID.
	Set(ctx context.Context, key, roomID string, value any) error
}

// GetOrDefault decodes the stored value into out, or copies def into out
// when the key is absent.
func GetOrDefault(ctx context.Context, s Store, key, roomID string, out, def any) error {
	found, err := s.Get(ctx, key, roomID, out)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("accountdata: encode default: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Memory keeps values as JSON in process memory. Values are copied on the
// way in and out so callers cannot alias stored state.
type Memory struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key, roomID string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.values[roomID][key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("accountdata: decode %s in %s: %w", key, roomID, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key, roomID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("accountdata: encode %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.values[roomID]
	if !ok {
		room = make(map[string][]byte)
		m.values[roomID] = room
	}
	room[key] = raw
	return nil
}

// Rooms lists rooms that have at least one value.
func (m *Memory) Rooms(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.values))
	for room := range m.values {
		out = append(out, room)
	}
	return out, nil
}
