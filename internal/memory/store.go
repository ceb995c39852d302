// Package memory holds the assistant's long-term key/value memory. The full
// snapshot is serialized into every chat request, so stores are expected to
// stay small.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// StorageKey names the single record (file, hash) that holds the mapping.
const StorageKey = "nexus_core_memory"

var ErrInvalidKey = errors.New("memory key must not be empty")

// Store is a flat key to string mapping that outlives the process.
type Store interface {
	GetAll(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// Snapshot renders the store as compact JSON with sorted keys. An unreadable
// store renders as an empty object.
func Snapshot(ctx context.Context, s Store) string {
	if s == nil {
		return "{}"
	}
	all, err := s.GetAll(ctx)
	if err != nil || len(all) == 0 {
		return "{}"
	}
	b, err := json.Marshal(all) // encoding/json sorts map keys
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Keys returns the sorted keys of m.
func Keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", ErrInvalidKey
	}
	return k, nil
}

// MapStore keeps memory for the lifetime of the process only.
type MapStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMapStore() *MapStore { return &MapStore{data: make(map[string]string)} }

func (m *MapStore) GetAll(context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func (m *MapStore) Get(_ context.Context, key string) (string, bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[k]
	return v, ok, nil
}

func (m *MapStore) Set(_ context.Context, key, value string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = value
	return nil
}

func (m *MapStore) Delete(_ context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[k]
	delete(m.data, k)
	return ok, nil
}

func (m *MapStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
	return nil
}
