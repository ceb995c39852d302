package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexus-voice-lab/internal/logging"
)

// FileStore persists the mapping as one JSON document named after
// StorageKey inside dir. Every mutation rewrites the file atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, StorageKey+".json")}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// load treats a missing or corrupt file as empty memory.
func (f *FileStore) load() map[string]string {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warnw("memory: read failed", "path", f.path, "err", err)
		}
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		logging.Warnw("memory: corrupt store, starting empty", "path", f.path, "err", err)
		return map[string]string{}
	}
	return out
}

func (f *FileStore) save(m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(f.path, b, 0o600); err != nil {
		return fmt.Errorf("memory: write %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) GetAll(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(), nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.load()[k]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.load()
	m[k] = value
	return f.save(m)
}

func (f *FileStore) Delete(_ context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.load()
	if _, ok := m[k]; !ok {
		return false, nil
	}
	delete(m, k)
	return true, f.save(m)
}

func (f *FileStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SaveFileAtomic writes data to a temp file in the same directory, fsyncs it
// and renames it over path.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
