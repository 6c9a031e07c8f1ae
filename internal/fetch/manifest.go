package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoManifest is returned when no manifest file exists yet.
var ErrNoManifest = errors.New("no manifest found")

// quarantineEntry records a file that failed with a non-retryable
// decode error. It is not retried until the cooldown elapses.
type quarantineEntry struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// manifestState is the persisted form of the manifest.
type manifestState struct {
	Processed   map[string]time.Time       `json:"processed"`
	Quarantined map[string]quarantineEntry `json:"quarantined"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Manifest tracks which source files have been fully published and
// which are quarantined. It is safe for concurrent use; Save persists
// atomically through a temp file.
type Manifest struct {
	mu    sync.Mutex
	path  string
	state manifestState
}

// NewManifest creates an empty manifest backed by path. The parent
// directory is created if needed.
func NewManifest(path string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}
	return &Manifest{
		path: path,
		state: manifestState{
			Processed:   make(map[string]time.Time),
			Quarantined: make(map[string]quarantineEntry),
		},
	}, nil
}

// LoadManifest reads the manifest at path, returning an empty manifest
// wrapped in ErrNoManifest when the file does not exist.
func LoadManifest(path string) (*Manifest, error) {
	m, err := NewManifest(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, ErrNoManifest
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.state.Processed == nil {
		m.state.Processed = make(map[string]time.Time)
	}
	if m.state.Quarantined == nil {
		m.state.Quarantined = make(map[string]quarantineEntry)
	}
	return m, nil
}

// Save writes the manifest to disk atomically.
func (m *Manifest) Save() error {
	m.mu.Lock()
	m.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest file: %w", err)
	}
	return nil
}

// IsProcessed reports whether key has already been fully published.
func (m *Manifest) IsProcessed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.Processed[key]
	return ok
}

// MarkProcessed records key as fully published at stamp.
func (m *Manifest) MarkProcessed(key string, stamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Processed[key] = stamp.UTC()
	delete(m.state.Quarantined, key)
}

// Forget drops key from the processed set, forcing regeneration on the
// next cycle.
func (m *Manifest) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.Processed, key)
}

// Quarantine marks key as structurally bad. It will be skipped until
// the configured cooldown elapses.
func (m *Manifest) Quarantine(key, reason string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Quarantined[key] = quarantineEntry{Reason: reason, Since: now.UTC()}
}

// InCooldown reports whether key is quarantined and its cooldown has
// not yet elapsed. An expired quarantine is cleared so the file gets
// one fresh attempt.
func (m *Manifest) InCooldown(key string, now time.Time, cooldown time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.state.Quarantined[key]
	if !ok {
		return false
	}
	if now.Sub(q.Since) >= cooldown {
		delete(m.state.Quarantined, key)
		return false
	}
	return true
}

// ProcessedCount returns the number of tracked processed entries.
func (m *Manifest) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Processed)
}

// ProcessedKeys returns all processed keys, sorted.
func (m *Manifest) ProcessedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.state.Processed))
	for k := range m.state.Processed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prune drops the oldest processed entries under prefix until at most
// maxTracked remain, ordering by the recorded publish stamp. It returns
// the removed keys so the caller can delete the matching artifacts.
func (m *Manifest) Prune(prefix string, maxTracked int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		key   string
		stamp time.Time
	}
	var entries []entry
	for k, t := range m.state.Processed {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, entry{k, t})
		}
	}
	if len(entries) <= maxTracked {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].stamp.Equal(entries[j].stamp) {
			return entries[i].stamp.Before(entries[j].stamp)
		}
		return entries[i].key < entries[j].key
	})

	drop := entries[:len(entries)-maxTracked]
	removed := make([]string, 0, len(drop))
	for _, e := range drop {
		delete(m.state.Processed, e.key)
		removed = append(removed, e.key)
	}
	return removed
}
