package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// RunLock persists, per result name, the buildid Store.Contains last
// confirmed present on a remote server — so a later Contains call for
// the same (result, buildid) pair can skip that remote Exists
// round-trip entirely when nothing has changed. Modeled on the
// teacher's vorbere.lock: a small flat YAML document, read once,
// rewritten atomically on every update.
type RunLock struct {
	path string

	mu   sync.Mutex
	data map[string]string // result name -> confirmed buildid
}

// LoadRunLock reads path if present; a missing file is not an error,
// it just starts an empty lock.
func LoadRunLock(path string) (*RunLock, error) {
	rl := &RunLock{path: path, data: map[string]string{}}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rl, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading run-lock: %w", err)
	}
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, &rl.data); err != nil {
			return nil, fmt.Errorf("store: parsing run-lock: %w", err)
		}
	}
	return rl, nil
}

// Confirmed reports whether result's last recorded buildid in the lock
// is exactly buildID — the one case where Contains can trust a prior
// remote check instead of repeating it.
func (rl *RunLock) Confirmed(result, buildID string) bool {
	if rl == nil || buildID == "" {
		return false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.data[result] == buildID
}

// Record updates result's confirmed buildid and persists the lock file.
// A write failure is returned to the caller but never invalidates the
// in-memory record: later calls in this run still trust it, and only a
// later run that loads the unwritten file repeats the remote check.
func (rl *RunLock) Record(result, buildID string) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.data[result] = buildID
	return rl.save()
}

func (rl *RunLock) save() error {
	names := make([]string, 0, len(rl.data))
	for name := range rl.data {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make(map[string]string, len(names))
	for _, name := range names {
		ordered[name] = rl.data[name]
	}

	content, err := yaml.Marshal(ordered)
	if err != nil {
		return fmt.Errorf("store: marshaling run-lock: %w", err)
	}
	dir := filepath.Dir(rl.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".run-lock-*")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := os.Rename(tmpPath, rl.path); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
