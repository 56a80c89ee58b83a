// Package state persists cluster membership and slot routing to a JSON file
// so a restarted node keeps its identity and view. Writes are debounced and
// go through a temp file plus rename, so the file on disk is always a
// complete document.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce batches bursts of topology churn into one write.
const DefaultDebounce = 500 * time.Millisecond

// Manager owns the state file. The snapshot function is called at write
// time, outside any Manager lock, so callers may take their own locks in it.
type Manager struct {
	path     string
	snapshot func() *ClusterState
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewManager creates a manager for the file at path. snapshot produces the
// document to persist.
func NewManager(path string, snapshot func() *ClusterState) *Manager {
	return &Manager{
		path:     path,
		snapshot: snapshot,
		debounce: DefaultDebounce,
	}
}

// Load reads the state file. A missing file is not an error: it returns
// (nil, nil) and the caller starts fresh.
func (m *Manager) Load() (*ClusterState, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read cluster state %s", m.path)
	}

	var st ClusterState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrapf(err, "parse cluster state %s", m.path)
	}
	log.WithFields(log.Fields{
		"path":  m.path,
		"slots": len(st.Slots),
		"nodes": len(st.Nodes),
	}).Info("loaded cluster state")
	return &st, nil
}

// MarkDirty schedules a write after the debounce window. Repeated calls
// within the window collapse into a single write.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Reset(m.debounce)
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if err := m.Flush(); err != nil {
			log.WithError(err).Error("persist cluster state")
		}
	})
}

// Flush writes the current snapshot immediately.
func (m *Manager) Flush() error {
	st := m.snapshot()
	if st == nil {
		return nil
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode cluster state")
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create state dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".cluster-state-*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temp state file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp state file")
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename state file to %s", m.path)
	}
	return nil
}

// Close flushes once more and stops the debounce timer.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	return m.Flush()
}
