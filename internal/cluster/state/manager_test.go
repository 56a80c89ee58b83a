package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"), nil)
	st, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	want := &ClusterState{
		NodeID:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CurrentEpoch: 9,
		MyEpoch:      4,
		Slots: []PersistedSlot{
			{Slot: 0, Owner: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Epoch: 4},
			{Slot: 16383, Owner: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Epoch: 9},
		},
		Nodes: []PersistedNode{
			{ID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", IP: "10.0.0.2", Port: 6379, ClusterPort: 16379, Role: "master", ConfigEpoch: 9},
		},
	}
	m := NewManager(path, func() *ClusterState { return want })
	require.NoError(t, m.Flush())

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	m := NewManager(path, nil)
	_, err := m.Load()
	assert.Error(t, err)
}

func TestMarkDirtyDebounces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	calls := 0
	m := NewManager(path, func() *ClusterState {
		calls++
		return &ClusterState{NodeID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	})
	m.debounce = 20 * time.Millisecond

	m.MarkDirty()
	m.MarkDirty()
	m.MarkDirty()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	m := NewManager(path, func() *ClusterState {
		return &ClusterState{NodeID: "cccccccccccccccccccccccccccccccccccccccc"}
	})
	m.debounce = 10 * time.Millisecond
	require.NoError(t, m.Close())

	got, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cccccccccccccccccccccccccccccccccccccccc", got.NodeID)

	// Further dirty marks after close must not schedule writes.
	m.MarkDirty()
	time.Sleep(5 * m.debounce)
}
