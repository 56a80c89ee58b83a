package migrate

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/gossip"
	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/engine"
)

const targetID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

// fakeTarget answers +OK to every command and records what it saw.
type fakeTarget struct {
	ln net.Listener

	mu       sync.Mutex
	commands [][]string
}

func newFakeTarget(t *testing.T) *fakeTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ft := &fakeTarget{ln: ln}
	go ft.serve()
	t.Cleanup(func() { ln.Close() })
	return ft
}

func (f *fakeTarget) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeTarget) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeTarget) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeTarget) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, args)
		f.mu.Unlock()
		conn.Write([]byte("+OK\r\n"))
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, io.ErrUnexpectedEOF
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(sizeLine, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (f *fakeTarget) received(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, cmd := range f.commands {
		if strings.EqualFold(cmd[0], name) {
			out = append(out, cmd)
		}
	}
	return out
}

func newTestCluster(t *testing.T, target *fakeTarget) *cluster.Cluster {
	t.Helper()
	c, err := cluster.New(cluster.Config{
		IP:        "127.0.0.1",
		Port:      6399,
		StatePath: filepath.Join(t.TempDir(), "state.json"),
	})
	require.NoError(t, err)
	c.Gossip().Register(&gossip.NodeInfo{
		ID:          targetID,
		IP:          "127.0.0.1",
		Port:        target.port(),
		ClusterPort: target.port() + 10000,
		Flags:       gossip.NodeFlagMaster,
	})
	return c
}

func TestMigrateSlotFullHandoff(t *testing.T) {
	target := newFakeTarget(t)
	c := newTestCluster(t, target)
	store := engine.NewMemory()
	defer store.Close()

	slot := hash.KeySlot("{tag}:a")
	require.NoError(t, c.AddSlots([]uint16{slot}))
	require.NoError(t, store.Set("{tag}:a", []byte("1"), 0))
	require.NoError(t, store.Set("{tag}:b", []byte("2"), time.Hour))

	w := New(c, store)
	moved, err := w.MigrateSlot(context.Background(), slot, targetID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	// Local keys are gone and the slot belongs to the target.
	assert.Zero(t, store.CountSlot(slot))
	assert.Equal(t, targetID, c.Topology().OwnerOf(slot))
	assert.Equal(t, cluster.SlotStateStable, c.Topology().SlotInfoOf(slot).State)

	// Both SETSLOT phases reached the target.
	setslots := target.received("CLUSTER")
	require.Len(t, setslots, 2)
	assert.Equal(t, "IMPORTING", setslots[0][3])
	assert.Equal(t, "NODE", setslots[1][3])

	// Every key travelled as ASKING + RESTORE with REPLACE.
	restores := target.received("RESTORE")
	require.Len(t, restores, 2)
	assert.Equal(t, "REPLACE", restores[0][4])
	assert.Len(t, target.received("ASKING"), 2)
}

func TestMigrateSlotPreservesTTLMillis(t *testing.T) {
	target := newFakeTarget(t)
	c := newTestCluster(t, target)
	store := engine.NewMemory()
	defer store.Close()

	slot := hash.KeySlot("{x}:k")
	require.NoError(t, c.AddSlots([]uint16{slot}))
	require.NoError(t, store.Set("{x}:k", []byte("v"), time.Hour))

	w := New(c, store)
	_, err := w.MigrateSlot(context.Background(), slot, targetID)
	require.NoError(t, err)

	restores := target.received("RESTORE")
	require.Len(t, restores, 1)
	ttl, err := strconv.ParseInt(restores[0][2], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(59*60*1000))
}

func TestMigrateSlotUnknownTarget(t *testing.T) {
	target := newFakeTarget(t)
	c := newTestCluster(t, target)
	store := engine.NewMemory()
	defer store.Close()

	w := New(c, store)
	_, err := w.MigrateSlot(context.Background(), 1, "ffffffffffffffffffffffffffffffffffffffff")
	assert.Error(t, err)
}

func TestMigrateKeysCopyKeepsLocal(t *testing.T) {
	target := newFakeTarget(t)
	c := newTestCluster(t, target)
	store := engine.NewMemory()
	defer store.Close()

	require.NoError(t, store.Set("k1", []byte("1"), 0))
	require.NoError(t, store.Set("k2", []byte("2"), 0))

	w := New(c, store)
	moved, err := w.MigrateKeys(context.Background(), target.addr(),
		[]string{"k1", "k2", "missing"}, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	// COPY: source keeps its keys, no ASKING involved.
	assert.True(t, store.Exists("k1"))
	assert.True(t, store.Exists("k2"))
	assert.Empty(t, target.received("ASKING"))
	assert.Len(t, target.received("RESTORE"), 2)
}

func TestMigrateKeysDeletesByDefault(t *testing.T) {
	target := newFakeTarget(t)
	c := newTestCluster(t, target)
	store := engine.NewMemory()
	defer store.Close()

	require.NoError(t, store.Set("k1", []byte("1"), 0))

	w := New(c, store)
	moved, err := w.MigrateKeys(context.Background(), target.addr(), []string{"k1"}, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.False(t, store.Exists("k1"))
}
