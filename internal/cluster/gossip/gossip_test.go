package gossip

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genuineh/AiKv/internal/cluster/detector"
)

// fakeTopo is an epoch-gated slot table just big enough for engine tests.
type fakeTopo struct {
	mu      sync.Mutex
	owners  map[uint16]string
	epochs  map[uint16]uint64
	current uint64
}

func newFakeTopo() *fakeTopo {
	return &fakeTopo{owners: make(map[uint16]string), epochs: make(map[uint16]uint64)}
}

func (t *fakeTopo) NodeSlots(nodeID string) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint16
	for s := uint16(0); s < 16384; s++ {
		if t.owners[s] == nodeID {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTopo) Assign(slot uint16, nodeID string, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch < t.epochs[slot] {
		return false
	}
	if t.owners[slot] == nodeID && t.epochs[slot] == epoch {
		return false
	}
	t.owners[slot] = nodeID
	t.epochs[slot] = epoch
	if epoch > t.current {
		t.current = epoch
	}
	return true
}

func (t *fakeTopo) ObserveEpoch(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch > t.current {
		t.current = epoch
	}
}

func (t *fakeTopo) CurrentEpoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *fakeTopo) owner(slot uint16) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owners[slot]
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testEngine(t *testing.T, id string, topo Topology) *Engine {
	t.Helper()
	self := &Peer{
		ID:          id,
		IP:          "127.0.0.1",
		Port:        freePort(t),
		ClusterPort: freePort(t),
		Role:        NodeFlagMaster,
	}
	return NewEngine(self, topo, detector.New(detector.DefaultConfig()))
}

const (
	idA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	idC = "cccccccccccccccccccccccccccccccccccccccc"
)

func TestMeetExchangesSlotViews(t *testing.T) {
	topoA := newFakeTopo()
	for s := uint16(0); s <= 10; s++ {
		topoA.Assign(s, idA, 1)
	}
	engA := testEngine(t, idA, topoA)
	engA.SetSelfEpoch(1)
	require.NoError(t, engA.Start())
	defer engA.Stop()

	topoB := newFakeTopo()
	engB := testEngine(t, idB, topoB)
	require.NoError(t, engB.Start())
	defer engB.Stop()

	require.NoError(t, engB.Meet(engA.self.ClusterAddr()))

	// B absorbed A's PONG synchronously.
	for s := uint16(0); s <= 10; s++ {
		assert.Equal(t, idA, topoB.owner(s), "slot %d", s)
	}
	peerA := engB.Peer(idA)
	require.NotNil(t, peerA)
	assert.Equal(t, detector.LivenessReachable, peerA.State)

	// A learned about B from the MEET frame.
	require.Eventually(t, func() bool {
		return engA.Peer(idB) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessNodeInfoIgnoresStaleEpoch(t *testing.T) {
	topo := newFakeTopo()
	topo.Assign(100, idA, 5)
	eng := testEngine(t, idC, topo)

	eng.processNodeInfo(&NodeInfo{
		ID:          idB,
		IP:          "127.0.0.1",
		Port:        7000,
		ClusterPort: 17000,
		Flags:       NodeFlagMaster,
		ConfigEpoch: 3,
		Slots:       SlotsToBytes([]uint16{100}),
	}, idB)

	assert.Equal(t, idA, topo.owner(100))

	eng.processNodeInfo(&NodeInfo{
		ID:          idB,
		Flags:       NodeFlagMaster,
		ConfigEpoch: 6,
		Slots:       SlotsToBytes([]uint16{100}),
	}, idB)

	assert.Equal(t, idB, topo.owner(100))
}

func TestProcessNodeInfoSkipsSelf(t *testing.T) {
	topo := newFakeTopo()
	eng := testEngine(t, idA, topo)

	eng.processNodeInfo(&NodeInfo{ID: idA, Flags: NodeFlagMaster, ConfigEpoch: 9,
		Slots: SlotsToBytes([]uint16{1})}, idB)

	assert.Empty(t, topo.owner(1))
	assert.Nil(t, engPeerOther(eng))
}

func engPeerOther(e *Engine) *Peer {
	for _, p := range e.Peers() {
		if p.ID != e.self.ID {
			return p
		}
	}
	return nil
}

func TestHandleFailMarksPeer(t *testing.T) {
	topo := newFakeTopo()
	eng := testEngine(t, idA, topo)
	eng.processNodeInfo(&NodeInfo{ID: idB, IP: "127.0.0.1", Port: 7001, ClusterPort: 17001,
		Flags: NodeFlagMaster}, idB)

	var failed string
	var mu sync.Mutex
	eng.SetEventHandlers(nil, func(id string) {
		mu.Lock()
		failed = id
		mu.Unlock()
	}, nil)

	eng.handleFail(&Message{Type: MsgFail, Sender: idC, FailNodeID: idB})

	peer := eng.Peer(idB)
	require.NotNil(t, peer)
	assert.Equal(t, detector.LivenessUnreachable, peer.State)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed == idB
	}, time.Second, 10*time.Millisecond)
}

func TestForgetRemovesPeer(t *testing.T) {
	topo := newFakeTopo()
	eng := testEngine(t, idA, topo)
	eng.processNodeInfo(&NodeInfo{ID: idB, Flags: NodeFlagMaster}, idB)
	require.NotNil(t, eng.Peer(idB))

	eng.Forget(idB)
	assert.Nil(t, eng.Peer(idB))
}

func TestSampleCarriesSuspicionFlags(t *testing.T) {
	topo := newFakeTopo()
	eng := testEngine(t, idA, topo)
	eng.processNodeInfo(&NodeInfo{ID: idB, Flags: NodeFlagMaster}, idB)

	for i := 0; i < detector.DefaultConfig().SuspectAfterMisses; i++ {
		eng.det.RecordMiss(idB)
	}

	infos := eng.sample()
	require.Len(t, infos, 1)
	assert.Equal(t, idB, infos[0].ID)
	assert.NotZero(t, infos[0].Flags&NodeFlagPFail)
}
