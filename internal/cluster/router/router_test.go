package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/detector"
	"github.com/Genuineh/AiKv/internal/cluster/hash"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

const (
	selfID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	peerID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeDir struct {
	addrs    map[string]string
	liveness map[string]detector.Liveness
}

func (d *fakeDir) NodeAddr(id string) (string, bool) {
	addr, ok := d.addrs[id]
	return addr, ok
}

func (d *fakeDir) NodeLiveness(id string) detector.Liveness {
	return d.liveness[id]
}

type fakeProbe map[string]bool

func (p fakeProbe) Exists(key string) bool { return p[key] }

func newFixture(t *testing.T) (*Router, *cluster.Topology, *fakeDir, fakeProbe) {
	t.Helper()
	topo := cluster.NewTopology(selfID)
	dir := &fakeDir{
		addrs: map[string]string{
			selfID: "127.0.0.1:6379",
			peerID: "127.0.0.1:6380",
		},
		liveness: map[string]detector.Liveness{},
	}
	probe := fakeProbe{}
	return New(topo, dir, probe), topo, dir, probe
}

func TestRouteLocalSlot(t *testing.T) {
	r, topo, _, _ := newFixture(t)
	topo.Assign(hash.KeySlot("foo"), selfID, 1)
	assert.NoError(t, r.Route("foo", false))
}

func TestRouteMovedToOwner(t *testing.T) {
	r, topo, _, _ := newFixture(t)
	slot := hash.KeySlot("foo")
	topo.Assign(slot, peerID, 1)

	err := r.Route("foo", false)
	var redir *RedirectError
	require.ErrorAs(t, err, &redir)
	assert.Equal(t, "MOVED", redir.Kind)
	assert.Equal(t, slot, redir.Slot)
	assert.Equal(t, "127.0.0.1:6380", redir.Addr)
	assert.Equal(t, "MOVED 12182 127.0.0.1:6380", err.Error())
}

func TestRouteUnassignedSlotIsClusterDown(t *testing.T) {
	r, _, _, _ := newFixture(t)
	assert.ErrorIs(t, r.Route("foo", false), pkgerrors.ErrClusterDown)
}

func TestRouteFailedOwnerIsClusterDown(t *testing.T) {
	r, topo, dir, _ := newFixture(t)
	topo.Assign(hash.KeySlot("foo"), peerID, 1)
	dir.liveness[peerID] = detector.LivenessUnreachable

	assert.ErrorIs(t, r.Route("foo", false), pkgerrors.ErrClusterDown)
}

func TestRouteSuspectOwnerStillRedirects(t *testing.T) {
	r, topo, dir, _ := newFixture(t)
	topo.Assign(hash.KeySlot("foo"), peerID, 1)
	dir.liveness[peerID] = detector.LivenessSuspect

	var redir *RedirectError
	require.ErrorAs(t, r.Route("foo", false), &redir)
	assert.Equal(t, "MOVED", redir.Kind)
}

func TestRouteUnresolvableOwnerIsClusterDown(t *testing.T) {
	r, topo, dir, _ := newFixture(t)
	topo.Assign(hash.KeySlot("foo"), peerID, 1)
	delete(dir.addrs, peerID)

	assert.ErrorIs(t, r.Route("foo", false), pkgerrors.ErrClusterDown)
}

func TestRouteMigratingSlotPresentKeyServedLocally(t *testing.T) {
	r, topo, _, probe := newFixture(t)
	slot := hash.KeySlot("foo")
	topo.Assign(slot, selfID, 1)
	require.NoError(t, topo.BeginMigration(slot, peerID))
	probe["foo"] = true

	assert.NoError(t, r.Route("foo", false))
}

func TestRouteMigratingSlotMissingKeyAsks(t *testing.T) {
	r, topo, _, _ := newFixture(t)
	slot := hash.KeySlot("foo")
	topo.Assign(slot, selfID, 1)
	require.NoError(t, topo.BeginMigration(slot, peerID))

	err := r.Route("foo", false)
	var redir *RedirectError
	require.ErrorAs(t, err, &redir)
	assert.Equal(t, "ASK", redir.Kind)
	assert.Equal(t, "127.0.0.1:6380", redir.Addr)
}

func TestRouteImportingSlotRequiresAsking(t *testing.T) {
	r, topo, _, _ := newFixture(t)
	slot := hash.KeySlot("foo")
	topo.Assign(slot, peerID, 1)
	require.NoError(t, topo.BeginImport(slot, peerID))

	// Without ASKING the client is pointed at the still-official owner.
	var redir *RedirectError
	require.ErrorAs(t, r.Route("foo", false), &redir)
	assert.Equal(t, "MOVED", redir.Kind)

	// With ASKING the importing node serves it.
	assert.NoError(t, r.Route("foo", true))
}

func TestRouteMultiCrossSlot(t *testing.T) {
	r, topo, _, _ := newFixture(t)
	topo.Assign(hash.KeySlot("{user:1}:a"), selfID, 1)

	assert.NoError(t, r.RouteMulti([]string{"{user:1}:a", "{user:1}:b"}, false))
	assert.ErrorIs(t, r.RouteMulti([]string{"{user:1}:a", "{user:2}:b"}, false), pkgerrors.ErrCrossSlot)
}

func TestRouteMultiMigratingAsksWhenAnyKeyMissing(t *testing.T) {
	r, topo, _, probe := newFixture(t)
	slot := hash.KeySlot("{user:1}:a")
	topo.Assign(slot, selfID, 1)
	require.NoError(t, topo.BeginMigration(slot, peerID))
	probe["{user:1}:a"] = true

	err := r.RouteMulti([]string{"{user:1}:a", "{user:1}:b"}, false)
	var redir *RedirectError
	require.ErrorAs(t, err, &redir)
	assert.Equal(t, "ASK", redir.Kind)

	probe["{user:1}:b"] = true
	assert.NoError(t, r.RouteMulti([]string{"{user:1}:a", "{user:1}:b"}, false))
}

func TestRouteMultiEmptyKeys(t *testing.T) {
	r, _, _, _ := newFixture(t)
	assert.NoError(t, r.RouteMulti(nil, false))
}
