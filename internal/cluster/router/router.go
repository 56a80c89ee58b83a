// Package router decides, per command, whether a key is served locally or
// redirected. It owns the MOVED/ASK/CROSSSLOT/CLUSTERDOWN semantics; the
// protocol layer only formats its verdicts onto the wire.
package router

import (
	"fmt"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/detector"
	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/metrics"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// RedirectError tells the client which node serves a slot. Its Error string
// is the exact RESP error payload.
type RedirectError struct {
	Kind string // "MOVED" or "ASK"
	Slot uint16
	Addr string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %d %s", e.Kind, e.Slot, e.Addr)
}

// Directory resolves node ids to client-facing addresses and liveness. The
// cluster facade satisfies it via a thin adapter.
type Directory interface {
	NodeAddr(nodeID string) (string, bool)
	NodeLiveness(nodeID string) detector.Liveness
}

// KeyProbe reports whether a key exists in the local engine. During slot
// migration it decides between serving locally and an ASK redirect.
type KeyProbe interface {
	Exists(key string) bool
}

// Router routes keys against the live topology.
type Router struct {
	topo   *cluster.Topology
	selfID string
	dir    Directory
	probe  KeyProbe
}

// New creates a router for the local node.
func New(topo *cluster.Topology, dir Directory, probe KeyProbe) *Router {
	return &Router{
		topo:   topo,
		selfID: topo.SelfID(),
		dir:    dir,
		probe:  probe,
	}
}

// Route decides where the command touching key runs. A nil error means
// serve locally. asking is the connection's one-shot ASKING flag.
func (r *Router) Route(key string, asking bool) error {
	return r.routeSlot(hash.KeySlot(key), []string{key}, asking)
}

// RouteMulti routes a multi-key command. All keys must map to one slot.
func (r *Router) RouteMulti(keys []string, asking bool) error {
	if len(keys) == 0 {
		return nil
	}
	slot := hash.KeySlot(keys[0])
	for _, key := range keys[1:] {
		if hash.KeySlot(key) != slot {
			metrics.RedirectsTotal.WithLabelValues("crossslot").Inc()
			return pkgerrors.ErrCrossSlot
		}
	}
	return r.routeSlot(slot, keys, asking)
}

func (r *Router) routeSlot(slot uint16, keys []string, asking bool) error {
	info := r.topo.SlotInfoOf(slot)

	if info.Owner == "" {
		// Serving a key for an unowned slot would fork the keyspace the
		// moment an owner appears.
		metrics.RedirectsTotal.WithLabelValues("clusterdown").Inc()
		return pkgerrors.ErrClusterDown
	}

	if info.Owner == r.selfID {
		if info.State == cluster.SlotStateMigrating && !r.allPresent(keys) {
			// Key already moved (or never existed here): the target
			// holds the truth for it now.
			return r.redirect("ASK", slot, info.MigratingTo)
		}
		return nil
	}

	// Importing slots serve only requests that arrived via an ASK from the
	// migrating owner, marked by the connection's ASKING flag.
	if info.State == cluster.SlotStateImporting && asking {
		return nil
	}

	if r.dir.NodeLiveness(info.Owner) == detector.LivenessUnreachable {
		metrics.RedirectsTotal.WithLabelValues("clusterdown").Inc()
		return pkgerrors.ErrClusterDown
	}
	return r.redirect("MOVED", slot, info.Owner)
}

func (r *Router) allPresent(keys []string) bool {
	if r.probe == nil {
		return true
	}
	for _, key := range keys {
		if !r.probe.Exists(key) {
			return false
		}
	}
	return true
}

func (r *Router) redirect(kind string, slot uint16, nodeID string) error {
	addr, ok := r.dir.NodeAddr(nodeID)
	if !ok {
		// A redirect target we cannot address is as good as a down slot.
		metrics.RedirectsTotal.WithLabelValues("clusterdown").Inc()
		return pkgerrors.ErrClusterDown
	}
	if kind == "MOVED" {
		metrics.RedirectsTotal.WithLabelValues("moved").Inc()
	} else {
		metrics.RedirectsTotal.WithLabelValues("ask").Inc()
	}
	return &RedirectError{Kind: kind, Slot: slot, Addr: addr}
}
