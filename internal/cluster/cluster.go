// Package cluster implements the slot-routing and membership subsystem: the
// epoch-gated slot table, node identity, and the admin operations behind the
// CLUSTER command family. The gossip bus and failure detector live in
// subpackages; this package wires them together and persists the merged view.
package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Genuineh/AiKv/internal/cluster/detector"
	"github.com/Genuineh/AiKv/internal/cluster/gossip"
	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/cluster/state"
	"github.com/Genuineh/AiKv/internal/metrics"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// Config controls cluster mode for one node.
type Config struct {
	Enabled     bool
	IP          string
	Port        int
	NodeTimeout time.Duration
	StatePath   string
}

// Cluster is the membership facade used by the protocol layer. All methods
// are safe for concurrent use.
type Cluster struct {
	cfg    Config
	self   *Node
	topo   *Topology
	det    *detector.Detector
	engine *gossip.Engine
	states *state.Manager
}

// New builds the cluster subsystem, restoring identity and the slot table
// from the state file when one exists.
func New(cfg Config) (*Cluster, error) {
	c := &Cluster{cfg: cfg}
	c.states = state.NewManager(cfg.StatePath, c.persistedState)

	loaded, err := c.states.Load()
	if err != nil {
		return nil, err
	}

	c.self = NewNode(cfg.IP, cfg.Port)
	if loaded != nil && loaded.NodeID != "" {
		c.self.ID = loaded.NodeID
	}

	c.topo = NewTopology(c.self.ID)

	detCfg := detector.DefaultConfig()
	if cfg.NodeTimeout > 0 {
		detCfg.NodeTimeout = cfg.NodeTimeout
		detCfg.ReportValidity = 2 * cfg.NodeTimeout
	}
	c.det = detector.New(detCfg)

	selfPeer := &gossip.Peer{
		ID:          c.self.ID,
		IP:          c.self.IP,
		Port:        c.self.Port,
		ClusterPort: c.self.ClusterPort,
		Role:        gossip.NodeFlagMaster,
	}
	c.engine = gossip.NewEngine(selfPeer, c.topo, c.det)

	if loaded != nil {
		c.restore(loaded)
	}

	c.topo.SetOnChange(func() {
		c.states.MarkDirty()
		metrics.SlotsAssigned.Set(float64(c.topo.CountAssigned()))
		metrics.SlotsOwned.Set(float64(len(c.topo.NodeSlots(c.self.ID))))
	})

	return c, nil
}

func (c *Cluster) restore(st *state.ClusterState) {
	var slotMap [hash.SlotCount]string
	epochs := make(map[uint16]uint64, len(st.Slots))
	for _, s := range st.Slots {
		if s.Slot >= hash.SlotCount {
			continue
		}
		slotMap[s.Slot] = s.Owner
		epochs[s.Slot] = s.Epoch
	}
	c.topo.Restore(slotMap, epochs, st.CurrentEpoch, st.MyEpoch)
	c.self.SetConfigEpoch(st.MyEpoch)
	c.engine.SetSelfEpoch(st.MyEpoch)

	for _, n := range st.Nodes {
		if n.ID == c.self.ID {
			continue
		}
		flags := gossip.NodeFlagMaster
		if n.Role == NodeRoleReplica.String() {
			flags = gossip.NodeFlagReplica
		}
		c.engine.Register(&gossip.NodeInfo{
			ID:          n.ID,
			IP:          n.IP,
			Port:        n.Port,
			ClusterPort: n.ClusterPort,
			Flags:       flags,
			MasterID:    n.MasterID,
			ConfigEpoch: n.ConfigEpoch,
		})
	}
	log.WithFields(log.Fields{
		"node_id": c.self.ID[:8],
		"slots":   len(st.Slots),
		"peers":   len(st.Nodes),
	}).Info("restored cluster state")
}

// Start brings up the gossip bus.
func (c *Cluster) Start() error {
	if err := c.engine.Start(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"node_id": c.self.ID,
		"bus":     c.self.ClusterAddr(),
	}).Info("cluster mode enabled")
	return nil
}

// Stop shuts down gossip and flushes state.
func (c *Cluster) Stop() error {
	if err := c.engine.Stop(); err != nil {
		return err
	}
	return c.states.Close()
}

// SelfID returns this node's 40-character identifier.
func (c *Cluster) SelfID() string { return c.self.ID }

// Topology exposes the slot table for the router and admin commands.
func (c *Cluster) Topology() *Topology { return c.topo }

// Gossip exposes the bus engine, used by the migration worker for peer
// lookups.
func (c *Cluster) Gossip() *gossip.Engine { return c.engine }

// Meet starts a handshake with the node whose client port is ip:port. The
// bus port is derived by the fixed offset.
func (c *Cluster) Meet(ip string, port int) error {
	busAddr := net.JoinHostPort(ip, strconv.Itoa(port+ClusterPortOffset))
	if err := c.engine.Meet(busAddr); err != nil {
		return err
	}
	c.states.MarkDirty()
	return nil
}

// Forget removes a node from the local view and unassigns its slots. A node
// cannot forget itself.
func (c *Cluster) Forget(nodeID string) error {
	if nodeID == c.self.ID {
		return fmt.Errorf("I tried hard but I can't forget myself")
	}
	if c.engine.Peer(nodeID) == nil {
		return pkgerrors.ErrUnknownNode
	}
	for _, slot := range c.topo.NodeSlots(nodeID) {
		c.topo.Unassign(slot)
	}
	c.engine.Forget(nodeID)
	c.states.MarkDirty()
	log.WithField("node", nodeID[:8]).Info("forgot cluster node")
	return nil
}

// AddSlots claims the given slots for this node under a freshly bumped
// config epoch. Slots owned by another node are rejected before any change
// is applied.
func (c *Cluster) AddSlots(slots []uint16) error {
	for _, slot := range slots {
		if slot >= hash.SlotCount {
			return pkgerrors.ErrSlotOutOfRange
		}
		if owner := c.topo.OwnerOf(slot); owner != "" && owner != c.self.ID {
			return fmt.Errorf("slot %d is already busy", slot)
		}
	}
	epoch := c.topo.BumpEpoch()
	for _, slot := range slots {
		c.topo.Assign(slot, c.self.ID, epoch)
	}
	c.self.SetConfigEpoch(epoch)
	c.engine.SetSelfEpoch(epoch)
	c.engine.Broadcast()
	log.WithFields(log.Fields{"slots": len(slots), "epoch": epoch}).Info("slots added")
	return nil
}

// AddSlotRange claims [start, end] inclusive.
func (c *Cluster) AddSlotRange(start, end uint16) error {
	if end >= hash.SlotCount || start > end {
		return pkgerrors.ErrSlotOutOfRange
	}
	slots := make([]uint16, 0, end-start+1)
	for s := start; ; s++ {
		slots = append(slots, s)
		if s == end {
			break
		}
	}
	return c.AddSlots(slots)
}

// DelSlots releases the given slots. Unassigned slots are rejected before
// any change is applied. The retraction is local only: the gossip bitmap
// asserts claims, it cannot revoke them, so peers that already learned the
// assignment keep it until a higher-epoch claim lands. Operators run
// DELSLOTS against every node, as on Redis.
func (c *Cluster) DelSlots(slots []uint16) error {
	for _, slot := range slots {
		if slot >= hash.SlotCount {
			return pkgerrors.ErrSlotOutOfRange
		}
		if c.topo.OwnerOf(slot) == "" {
			return fmt.Errorf("slot %d is already unassigned", slot)
		}
	}
	for _, slot := range slots {
		c.topo.Unassign(slot)
	}
	c.engine.Broadcast()
	return nil
}

// SetSlotMigrating marks a locally owned slot as migrating to target.
func (c *Cluster) SetSlotMigrating(slot uint16, targetID string) error {
	if c.engine.Peer(targetID) == nil {
		return pkgerrors.ErrUnknownNode
	}
	if targetID == c.self.ID {
		return fmt.Errorf("target of migration cannot be this node")
	}
	return c.topo.BeginMigration(slot, targetID)
}

// SetSlotImporting marks a slot as importing from source. Only ASKING
// requests are served for it until the import is finalized.
func (c *Cluster) SetSlotImporting(slot uint16, sourceID string) error {
	if c.engine.Peer(sourceID) == nil {
		return pkgerrors.ErrUnknownNode
	}
	if c.topo.OwnerOf(slot) == c.self.ID {
		return fmt.Errorf("slot %d is already owned by this node", slot)
	}
	return c.topo.BeginImport(slot, sourceID)
}

// SetSlotStable clears migration state for a slot without changing its
// owner.
func (c *Cluster) SetSlotStable(slot uint16) error {
	if slot >= hash.SlotCount {
		return pkgerrors.ErrSlotOutOfRange
	}
	c.topo.SetStable(slot)
	return nil
}

// SetSlotNode assigns a slot to a node. When it concludes a migration (the
// slot was importing and the node is self, or migrating and the node is the
// target) ownership transfers under a bumped epoch so the claim beats every
// stale view in the fleet.
func (c *Cluster) SetSlotNode(slot uint16, nodeID string) error {
	if slot >= hash.SlotCount {
		return pkgerrors.ErrSlotOutOfRange
	}
	if nodeID != c.self.ID && c.engine.Peer(nodeID) == nil {
		return pkgerrors.ErrUnknownNode
	}

	info := c.topo.SlotInfoOf(slot)
	finalize := (info.State == SlotStateImporting && nodeID == c.self.ID) ||
		(info.State == SlotStateMigrating && nodeID == info.MigratingTo)

	if finalize {
		epoch := c.topo.FinalizeMigration(slot, nodeID)
		if nodeID == c.self.ID {
			c.self.SetConfigEpoch(epoch)
			c.engine.SetSelfEpoch(epoch)
		}
		log.WithFields(log.Fields{
			"slot":  slot,
			"owner": nodeID[:8],
			"epoch": epoch,
		}).Info("slot migration finalized")
	} else if nodeID == c.self.ID {
		// Operator-forced claim for self: bump so it beats the incumbent
		// owner's claim.
		epoch := c.topo.BumpEpoch()
		c.topo.Assign(slot, nodeID, epoch)
		c.self.SetConfigEpoch(epoch)
		c.engine.SetSelfEpoch(epoch)
	} else {
		// Operator-forced assignment to a peer, under a fresh epoch.
		c.topo.Assign(slot, nodeID, c.topo.CurrentEpoch()+1)
	}
	c.engine.Broadcast()
	return nil
}

// NodeAddr resolves a node id to its client-facing address.
func (c *Cluster) NodeAddr(nodeID string) (string, bool) {
	if nodeID == c.self.ID {
		return c.self.Addr(), true
	}
	peer := c.engine.Peer(nodeID)
	if peer == nil {
		return "", false
	}
	return peer.Addr(), true
}

// NodeLiveness reports the failure detector's verdict for a node. Self is
// always reachable.
func (c *Cluster) NodeLiveness(nodeID string) detector.Liveness {
	if nodeID == c.self.ID {
		return detector.LivenessReachable
	}
	return c.det.LivenessOf(nodeID)
}

// KeySlot computes the hash slot for key, honoring hash tags.
func (c *Cluster) KeySlot(key string) uint16 { return hash.KeySlot(key) }

// NodeView is a merged identity and liveness record for CLUSTER NODES.
type NodeView struct {
	ID           string
	IP           string
	Port         int
	ClusterPort  int
	Role         NodeRole
	MasterID     string
	State        NodeState
	ConfigEpoch  uint64
	IsSelf       bool
	PingSent     int64
	PongReceived int64
	Slots        []SlotRange
}

// Nodes returns the local view of every known member, self first, peers
// ordered by id.
func (c *Cluster) Nodes() []NodeView {
	snapshot := c.topo.Snapshot()

	views := make([]NodeView, 0, 4)
	for _, peer := range c.engine.Peers() {
		v := NodeView{
			ID:           peer.ID,
			IP:           peer.IP,
			Port:         peer.Port,
			ClusterPort:  peer.ClusterPort,
			Role:         NodeRoleMaster,
			MasterID:     peer.MasterID,
			ConfigEpoch:  peer.ConfigEpoch,
			IsSelf:       peer.ID == c.self.ID,
			PingSent:     peer.PingSent,
			PongReceived: peer.PongReceived,
		}
		if peer.Role == gossip.NodeFlagReplica {
			v.Role = NodeRoleReplica
		}
		if v.IsSelf {
			v.IP = c.self.IP
			v.Port = c.self.Port
			v.ClusterPort = c.self.ClusterPort
			v.ConfigEpoch = c.self.ConfigEpoch()
			v.State = NodeStateConnected
		} else {
			switch c.det.LivenessOf(peer.ID) {
			case detector.LivenessSuspect:
				v.State = NodeStatePFail
			case detector.LivenessUnreachable:
				v.State = NodeStateFail
			default:
				v.State = NodeStateConnected
			}
		}
		v.Slots = rangesOf(&snapshot, peer.ID)
		views = append(views, v)
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].IsSelf != views[j].IsSelf {
			return views[i].IsSelf
		}
		return views[i].ID < views[j].ID
	})
	return views
}

func rangesOf(s *Snapshot, nodeID string) []SlotRange {
	var ranges []SlotRange
	var cur *SlotRange
	for i := uint16(0); i < hash.SlotCount; i++ {
		if s.Slots[i].Owner != nodeID {
			if cur != nil {
				ranges = append(ranges, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &SlotRange{Start: i, End: i, NodeID: nodeID}
		} else {
			cur.End = i
		}
	}
	if cur != nil {
		ranges = append(ranges, *cur)
	}
	return ranges
}

// Info summarizes cluster health for CLUSTER INFO.
type Info struct {
	StateOK       bool
	SlotsAssigned int
	SlotsOK       int
	SlotsPFail    int
	SlotsFail     int
	KnownNodes    int
	Size          int
	CurrentEpoch  uint64
	MyEpoch       uint64
}

// ClusterInfo computes the health summary. The cluster is ok when every
// slot is assigned and no slot's owner is confirmed failed.
func (c *Cluster) ClusterInfo() Info {
	snapshot := c.topo.Snapshot()
	peers := c.engine.Peers()

	owners := make(map[string]bool)
	info := Info{
		KnownNodes:   len(peers),
		CurrentEpoch: snapshot.CurrentEpoch,
		MyEpoch:      snapshot.MyEpoch,
	}
	for i := range snapshot.Slots {
		owner := snapshot.Slots[i].Owner
		if owner == "" {
			continue
		}
		info.SlotsAssigned++
		owners[owner] = true
		if owner == c.self.ID {
			info.SlotsOK++
			continue
		}
		switch c.det.LivenessOf(owner) {
		case detector.LivenessUnreachable:
			info.SlotsFail++
		case detector.LivenessSuspect:
			info.SlotsPFail++
			info.SlotsOK++
		default:
			info.SlotsOK++
		}
	}
	info.Size = len(owners)
	info.StateOK = info.SlotsAssigned == int(hash.SlotCount) && info.SlotsFail == 0
	return info
}

// persistedState builds the JSON document for the state manager.
func (c *Cluster) persistedState() *state.ClusterState {
	snapshot := c.topo.Snapshot()
	st := &state.ClusterState{
		NodeID:       c.self.ID,
		CurrentEpoch: snapshot.CurrentEpoch,
		MyEpoch:      snapshot.MyEpoch,
	}
	for i := range snapshot.Slots {
		if snapshot.Slots[i].Owner == "" {
			continue
		}
		st.Slots = append(st.Slots, state.PersistedSlot{
			Slot:  uint16(i),
			Owner: snapshot.Slots[i].Owner,
			Epoch: snapshot.Slots[i].Epoch,
		})
	}
	for _, peer := range c.engine.Peers() {
		if peer.ID == c.self.ID {
			continue
		}
		role := NodeRoleMaster
		if peer.Role == gossip.NodeFlagReplica {
			role = NodeRoleReplica
		}
		st.Nodes = append(st.Nodes, state.PersistedNode{
			ID:          peer.ID,
			IP:          peer.IP,
			Port:        peer.Port,
			ClusterPort: peer.ClusterPort,
			Role:        role.String(),
			MasterID:    peer.MasterID,
			ConfigEpoch: peer.ConfigEpoch,
		})
	}
	return st
}
