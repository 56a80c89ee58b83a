package cluster

import (
	"fmt"
	"sync"

	"github.com/Genuineh/AiKv/internal/cluster/hash"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// SlotState tracks per-slot migration status.
type SlotState int

const (
	SlotStateStable SlotState = iota
	SlotStateImporting
	SlotStateMigrating
)

func (s SlotState) String() string {
	switch s {
	case SlotStateImporting:
		return "importing"
	case SlotStateMigrating:
		return "migrating"
	default:
		return "stable"
	}
}

// SlotInfo is the recorded ownership of a single slot. Epoch is the config
// epoch under which the current owner claimed the slot; claims carrying a
// lower epoch are stale and ignored.
type SlotInfo struct {
	Owner         string
	Epoch         uint64
	State         SlotState
	MigratingTo   string
	ImportingFrom string
}

// SlotRange is a run of consecutive slots owned by one node.
type SlotRange struct {
	Start  uint16
	End    uint16
	NodeID string
}

// Topology is this node's authoritative view of slot ownership. Readers are
// concurrent, writers serialized; readers never observe a partially applied
// update. All mutation is epoch-gated so that gossip deltas can be applied
// in any order.
type Topology struct {
	selfID string

	slots     [hash.SlotCount]SlotInfo
	nodeSlots map[string][]uint16

	currentEpoch uint64
	myEpoch      uint64

	// onChange fires after any applied mutation, with no topology lock
	// held. Used to schedule state persistence.
	onChange func()

	mu sync.RWMutex
}

// NewTopology creates an empty topology for the given local node.
func NewTopology(selfID string) *Topology {
	return &Topology{
		selfID:    selfID,
		nodeSlots: make(map[string][]uint16),
	}
}

// SetOnChange registers a hook invoked after every applied mutation.
func (t *Topology) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Topology) notify() {
	t.mu.RLock()
	fn := t.onChange
	t.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SelfID returns the local node id.
func (t *Topology) SelfID() string {
	return t.selfID
}

// OwnerOf never fails: an unassigned slot returns the empty string.
func (t *Topology) OwnerOf(slot uint16) string {
	if slot >= hash.SlotCount {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[slot].Owner
}

// SlotInfoOf returns a copy of the slot record.
func (t *Topology) SlotInfoOf(slot uint16) SlotInfo {
	if slot >= hash.SlotCount {
		return SlotInfo{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[slot]
}

// Assign records nodeID as owner of slot under epoch. The update is applied
// only when epoch is at least the slot's recorded epoch; stale claims are
// silently dropped. On an epoch tie with a conflicting owner the locally
// recorded owner wins — the next gossip round converges the fleet either
// way. Returns true when the table changed.
func (t *Topology) Assign(slot uint16, nodeID string, epoch uint64) bool {
	if slot >= hash.SlotCount {
		return false
	}

	t.mu.Lock()
	cur := &t.slots[slot]

	if epoch < cur.Epoch {
		t.mu.Unlock()
		return false
	}
	if epoch == cur.Epoch && cur.Owner != "" && cur.Owner != nodeID {
		t.mu.Unlock()
		return false
	}
	if cur.Owner == nodeID && cur.Epoch == epoch {
		// Unchanged claim. A full no-op, crucially leaving any importing or
		// migrating mark intact: the owner re-asserts its slots on every
		// gossip tick, and that must never unwind a migration in flight.
		// Migration state only clears when ownership actually moves or a
		// strictly higher epoch lands.
		t.mu.Unlock()
		return false
	}

	if cur.Owner != "" {
		t.removeSlotFromNode(cur.Owner, slot)
	}
	cur.Owner = nodeID
	cur.Epoch = epoch
	cur.State = SlotStateStable
	cur.MigratingTo = ""
	cur.ImportingFrom = ""
	t.nodeSlots[nodeID] = append(t.nodeSlots[nodeID], slot)
	if epoch > t.currentEpoch {
		t.currentEpoch = epoch
	}
	t.mu.Unlock()

	t.notify()
	return true
}

// AssignRange assigns [start, end] inclusive to nodeID under epoch.
func (t *Topology) AssignRange(start, end uint16, nodeID string, epoch uint64) error {
	if end >= hash.SlotCount || start > end {
		return pkgerrors.ErrSlotOutOfRange
	}
	for slot := start; ; slot++ {
		t.Assign(slot, nodeID, epoch)
		if slot == end {
			return nil
		}
	}
}

// Unassign drops the slot's owner and migration state. Used by
// CLUSTER DELSLOTS and when forgetting a node.
func (t *Topology) Unassign(slot uint16) {
	if slot >= hash.SlotCount {
		return
	}
	t.mu.Lock()
	cur := &t.slots[slot]
	if cur.Owner != "" {
		t.removeSlotFromNode(cur.Owner, slot)
	}
	cur.Owner = ""
	cur.State = SlotStateStable
	cur.MigratingTo = ""
	cur.ImportingFrom = ""
	t.mu.Unlock()
	t.notify()
}

// BeginMigration marks a locally owned slot as migrating out to target.
func (t *Topology) BeginMigration(slot uint16, targetNodeID string) error {
	if slot >= hash.SlotCount {
		return pkgerrors.ErrSlotOutOfRange
	}
	t.mu.Lock()
	cur := &t.slots[slot]
	if cur.Owner != t.selfID {
		t.mu.Unlock()
		return fmt.Errorf("slot %d is not owned by this node", slot)
	}
	cur.State = SlotStateMigrating
	cur.MigratingTo = targetNodeID
	cur.ImportingFrom = ""
	t.mu.Unlock()
	t.notify()
	return nil
}

// BeginImport marks a slot as importing from source. The slot is not owned
// for read purposes until finalized; only ASKING requests are served.
func (t *Topology) BeginImport(slot uint16, sourceNodeID string) error {
	if slot >= hash.SlotCount {
		return pkgerrors.ErrSlotOutOfRange
	}
	t.mu.Lock()
	cur := &t.slots[slot]
	cur.State = SlotStateImporting
	cur.ImportingFrom = sourceNodeID
	cur.MigratingTo = ""
	t.mu.Unlock()
	t.notify()
	return nil
}

// SetStable clears any migration state without changing ownership.
func (t *Topology) SetStable(slot uint16) {
	if slot >= hash.SlotCount {
		return
	}
	t.mu.Lock()
	cur := &t.slots[slot]
	cur.State = SlotStateStable
	cur.MigratingTo = ""
	cur.ImportingFrom = ""
	t.mu.Unlock()
	t.notify()
}

// FinalizeMigration transfers ownership to newOwner under a freshly bumped
// epoch and clears migration state. The epoch bump is what makes the
// unilateral handover safe: every peer accepts the higher-epoch claim.
func (t *Topology) FinalizeMigration(slot uint16, newOwnerID string) uint64 {
	if slot >= hash.SlotCount {
		return 0
	}
	t.mu.Lock()
	t.currentEpoch++
	epoch := t.currentEpoch
	cur := &t.slots[slot]
	if cur.Owner != "" {
		t.removeSlotFromNode(cur.Owner, slot)
	}
	cur.Owner = newOwnerID
	cur.Epoch = epoch
	cur.State = SlotStateStable
	cur.MigratingTo = ""
	cur.ImportingFrom = ""
	t.nodeSlots[newOwnerID] = append(t.nodeSlots[newOwnerID], slot)
	if newOwnerID == t.selfID {
		t.myEpoch = epoch
	}
	t.mu.Unlock()
	t.notify()
	return epoch
}

func (t *Topology) removeSlotFromNode(nodeID string, slot uint16) {
	slots := t.nodeSlots[nodeID]
	for i, s := range slots {
		if s == slot {
			t.nodeSlots[nodeID] = append(slots[:i], slots[i+1:]...)
			return
		}
	}
}

// NodeSlots returns a copy of the slots currently owned by nodeID.
func (t *Topology) NodeSlots(nodeID string) []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slots := t.nodeSlots[nodeID]
	out := make([]uint16, len(slots))
	copy(out, slots)
	return out
}

// CountAssigned returns how many slots have an owner.
func (t *Topology) CountAssigned() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for i := range t.slots {
		if t.slots[i].Owner != "" {
			count++
		}
	}
	return count
}

// AllAssigned reports whether every slot has an owner.
func (t *Topology) AllAssigned() bool {
	return t.CountAssigned() == int(hash.SlotCount)
}

// Ranges compacts the slot table into consecutive ownership runs.
func (t *Topology) Ranges() []SlotRange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ranges []SlotRange
	var cur *SlotRange

	for i := uint16(0); i < hash.SlotCount; i++ {
		owner := t.slots[i].Owner
		if owner == "" {
			if cur != nil {
				ranges = append(ranges, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil || cur.NodeID != owner {
			if cur != nil {
				ranges = append(ranges, *cur)
			}
			cur = &SlotRange{Start: i, End: i, NodeID: owner}
		} else {
			cur.End = i
		}
	}
	if cur != nil {
		ranges = append(ranges, *cur)
	}
	return ranges
}

// Snapshot is an immutable copy of the slot table, cheap enough to take on
// every outbound gossip message and admin query so responses never hold the
// write path.
type Snapshot struct {
	Slots        [hash.SlotCount]SlotInfo
	CurrentEpoch uint64
	MyEpoch      uint64
}

// Snapshot copies the table under the read lock.
func (t *Topology) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Slots:        t.slots,
		CurrentEpoch: t.currentEpoch,
		MyEpoch:      t.myEpoch,
	}
}

// SlotMap returns owner ids indexed by slot, for persistence.
func (t *Topology) SlotMap() [hash.SlotCount]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var m [hash.SlotCount]string
	for i := range t.slots {
		m[i] = t.slots[i].Owner
	}
	return m
}

// CurrentEpoch returns the highest config epoch this node has seen.
func (t *Topology) CurrentEpoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentEpoch
}

// MyEpoch returns the config epoch of this node's own slot claims.
func (t *Topology) MyEpoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.myEpoch
}

// BumpEpoch advances the cluster epoch and claims it as this node's config
// epoch. Admin mutations call it before assigning slots to self.
func (t *Topology) BumpEpoch() uint64 {
	t.mu.Lock()
	t.currentEpoch++
	t.myEpoch = t.currentEpoch
	epoch := t.currentEpoch
	t.mu.Unlock()
	t.notify()
	return epoch
}

// ObserveEpoch raises the local epoch watermark to a value learned from a
// peer, never lowering it.
func (t *Topology) ObserveEpoch(epoch uint64) {
	t.mu.Lock()
	if epoch > t.currentEpoch {
		t.currentEpoch = epoch
	}
	t.mu.Unlock()
}

// Restore loads a persisted slot map. A restarting node treats the restored
// view as a starting point only: any higher-epoch claim learned via gossip
// overrides it.
func (t *Topology) Restore(slotMap [hash.SlotCount]string, epochs map[uint16]uint64, currentEpoch, myEpoch uint64) {
	t.mu.Lock()
	t.nodeSlots = make(map[string][]uint16)
	for i := range t.slots {
		t.slots[i] = SlotInfo{}
	}
	for i, owner := range slotMap {
		if owner == "" {
			continue
		}
		t.slots[i].Owner = owner
		t.slots[i].Epoch = epochs[uint16(i)]
		t.nodeSlots[owner] = append(t.nodeSlots[owner], uint16(i))
	}
	t.currentEpoch = currentEpoch
	t.myEpoch = myEpoch
	t.mu.Unlock()
}
