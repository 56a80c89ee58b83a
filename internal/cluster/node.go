package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// ClusterPortOffset is added to the data port to derive the gossip bus port,
// so tooling can locate the bus without extra configuration.
const ClusterPortOffset = 10000

// NodeState is the locally observed liveness of a peer, derived from the
// failure detector for admin views (CLUSTER NODES flags).
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateConnected
	NodeStatePFail // suspected by this node only
	NodeStateFail  // confirmed unreachable by a quorum
)

func (s NodeState) String() string {
	switch s {
	case NodeStateConnected:
		return "connected"
	case NodeStatePFail:
		return "pfail"
	case NodeStateFail:
		return "fail"
	default:
		return "unknown"
	}
}

// NodeRole distinguishes slot owners from their replicas.
type NodeRole int

const (
	NodeRoleMaster NodeRole = iota
	NodeRoleReplica
)

func (r NodeRole) String() string {
	if r == NodeRoleMaster {
		return "master"
	}
	return "replica"
}

// Node is the identity record for this cluster member. ID is immutable for
// the node's lifetime. Liveness of peers is tracked by the failure detector
// and the gossip peer registry, not here.
type Node struct {
	ID          string
	IP          string
	Port        int
	ClusterPort int

	Role     NodeRole
	MasterID string

	mu          sync.RWMutex
	configEpoch uint64
}

// NewNode creates a master node listening on ip:port with a generated ID.
func NewNode(ip string, port int) *Node {
	return &Node{
		ID:          GenerateNodeID(),
		IP:          ip,
		Port:        port,
		ClusterPort: port + ClusterPortOffset,
		Role:        NodeRoleMaster,
	}
}

// GenerateNodeID returns a random 40-character hex node identifier.
func GenerateNodeID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

func (n *Node) ClusterAddr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.ClusterPort)
}

// ConfigEpoch returns the epoch of this node's own slot claims.
func (n *Node) ConfigEpoch() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.configEpoch
}

// SetConfigEpoch records the epoch under which this node last claimed
// slots. Admin mutations call it concurrently with gossip reads.
func (n *Node) SetConfigEpoch(epoch uint64) {
	n.mu.Lock()
	n.configEpoch = epoch
	n.mu.Unlock()
}
