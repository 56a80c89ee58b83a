package state

// PersistedSlot is one slot's durable routing record. Slots owned by nobody
// are omitted from the file.
type PersistedSlot struct {
	Slot  uint16 `json:"slot"`
	Owner string `json:"owner"`
	Epoch uint64 `json:"epoch"`
}

// PersistedNode is a known peer, kept so a restarted node can rejoin the
// cluster without a fresh MEET.
type PersistedNode struct {
	ID          string `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	ClusterPort int    `json:"cluster_port"`
	Role        string `json:"role"`
	MasterID    string `json:"master_id,omitempty"`
	ConfigEpoch uint64 `json:"config_epoch"`
}

// ClusterState is the JSON document written to disk. NodeID is persisted so
// the node keeps its identity across restarts.
type ClusterState struct {
	NodeID       string          `json:"node_id"`
	CurrentEpoch uint64          `json:"current_epoch"`
	MyEpoch      uint64          `json:"my_epoch"`
	Slots        []PersistedSlot `json:"slots"`
	Nodes        []PersistedNode `json:"nodes"`
}
