// Package detector implements heartbeat-based failure detection with
// quorum-corroborated suspicion: a peer this node stops hearing from becomes
// suspected (pfail), but is declared failed only once enough other masters
// independently report the same suspicion within a validity window. A single
// flaky link therefore never partitions the cluster on its own.
package detector

import (
	"sync"
	"time"
)

// Liveness is the detector's verdict for a peer.
type Liveness int

const (
	LivenessReachable Liveness = iota
	LivenessSuspect
	LivenessUnreachable
)

func (l Liveness) String() string {
	switch l {
	case LivenessSuspect:
		return "suspect"
	case LivenessUnreachable:
		return "unreachable"
	default:
		return "reachable"
	}
}

// Config tunes the transition policy.
type Config struct {
	// SuspectAfterMisses is the number of consecutive missed heartbeats
	// before a peer becomes suspect.
	SuspectAfterMisses int
	// NodeTimeout bounds how old the last ack may be before a scheduled
	// check counts as a miss.
	NodeTimeout time.Duration
	// ReportValidity bounds how long a peer's suspicion report counts
	// toward the failure quorum.
	ReportValidity time.Duration
}

// DefaultConfig mirrors the cluster defaults: three missed one-second
// heartbeats to suspect, 15s node timeout, 30s report validity.
func DefaultConfig() Config {
	return Config{
		SuspectAfterMisses: 3,
		NodeTimeout:        15 * time.Second,
		ReportValidity:     30 * time.Second,
	}
}

// heartbeatRecord is the per-peer rolling history. It never leaves the
// detector.
type heartbeatRecord struct {
	lastAck           time.Time
	consecutiveMisses int
	// failReports maps reporter node id to the time of its report.
	failReports map[string]time.Time
	unreachable bool
}

// Detector derives peer liveness from heartbeat history. It performs no I/O
// of its own; the gossip engine feeds it acks, misses and third-party
// suspicion reports.
type Detector struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]*heartbeatRecord

	now func() time.Time // swappable for tests
}

// New creates a detector with the given policy.
func New(cfg Config) *Detector {
	if cfg.SuspectAfterMisses <= 0 {
		cfg.SuspectAfterMisses = DefaultConfig().SuspectAfterMisses
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultConfig().NodeTimeout
	}
	if cfg.ReportValidity <= 0 {
		cfg.ReportValidity = DefaultConfig().ReportValidity
	}
	return &Detector{
		cfg:   cfg,
		peers: make(map[string]*heartbeatRecord),
		now:   time.Now,
	}
}

func (d *Detector) record(nodeID string) *heartbeatRecord {
	rec, ok := d.peers[nodeID]
	if !ok {
		rec = &heartbeatRecord{failReports: make(map[string]time.Time)}
		d.peers[nodeID] = rec
	}
	return rec
}

// RecordAck notes a successful heartbeat from nodeID. Any ack immediately
// restores the peer to reachable and clears accumulated suspicion.
func (d *Detector) RecordAck(nodeID string) {
	d.mu.Lock()
	rec := d.record(nodeID)
	rec.lastAck = d.now()
	rec.consecutiveMisses = 0
	rec.unreachable = false
	for k := range rec.failReports {
		delete(rec.failReports, k)
	}
	d.mu.Unlock()
}

// RecordMiss notes a missed heartbeat from nodeID.
func (d *Detector) RecordMiss(nodeID string) {
	d.mu.Lock()
	d.record(nodeID).consecutiveMisses++
	d.mu.Unlock()
}

// RecordSuspicion notes that reporter independently considers nodeID
// suspect. Reports age out after the validity window.
func (d *Detector) RecordSuspicion(nodeID, reporterID string) {
	d.mu.Lock()
	d.record(nodeID).failReports[reporterID] = d.now()
	d.mu.Unlock()
}

// MarkUnreachable pins a peer failed, used when a FAIL broadcast arrives:
// the sender already gathered the quorum, so this node adopts the verdict.
func (d *Detector) MarkUnreachable(nodeID string) {
	d.mu.Lock()
	d.record(nodeID).unreachable = true
	d.mu.Unlock()
}

// Forget drops all history for a removed peer.
func (d *Detector) Forget(nodeID string) {
	d.mu.Lock()
	delete(d.peers, nodeID)
	d.mu.Unlock()
}

// LivenessOf returns the current verdict for nodeID. An unknown peer is
// reachable: absence of history is not evidence of failure.
func (d *Detector) LivenessOf(nodeID string) Liveness {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.peers[nodeID]
	if !ok {
		return LivenessReachable
	}
	if rec.unreachable {
		return LivenessUnreachable
	}
	if rec.consecutiveMisses >= d.cfg.SuspectAfterMisses {
		return LivenessSuspect
	}
	if !rec.lastAck.IsZero() && d.now().Sub(rec.lastAck) > d.cfg.NodeTimeout {
		return LivenessSuspect
	}
	return LivenessReachable
}

// SuspicionCount returns how many distinct reporters currently corroborate
// suspicion of nodeID within the validity window. The local node's own
// suspicion is not included; callers add it when they share it.
func (d *Detector) SuspicionCount(nodeID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.peers[nodeID]
	if !ok {
		return 0
	}
	now := d.now()
	count := 0
	for _, ts := range rec.failReports {
		if now.Sub(ts) < d.cfg.ReportValidity {
			count++
		}
	}
	return count
}

// ShouldFail decides whether nodeID can be promoted from suspect to
// unreachable: the local node must suspect it AND strictly more than half of
// masterCount masters (local node included) must corroborate. When the
// quorum is met the peer is pinned unreachable and true is returned exactly
// once.
func (d *Detector) ShouldFail(nodeID string, masterCount int) bool {
	if d.LivenessOf(nodeID) != LivenessSuspect {
		return false
	}
	// +1 counts this node's own suspicion.
	needed := masterCount/2 + 1
	if d.SuspicionCount(nodeID)+1 < needed {
		return false
	}

	d.mu.Lock()
	rec := d.record(nodeID)
	already := rec.unreachable
	rec.unreachable = true
	d.mu.Unlock()
	return !already
}
