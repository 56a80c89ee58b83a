// Package gossip runs the cluster bus: periodic peer-sampled PING/PONG
// exchange of topology views, MEET handshakes for membership bootstrap and
// FAIL propagation. Each exchange is decode-then-apply: frames are fully
// read off the wire before any topology lock is taken.
package gossip

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Genuineh/AiKv/internal/cluster/detector"
	"github.com/Genuineh/AiKv/internal/metrics"
)

const (
	// PingInterval is the tick period of the gossip loop.
	PingInterval = time.Second
	// GossipSampleSize bounds how many peer records ride along each
	// PING/PONG.
	GossipSampleSize = 3

	dialTimeout = 2 * time.Second
	connTimeout = 15 * time.Second
)

// Peer is gossip's registry entry for a cluster member. The engine keeps its
// own registry rather than sharing the topology's node set so that handler
// goroutines never touch command-path structures.
type Peer struct {
	ID          string
	IP          string
	Port        int
	ClusterPort int
	Role        uint16 // NodeFlagMaster or NodeFlagReplica
	MasterID    string
	ConfigEpoch uint64

	State        detector.Liveness
	PingSent     int64
	PongReceived int64

	mu sync.RWMutex
}

func (p *Peer) Addr() string {
	return net.JoinHostPort(p.IP, portString(p.Port))
}

func (p *Peer) ClusterAddr() string {
	return net.JoinHostPort(p.IP, portString(p.ClusterPort))
}

func portString(port int) string {
	return strconv.Itoa(port)
}

// Clone copies the peer for use outside the registry lock.
func (p *Peer) Clone() *Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Peer{
		ID:           p.ID,
		IP:           p.IP,
		Port:         p.Port,
		ClusterPort:  p.ClusterPort,
		Role:         p.Role,
		MasterID:     p.MasterID,
		ConfigEpoch:  p.ConfigEpoch,
		State:        p.State,
		PingSent:     p.PingSent,
		PongReceived: p.PongReceived,
	}
}

// Topology is the slice of cluster state the engine reads and writes.
// Implemented by cluster.Topology.
type Topology interface {
	NodeSlots(nodeID string) []uint16
	Assign(slot uint16, nodeID string, epoch uint64) bool
	ObserveEpoch(epoch uint64)
	CurrentEpoch() uint64
}

// Engine drives convergence: it exchanges views with sampled peers each
// tick, applies observed slot claims through the epoch-gated topology write
// path, and feeds the failure detector.
type Engine struct {
	self *Peer
	topo Topology
	det  *detector.Detector

	peers   map[string]*Peer
	peersMu sync.RWMutex

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onNodeJoin   func(id, addr string)
	onNodeFail   func(id string)
	onSlotChange func(slot uint16, nodeID string)
}

// NewEngine creates an engine for the given local node.
func NewEngine(self *Peer, topo Topology, det *detector.Detector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:   self,
		topo:   topo,
		det:    det,
		peers:  make(map[string]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}
	e.peers[self.ID] = self
	return e
}

// SetEventHandlers registers optional callbacks. Must be called before
// Start.
func (e *Engine) SetEventHandlers(onJoin func(id, addr string), onFail func(id string), onSlotChange func(uint16, string)) {
	e.onNodeJoin = onJoin
	e.onNodeFail = onFail
	e.onSlotChange = onSlotChange
}

// Start binds the cluster bus and launches the background loops.
func (e *Engine) Start() error {
	addr := e.self.ClusterAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on cluster bus %s", addr)
	}
	e.listener = listener

	log.WithField("addr", addr).Info("gossip bus listening")

	e.wg.Add(3)
	go e.acceptLoop()
	go e.tickLoop()
	go e.failureLoop()
	return nil
}

// Stop cancels the loops and closes the bus listener.
func (e *Engine) Stop() error {
	e.cancel()
	if e.listener != nil {
		e.listener.Close()
	}
	e.wg.Wait()
	return nil
}

// Meet introduces a peer at the given cluster bus address, sending an
// immediate MEET and absorbing the PONG reply.
func (e *Engine) Meet(busAddr string) error {
	conn, err := net.DialTimeout("tcp", busAddr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "meet %s", busAddr)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	msg := &Message{
		Type:         MsgMeet,
		Sender:       e.self.ID,
		CurrentEpoch: e.topo.CurrentEpoch(),
		NodeInfo:     e.selfInfo(),
	}
	if err := e.writeFrame(conn, msg); err != nil {
		return err
	}

	resp, err := ReadFrame(conn)
	if err != nil {
		return errors.Wrapf(err, "meet %s: read reply", busAddr)
	}
	metrics.GossipMessagesReceived.WithLabelValues(resp.Type.String()).Inc()
	if resp.Type == MsgPong {
		e.absorb(resp)
		e.det.RecordAck(resp.Sender)
	}
	log.WithField("addr", busAddr).Info("met cluster node")
	return nil
}

// Broadcast pushes this node's current view to every connected peer without
// waiting for the next tick. Admin mutations call it so operator-initiated
// changes propagate fast.
func (e *Engine) Broadcast() {
	msg := &Message{
		Type:         MsgUpdate,
		Sender:       e.self.ID,
		CurrentEpoch: e.topo.CurrentEpoch(),
		NodeInfo:     e.selfInfo(),
		GossipNodes:  e.sample(),
	}
	for _, peer := range e.connectedPeers() {
		go e.send(peer, msg)
	}
}

// Peers returns a snapshot of the registry, self included.
func (e *Engine) Peers() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.Clone())
	}
	return out
}

// Peer returns a snapshot of one registry entry, or nil.
func (e *Engine) Peer(id string) *Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	if p, ok := e.peers[id]; ok {
		return p.Clone()
	}
	return nil
}

// Register seeds the registry with a known peer, used when rehydrating
// membership from persisted state before the bus comes up.
func (e *Engine) Register(info *NodeInfo) {
	e.processNodeInfo(info, "")
}

// Forget removes a peer from the registry and detector.
func (e *Engine) Forget(id string) {
	e.peersMu.Lock()
	delete(e.peers, id)
	e.peersMu.Unlock()
	e.det.Forget(id)
	metrics.NodesKnown.Set(float64(len(e.Peers())))
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				log.WithError(err).Warn("gossip accept")
				continue
			}
		}
		go e.handleConn(conn)
	}
}

func (e *Engine) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	msg, err := ReadFrame(conn)
	if err != nil {
		// Malformed or truncated gossip is logged and dropped, never
		// surfaced to client traffic.
		metrics.GossipFramesDropped.Inc()
		log.WithError(err).Debug("dropping gossip frame")
		return
	}
	metrics.GossipMessagesReceived.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case MsgPing, MsgMeet:
		e.absorb(msg)
		e.det.RecordAck(msg.Sender)
		pong := &Message{
			Type:         MsgPong,
			Sender:       e.self.ID,
			CurrentEpoch: e.topo.CurrentEpoch(),
			NodeInfo:     e.selfInfo(),
			GossipNodes:  e.sample(),
		}
		if err := e.writeFrame(conn, pong); err != nil {
			log.WithError(err).Debug("gossip pong write")
		}
	case MsgPong, MsgUpdate:
		e.absorb(msg)
		e.det.RecordAck(msg.Sender)
	case MsgFail:
		e.handleFail(msg)
	}
}

// absorb applies a fully decoded message to the registry, detector and
// topology.
func (e *Engine) absorb(msg *Message) {
	e.topo.ObserveEpoch(msg.CurrentEpoch)
	if msg.NodeInfo != nil {
		e.processNodeInfo(msg.NodeInfo, msg.Sender)
	}
	for _, info := range msg.GossipNodes {
		e.processNodeInfo(info, msg.Sender)
	}
	e.peersMu.RLock()
	sender := e.peers[msg.Sender]
	e.peersMu.RUnlock()
	if sender != nil {
		sender.mu.Lock()
		sender.PongReceived = time.Now().UnixMilli()
		sender.State = detector.LivenessReachable
		sender.mu.Unlock()
	}
}

func (e *Engine) handleFail(msg *Message) {
	if msg.FailNodeID == "" || msg.FailNodeID == e.self.ID {
		return
	}
	// The sender already gathered a quorum; adopt the verdict.
	e.det.MarkUnreachable(msg.FailNodeID)

	e.peersMu.RLock()
	peer, ok := e.peers[msg.FailNodeID]
	e.peersMu.RUnlock()
	if !ok {
		return
	}
	peer.mu.Lock()
	peer.State = detector.LivenessUnreachable
	peer.mu.Unlock()

	log.WithFields(log.Fields{"node": shortID(msg.FailNodeID), "by": shortID(msg.Sender)}).
		Warn("peer marked failed via broadcast")
	if e.onNodeFail != nil {
		go e.onNodeFail(msg.FailNodeID)
	}
}

func (e *Engine) processNodeInfo(info *NodeInfo, reporter string) {
	if info.ID == "" || info.ID == e.self.ID {
		return
	}

	e.peersMu.Lock()
	peer, exists := e.peers[info.ID]
	if !exists {
		peer = &Peer{
			ID:          info.ID,
			IP:          info.IP,
			Port:        info.Port,
			ClusterPort: info.ClusterPort,
			State:       detector.LivenessReachable,
		}
		e.peers[info.ID] = peer
		log.WithFields(log.Fields{"node": shortID(info.ID), "addr": peer.Addr()}).
			Info("discovered cluster node")
		if e.onNodeJoin != nil {
			go e.onNodeJoin(info.ID, peer.Addr())
		}
	}
	e.peersMu.Unlock()
	metrics.NodesKnown.Set(float64(len(e.Peers())))

	peer.mu.Lock()
	if info.Flags&NodeFlagReplica != 0 {
		peer.Role = NodeFlagReplica
		peer.MasterID = info.MasterID
	} else {
		peer.Role = NodeFlagMaster
	}
	if info.ConfigEpoch > peer.ConfigEpoch {
		peer.ConfigEpoch = info.ConfigEpoch
	}
	isMaster := peer.Role == NodeFlagMaster
	peer.mu.Unlock()

	// A third party reporting this peer suspect corroborates our own
	// observations; reporter == info.ID never happens (nodes do not gossip
	// themselves as failed).
	if info.Flags&NodeFlagPFail != 0 && reporter != info.ID {
		e.det.RecordSuspicion(info.ID, reporter)
	}
	if info.Flags&NodeFlagFail != 0 {
		e.det.MarkUnreachable(info.ID)
	}

	// Slot claims travel with the owner's config epoch; Assign drops the
	// stale ones.
	if len(info.Slots) > 0 && isMaster {
		for _, slot := range BytesToSlots(info.Slots) {
			if e.topo.Assign(slot, info.ID, info.ConfigEpoch) && e.onSlotChange != nil {
				go e.onSlotChange(slot, info.ID)
			}
		}
	}
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pingRandomPeer()
		}
	}
}

func (e *Engine) pingRandomPeer() {
	e.peersMu.RLock()
	var candidates []*Peer
	now := time.Now().UnixMilli()
	for _, peer := range e.peers {
		if peer.ID == e.self.ID {
			continue
		}
		peer.mu.RLock()
		due := now-peer.PingSent > PingInterval.Milliseconds()
		peer.mu.RUnlock()
		if due {
			candidates = append(candidates, peer)
		}
	}
	e.peersMu.RUnlock()

	if len(candidates) == 0 {
		return
	}
	peer := candidates[rand.Intn(len(candidates))]

	msg := &Message{
		Type:         MsgPing,
		Sender:       e.self.ID,
		CurrentEpoch: e.topo.CurrentEpoch(),
		NodeInfo:     e.selfInfo(),
		GossipNodes:  e.sample(),
	}

	peer.mu.Lock()
	peer.PingSent = time.Now().UnixMilli()
	peer.mu.Unlock()

	if err := e.exchange(peer, msg); err != nil {
		e.det.RecordMiss(peer.ID)
		log.WithFields(log.Fields{"node": shortID(peer.ID)}).WithError(err).Debug("ping failed")
	}
}

// exchange performs one synchronous request/reply round trip with peer.
func (e *Engine) exchange(peer *Peer, msg *Message) error {
	conn, err := net.DialTimeout("tcp", peer.ClusterAddr(), dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	if err := e.writeFrame(conn, msg); err != nil {
		return err
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	metrics.GossipMessagesReceived.WithLabelValues(resp.Type.String()).Inc()
	if resp.Type == MsgPong {
		e.absorb(resp)
		e.det.RecordAck(resp.Sender)
	}
	return nil
}

// send is fire-and-forget, used for FAIL and UPDATE broadcasts.
func (e *Engine) send(peer *Peer, msg *Message) {
	conn, err := net.DialTimeout("tcp", peer.ClusterAddr(), dialTimeout)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))
	e.writeFrame(conn, msg)
}

func (e *Engine) failureLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkFailures()
		}
	}
}

func (e *Engine) checkFailures() {
	masterCount := e.countMasters()

	for _, peer := range e.connectedOrSuspectPeers() {
		liveness := e.det.LivenessOf(peer.ID)

		if liveness == detector.LivenessSuspect {
			peer.mu.Lock()
			if peer.State == detector.LivenessReachable {
				peer.State = detector.LivenessSuspect
				log.WithField("node", shortID(peer.ID)).Warn("peer suspected")
			}
			peer.mu.Unlock()
		}

		if e.det.ShouldFail(peer.ID, masterCount) {
			peer.mu.Lock()
			peer.State = detector.LivenessUnreachable
			peer.mu.Unlock()
			log.WithField("node", shortID(peer.ID)).Warn("peer failed, broadcasting")
			go e.broadcastFail(peer.ID)
			if e.onNodeFail != nil {
				go e.onNodeFail(peer.ID)
			}
		}
	}
}

func (e *Engine) broadcastFail(failNodeID string) {
	msg := &Message{
		Type:         MsgFail,
		Sender:       e.self.ID,
		CurrentEpoch: e.topo.CurrentEpoch(),
		FailNodeID:   failNodeID,
	}
	for _, peer := range e.connectedPeers() {
		if peer.ID == failNodeID {
			continue
		}
		go e.send(peer, msg)
	}
}

func (e *Engine) connectedPeers() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	var out []*Peer
	for _, peer := range e.peers {
		if peer.ID == e.self.ID {
			continue
		}
		peer.mu.RLock()
		ok := peer.State == detector.LivenessReachable
		peer.mu.RUnlock()
		if ok {
			out = append(out, peer)
		}
	}
	return out
}

func (e *Engine) connectedOrSuspectPeers() []*Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	var out []*Peer
	for _, peer := range e.peers {
		if peer.ID == e.self.ID {
			continue
		}
		peer.mu.RLock()
		ok := peer.State != detector.LivenessUnreachable
		peer.mu.RUnlock()
		if ok {
			out = append(out, peer)
		}
	}
	return out
}

func (e *Engine) countMasters() int {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	count := 0
	for _, peer := range e.peers {
		peer.mu.RLock()
		if peer.Role != NodeFlagReplica && peer.State != detector.LivenessUnreachable {
			count++
		}
		peer.mu.RUnlock()
	}
	return count
}

// selfInfo builds this node's gossip record including the owned-slot bitmap.
func (e *Engine) selfInfo() *NodeInfo {
	e.self.mu.RLock()
	flags := NodeFlagMaster
	if e.self.Role == NodeFlagReplica {
		flags = NodeFlagReplica
	}
	info := &NodeInfo{
		ID:          e.self.ID,
		IP:          e.self.IP,
		Port:        e.self.Port,
		ClusterPort: e.self.ClusterPort,
		Flags:       flags,
		MasterID:    e.self.MasterID,
		ConfigEpoch: e.self.ConfigEpoch,
	}
	e.self.mu.RUnlock()
	info.Slots = SlotsToBytes(e.topo.NodeSlots(e.self.ID))
	return info
}

// SetSelfEpoch records this node's own config epoch for outbound gossip.
func (e *Engine) SetSelfEpoch(epoch uint64) {
	e.self.mu.Lock()
	if epoch > e.self.ConfigEpoch {
		e.self.ConfigEpoch = epoch
	}
	e.self.mu.Unlock()
}

// sample picks up to GossipSampleSize peers to piggyback on a message,
// carrying our liveness verdicts so suspicion can be corroborated.
func (e *Engine) sample() []*NodeInfo {
	e.peersMu.RLock()
	var infos []*NodeInfo
	for _, peer := range e.peers {
		if peer.ID == e.self.ID {
			continue
		}
		peer.mu.RLock()
		flags := peer.Role
		if flags == 0 {
			flags = NodeFlagMaster
		}
		peer.mu.RUnlock()

		switch e.det.LivenessOf(peer.ID) {
		case detector.LivenessSuspect:
			flags |= NodeFlagPFail
		case detector.LivenessUnreachable:
			flags |= NodeFlagFail
		}

		peer.mu.RLock()
		infos = append(infos, &NodeInfo{
			ID:          peer.ID,
			IP:          peer.IP,
			Port:        peer.Port,
			ClusterPort: peer.ClusterPort,
			Flags:       flags,
			MasterID:    peer.MasterID,
			ConfigEpoch: peer.ConfigEpoch,
		})
		peer.mu.RUnlock()
	}
	e.peersMu.RUnlock()

	if len(infos) > GossipSampleSize {
		rand.Shuffle(len(infos), func(i, j int) {
			infos[i], infos[j] = infos[j], infos[i]
		})
		infos = infos[:GossipSampleSize]
	}
	return infos
}

func (e *Engine) writeFrame(conn net.Conn, msg *Message) error {
	data, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	metrics.GossipMessagesSent.WithLabelValues(msg.Type.String()).Inc()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
