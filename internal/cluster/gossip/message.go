package gossip

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// Wire framing for the cluster bus.
//
// Every message starts with a fixed self-describing header:
//
//	[0]     version (currently 1)
//	[1]     kind
//	[2:42]  sender node id, 40 hex bytes
//	[42:50] sender config epoch, big endian
//	[50:54] payload length, big endian
//
// followed by a gob-encoded Message payload. Gob keeps the payload
// self-describing so fields can be added without breaking older peers; the
// header carries enough to reject a frame (bad version, oversized payload)
// before decoding it.

const (
	frameVersion   = 1
	headerLen      = 1 + 1 + nodeIDLen + 8 + 4
	nodeIDLen      = 40
	maxPayloadSize = 1 << 20

	slotBitmapLen = 16384 / 8
)

// MessageType identifies a cluster bus message kind.
type MessageType uint8

const (
	MsgPing MessageType = iota + 1
	MsgPong
	MsgMeet
	MsgFail
	MsgUpdate
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgMeet:
		return "MEET"
	case MsgFail:
		return "FAIL"
	case MsgUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Node status flags carried in gossip samples.
const (
	NodeFlagMaster  uint16 = 1 << 0
	NodeFlagReplica uint16 = 1 << 1
	NodeFlagPFail   uint16 = 1 << 2
	NodeFlagFail    uint16 = 1 << 3
)

// NodeInfo is the gossip view of a single node: identity, role flags, config
// epoch and (for the sender itself) its owned-slot bitmap.
type NodeInfo struct {
	ID          string
	IP          string
	Port        int
	ClusterPort int
	Flags       uint16
	MasterID    string
	ConfigEpoch uint64
	Slots       []byte // 2048-byte ownership bitmap, empty in peer samples
}

// Message is the payload of a bus frame.
type Message struct {
	Type MessageType
	// Sender repeats the header sender id so handlers that only see the
	// decoded payload stay self-contained.
	Sender       string
	CurrentEpoch uint64
	NodeInfo     *NodeInfo
	GossipNodes  []*NodeInfo
	FailNodeID   string
}

// EncodeFrame serializes msg into a framed header + gob payload.
func EncodeFrame(msg *Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(msg); err != nil {
		return nil, err
	}
	if payload.Len() > maxPayloadSize {
		return nil, pkgerrors.ErrBadFrame
	}

	buf := make([]byte, headerLen+payload.Len())
	buf[0] = frameVersion
	buf[1] = byte(msg.Type)
	var id [nodeIDLen]byte
	copy(id[:], msg.Sender)
	copy(buf[2:2+nodeIDLen], id[:])
	binary.BigEndian.PutUint64(buf[2+nodeIDLen:], msg.CurrentEpoch)
	binary.BigEndian.PutUint32(buf[2+nodeIDLen+8:], uint32(payload.Len()))
	copy(buf[headerLen:], payload.Bytes())
	return buf, nil
}

// ReadFrame reads and decodes one frame from r. Malformed frames yield
// ErrBadFrame; callers log and drop them without tearing anything down.
func ReadFrame(r io.Reader) (*Message, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != frameVersion {
		return nil, pkgerrors.ErrBadFrame
	}

	kind := MessageType(header[1])
	if kind < MsgPing || kind > MsgUpdate {
		return nil, pkgerrors.ErrBadFrame
	}

	length := binary.BigEndian.Uint32(header[2+nodeIDLen+8:])
	if length > maxPayloadSize {
		return nil, pkgerrors.ErrBadFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return nil, pkgerrors.ErrBadFrame
	}

	// The header is authoritative for routing fields.
	msg.Type = kind
	msg.Sender = string(bytes.TrimRight(header[2:2+nodeIDLen], "\x00"))
	msg.CurrentEpoch = binary.BigEndian.Uint64(header[2+nodeIDLen:])
	return &msg, nil
}

// SlotsToBytes packs slot numbers into the wire bitmap.
func SlotsToBytes(slots []uint16) []byte {
	bitmap := make([]byte, slotBitmapLen)
	for _, slot := range slots {
		bitmap[slot/8] |= 1 << (slot % 8)
	}
	return bitmap
}

// BytesToSlots unpacks the wire bitmap into slot numbers.
func BytesToSlots(bitmap []byte) []uint16 {
	var slots []uint16
	for i := 0; i < len(bitmap)*8 && i < 16384; i++ {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			slots = append(slots, uint16(i))
		}
	}
	return slots
}
