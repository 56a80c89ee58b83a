package gossip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kverrors "github.com/Genuineh/AiKv/pkg/errors"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := &Message{
		Type:         MsgPing,
		Sender:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CurrentEpoch: 42,
		NodeInfo: &NodeInfo{
			ID:          "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			IP:          "10.0.0.1",
			Port:        6379,
			ClusterPort: 16379,
			Flags:       NodeFlagMaster,
			ConfigEpoch: 7,
			Slots:       SlotsToBytes([]uint16{0, 1, 100, 16383}),
		},
		GossipNodes: []*NodeInfo{
			{ID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Flags: NodeFlagMaster | NodeFlagPFail},
		},
	}

	data, err := EncodeFrame(msg)
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, MsgPing, got.Type)
	assert.Equal(t, msg.Sender, got.Sender)
	assert.Equal(t, uint64(42), got.CurrentEpoch)
	require.NotNil(t, got.NodeInfo)
	assert.Equal(t, uint64(7), got.NodeInfo.ConfigEpoch)
	assert.Equal(t, []uint16{0, 1, 100, 16383}, BytesToSlots(got.NodeInfo.Slots))
	require.Len(t, got.GossipNodes, 1)
	assert.NotZero(t, got.GossipNodes[0].Flags&NodeFlagPFail)
}

func TestFrameFailMessage(t *testing.T) {
	msg := &Message{
		Type:       MsgFail,
		Sender:     "cccccccccccccccccccccccccccccccccccccccc",
		FailNodeID: "dddddddddddddddddddddddddddddddddddddddd",
	}
	data, err := EncodeFrame(msg)
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, MsgFail, got.Type)
	assert.Equal(t, msg.FailNodeID, got.FailNodeID)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	msg := &Message{Type: MsgPing, Sender: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	data, err := EncodeFrame(msg)
	require.NoError(t, err)

	data[0] = 99
	_, err = ReadFrame(bytes.NewReader(data))
	assert.ErrorIs(t, err, kverrors.ErrBadFrame)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	msg := &Message{Type: MsgPing, Sender: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	data, err := EncodeFrame(msg)
	require.NoError(t, err)

	// Claim a payload larger than the cap.
	data[headerLen-4] = 0xFF
	data[headerLen-3] = 0xFF
	data[headerLen-2] = 0xFF
	data[headerLen-1] = 0xFF
	_, err = ReadFrame(bytes.NewReader(data))
	assert.ErrorIs(t, err, kverrors.ErrBadFrame)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	msg := &Message{
		Type:     MsgPong,
		Sender:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		NodeInfo: &NodeInfo{ID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	data, err := EncodeFrame(msg)
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(data[:len(data)-5]))
	assert.Error(t, err)
}

func TestSlotBitmapRoundTrip(t *testing.T) {
	cases := [][]uint16{
		nil,
		{0},
		{16383},
		{0, 8191, 8192, 16383},
	}
	for _, slots := range cases {
		got := BytesToSlots(SlotsToBytes(slots))
		if len(slots) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, slots, got)
		}
	}
}

func TestSlotBitmapDense(t *testing.T) {
	slots := make([]uint16, 0, 5461)
	for s := uint16(0); s <= 5460; s++ {
		slots = append(slots, s)
	}
	bm := SlotsToBytes(slots)
	assert.Len(t, bm, slotBitmapLen)
	assert.Equal(t, slots, BytesToSlots(bm))
}
