package transport

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossyPacketConn_DropFunc(t *testing.T) {
	receiver := newLoopbackEndpoint(t)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	lossy := NewLossyPacketConn(raw, 0, 1)
	lossy.SetDropFunc(func(data []byte, _ net.Addr) bool {
		return binary.LittleEndian.Uint32(data) == 11
	})
	sender := NewEndpoint(lossy)
	defer sender.Close()

	for seq := uint32(10); seq <= 12; seq++ {
		require.NoError(t, sender.Send(Packet{Seq: seq, Payload: []byte{byte(seq)}}, receiver.LocalAddr()))
	}

	var got []uint32
	for {
		packet, _, err := receiver.Receive(100 * time.Millisecond)
		if err != nil {
			assert.ErrorIs(t, err, ErrTimeout)
			break
		}
		got = append(got, packet.Seq)
	}

	assert.Equal(t, []uint32{10, 12}, got)
	assert.Equal(t, uint64(1), lossy.Dropped())
}

func TestLossyPacketConn_DropRate(t *testing.T) {
	receiver := newLoopbackEndpoint(t)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	lossy := NewLossyPacketConn(raw, 0.5, 7)
	defer lossy.Close()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := lossy.WriteTo([]byte{10, 0, 0, 0}, receiver.LocalAddr())
		require.NoError(t, err)
	}

	dropped := lossy.Dropped()
	assert.Greater(t, dropped, uint64(total/4))
	assert.Less(t, dropped, uint64(3*total/4))
}

func TestLossyPacketConn_ZeroRateDropsNothing(t *testing.T) {
	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	lossy := NewLossyPacketConn(raw, 0, 3)
	defer lossy.Close()

	for i := 0; i < 50; i++ {
		_, err := lossy.WriteTo([]byte{0, 0, 0, 0}, raw.LocalAddr())
		require.NoError(t, err)
	}
	assert.Zero(t, lossy.Dropped())
}
