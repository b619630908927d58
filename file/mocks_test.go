package file

import (
	"testing"
	"time"

	"github.com/opd-ai/fileferry/simnet"
	"github.com/stretchr/testify/require"
)

// fakeClock is a Clock that only moves when told to.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// testTiming keeps engine tests fast.
func testTiming() Timing {
	return Timing{
		ChunkTimeout:    50 * time.Millisecond,
		SettleDelay:     time.Millisecond,
		MaxIdleRounds:   4,
		ReceiveAttempts: 10,
		DrainTimeout:    200 * time.Millisecond,
		Fin:             fastFin,
	}
}

const (
	senderAddr   = "10.0.0.1:9000"
	receiverAddr = "10.0.0.2:40000"
)

func newLink(t *testing.T) (*simnet.Network, *simnet.Conn, *simnet.Conn) {
	t.Helper()
	network := simnet.NewNetwork()
	sender, err := network.Endpoint(senderAddr)
	require.NoError(t, err)
	receiver, err := network.Endpoint(receiverAddr)
	require.NoError(t, err)
	t.Cleanup(func() {
		sender.Close()
		receiver.Close()
	})
	return network, sender, receiver
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/1024)
	}
	return data
}
