package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// DropFunc decides whether an outgoing datagram is discarded. It sees the
// serialized packet and its destination.
type DropFunc func(data []byte, addr net.Addr) bool

// LossyPacketConn wraps a net.PacketConn and silently discards a share of the
// outgoing datagrams. It is used to exercise retransmission paths, both from
// tests and from the CLI's simulated drop rate.
type LossyPacketConn struct {
	net.PacketConn

	mu       sync.Mutex
	rng      *rand.Rand
	dropRate float64
	dropFunc DropFunc
	dropped  uint64
}

// NewLossyPacketConn returns conn with outgoing datagrams dropped at dropRate
// (0 <= dropRate < 1), using a PRNG seeded with seed.
func NewLossyPacketConn(conn net.PacketConn, dropRate float64, seed uint64) *LossyPacketConn {
	return &LossyPacketConn{
		PacketConn: conn,
		rng:        rand.New(rand.NewSource(seed)),
		dropRate:   dropRate,
	}
}

// SetDropFunc installs a deterministic drop decision consulted before the
// random drop rate.
func (l *LossyPacketConn) SetDropFunc(fn DropFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropFunc = fn
}

// Dropped returns the number of datagrams discarded so far.
func (l *LossyPacketConn) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// WriteTo sends b to addr unless the datagram is selected for dropping, in
// which case it reports success without sending.
func (l *LossyPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if l.shouldDrop(b, addr) {
		logrus.WithFields(logrus.Fields{
			"function": "WriteTo",
			"peer":     addr.String(),
			"bytes":    len(b),
		}).Debug("Simulated datagram loss")
		return len(b), nil
	}
	return l.PacketConn.WriteTo(b, addr)
}

func (l *LossyPacketConn) shouldDrop(b []byte, addr net.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	drop := false
	if l.dropFunc != nil && l.dropFunc(b, addr) {
		drop = true
	} else if l.dropRate > 0 && l.rng.Float64() < l.dropRate {
		drop = true
	}

	if drop {
		l.dropped++
	}
	return drop
}
