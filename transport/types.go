package transport

import (
	"net"
	"time"
)

// Conn is the datagram endpoint the protocol engines run on. It is satisfied
// by *Endpoint; tests substitute scripted peers.
type Conn interface {
	// Send writes one packet to addr.
	Send(packet Packet, addr net.Addr) error

	// Receive waits up to timeout for the next well-formed packet. A zero
	// timeout waits indefinitely. Expiry returns an error matching ErrTimeout.
	Receive(timeout time.Duration) (Packet, net.Addr, error)

	// LocalAddr returns the local address of the endpoint.
	LocalAddr() net.Addr
}

// SameAddr reports whether a and b name the same UDP peer. A nil expected
// address matches anything.
func SameAddr(expected, got net.Addr) bool {
	if expected == nil {
		return true
	}
	if got == nil {
		return false
	}

	eu, ok1 := expected.(*net.UDPAddr)
	gu, ok2 := got.(*net.UDPAddr)
	if ok1 && ok2 {
		return eu.Port == gu.Port && eu.IP.Equal(gu.IP)
	}

	return expected.String() == got.String()
}

// ReceiveBy reads the next packet from conn that arrives before deadline.
// Loops that skip unrelated packets pass the same deadline again so those
// packets cannot extend the wait.
func ReceiveBy(conn Conn, deadline time.Time) (Packet, net.Addr, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return Packet{}, nil, ErrTimeout
	}
	return conn.Receive(remaining)
}
