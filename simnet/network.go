package simnet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// inboxSize bounds the datagrams queued per endpoint; overflow is dropped
// like a full socket buffer would.
const inboxSize = 4096

// DeliveryRecord represents a datagram send event for test verification.
type DeliveryRecord struct {
	From      net.Addr
	To        net.Addr
	Seq       uint32
	Size      int
	Timestamp time.Time
	Dropped   bool
}

// DropFunc decides whether the datagram described by rec is lost.
type DropFunc func(rec DeliveryRecord) bool

// Network is an in-memory datagram network connecting simulated endpoints.
type Network struct {
	mu          sync.RWMutex
	endpoints   map[string]*Conn
	deliveryLog []DeliveryRecord
	drop        DropFunc
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{
		endpoints:   make(map[string]*Conn),
		deliveryLog: make([]DeliveryRecord, 0),
	}
}

// Endpoint attaches a new endpoint at addr ("host:port").
func (n *Network) Endpoint(addr string) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[udpAddr.String()]; exists {
		return nil, fmt.Errorf("address %s already in use", udpAddr)
	}

	conn := &Conn{
		network: n,
		addr:    udpAddr,
		inbox:   make(chan envelope, inboxSize),
		closed:  make(chan struct{}),
	}
	n.endpoints[udpAddr.String()] = conn

	logrus.WithFields(logrus.Fields{
		"function": "Network.Endpoint",
		"addr":     udpAddr.String(),
	}).Debug("Simulated endpoint attached")

	return conn, nil
}

// SetDropFunc installs the loss model. nil delivers everything.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// DeliveryLog returns a copy of every send recorded so far.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// ClearDeliveryLog resets the log between test phases.
func (n *Network) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = n.deliveryLog[:0]
}

// deliver routes one datagram, applying the loss model.
func (n *Network) deliver(from *Conn, packet transport.Packet, to net.Addr) error {
	if _, err := packet.Serialize(); err != nil {
		return err
	}

	n.mu.Lock()
	rec := DeliveryRecord{
		From:      from.addr,
		To:        to,
		Seq:       packet.Seq,
		Size:      len(packet.Payload),
		Timestamp: time.Now(),
	}
	if n.drop != nil && n.drop(rec) {
		rec.Dropped = true
	}
	n.deliveryLog = append(n.deliveryLog, rec)
	target := n.endpoints[to.String()]
	n.mu.Unlock()

	if rec.Dropped || target == nil {
		return nil
	}

	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)

	select {
	case target.inbox <- envelope{packet: transport.Packet{Seq: packet.Seq, Payload: payload}, from: from.addr}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Network.deliver",
			"to":       to.String(),
			"seq":      packet.Seq,
		}).Warn("Simulated inbox full, datagram dropped")
	}
	return nil
}

func (n *Network) detach(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, c.addr.String())
}

type envelope struct {
	packet transport.Packet
	from   net.Addr
}

// Conn is a simulated endpoint. It satisfies transport.Conn.
type Conn struct {
	network *Network
	addr    *net.UDPAddr
	inbox   chan envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Send implements transport.Conn.
func (c *Conn) Send(packet transport.Packet, addr net.Addr) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	return c.network.deliver(c, packet, addr)
}

// Receive implements transport.Conn.
func (c *Conn) Receive(timeout time.Duration) (transport.Packet, net.Addr, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case env := <-c.inbox:
		return env.packet, env.from, nil
	case <-expired:
		return transport.Packet{}, nil, fmt.Errorf("%w: simulated deadline", transport.ErrTimeout)
	case <-c.closed:
		return transport.Packet{}, nil, net.ErrClosed
	}
}

// LocalAddr implements transport.Conn.
func (c *Conn) LocalAddr() net.Addr {
	return c.addr
}

// Close detaches the endpoint and unblocks pending receives.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.detach(c)
	})
	return nil
}

// DropOnce returns a DropFunc that loses only the first datagram matching match.
func DropOnce(match func(rec DeliveryRecord) bool) DropFunc {
	var mu sync.Mutex
	done := false
	return func(rec DeliveryRecord) bool {
		mu.Lock()
		defer mu.Unlock()
		if done || !match(rec) {
			return false
		}
		done = true
		return true
	}
}

// DropAll returns a DropFunc that loses every datagram matching match.
func DropAll(match func(rec DeliveryRecord) bool) DropFunc {
	return func(rec DeliveryRecord) bool {
		return match(rec)
	}
}

// Sent filters the delivery log to datagrams sent from addr.
func Sent(log []DeliveryRecord, from net.Addr) []DeliveryRecord {
	var out []DeliveryRecord
	for _, rec := range log {
		if transport.SameAddr(from, rec.From) {
			out = append(out, rec)
		}
	}
	return out
}
