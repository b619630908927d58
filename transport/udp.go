package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout indicates that no datagram arrived within the receive deadline.
var ErrTimeout = errors.New("receive timed out")

// readBufferSize leaves room above MaxPacketSize so oversized datagrams are
// detected instead of silently truncated.
const readBufferSize = 2048

// Endpoint implements datagram I/O with per-receive deadlines.
// It satisfies the Conn interface.
type Endpoint struct {
	conn   net.PacketConn
	buffer []byte
}

// NewEndpoint wraps an already bound packet connection.
func NewEndpoint(conn net.PacketConn) *Endpoint {
	return &Endpoint{
		conn:   conn,
		buffer: make([]byte, readBufferSize),
	}
}

// Listen binds a UDP endpoint on listenAddr. Use ":0" for an ephemeral port.
func Listen(listenAddr string) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", listenAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Listen",
		"listen_addr": conn.LocalAddr().String(),
	}).Debug("UDP endpoint bound")

	return NewEndpoint(conn), nil
}

// Send sends a packet to the specified address.
func (e *Endpoint) Send(packet Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = e.conn.WriteTo(data, addr)
	if err != nil {
		return fmt.Errorf("send seq %d to %s: %w", packet.Seq, addr, err)
	}
	return nil
}

// Receive reads the next well-formed packet. Malformed datagrams are logged
// and skipped without extending the deadline.
func (e *Endpoint) Receive(timeout time.Duration) (Packet, net.Addr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return Packet{}, nil, err
	}

	for {
		data, addr, err := e.readPacketData()
		if err != nil {
			return Packet{}, nil, err
		}

		packet, err := ParsePacket(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Debug("Discarding malformed datagram")
			continue
		}

		return packet, addr, nil
	}
}

// readPacketData reads one datagram from the connection.
func (e *Endpoint) readPacketData() ([]byte, net.Addr, error) {
	n, addr, err := e.conn.ReadFrom(e.buffer)
	if err != nil {
		return nil, nil, e.handleReadError(err)
	}

	return e.buffer[:n], addr, nil
}

// handleReadError maps deadline expiry onto ErrTimeout.
func (e *Endpoint) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Close shuts down the endpoint, unblocking any pending Receive.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the local address the endpoint is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}
