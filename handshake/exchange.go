package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// ErrNoAck indicates that the retry budget ran out while waiting for an
// acknowledgment.
var ErrNoAck = errors.New("no acknowledgment received")

// Retry is the fixed retry cadence of a control exchange: each attempt waits
// Timeout for the acknowledgment, and at most Attempts sends are made.
type Retry struct {
	Timeout  time.Duration
	Attempts int
}

// DefaultRetry returns the handshake cadence: 5 attempts of 2 seconds.
func DefaultRetry() Retry {
	return Retry{Timeout: 2 * time.Second, Attempts: 5}
}

// newBackOff builds the constant, bounded, cancellable policy for r.
func (r Retry) newBackOff(ctx context.Context) backoff.BackOff {
	var policy backoff.BackOff = backoff.NewConstantBackOff(0)
	if r.Attempts <= 1 {
		// WithMaxRetries treats zero as unlimited.
		policy = &backoff.StopBackOff{}
	} else {
		policy = backoff.WithMaxRetries(policy, uint64(r.Attempts-1))
	}
	return backoff.WithContext(policy, ctx)
}

// SendWithAck sends packet to peer and waits for an acknowledgment carrying
// the same sequence number, resending after every timeout until the retry
// budget is exhausted. Packets tagged with one of echoes are retransmissions
// of a control message we already acknowledged; they are acknowledged again
// and otherwise ignored. Any other packet is treated as not yet arrived.
func SendWithAck(ctx context.Context, conn transport.Conn, peer net.Addr, packet transport.Packet, retry Retry, echoes ...uint32) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := conn.Send(packet, peer); err != nil {
			return backoff.Permanent(err)
		}

		err := awaitAck(conn, peer, packet.Seq, retry.Timeout, echoes)
		if err != nil && !errors.Is(err, transport.ErrTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "SendWithAck",
			"peer":     peer.String(),
			"seq":      packet.Seq,
			"attempt":  attempt,
			"attempts": retry.Attempts,
		}).Warn("No acknowledgment yet, resending")
	}

	err := backoff.RetryNotify(operation, retry.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, transport.ErrTimeout) {
		return fmt.Errorf("%w: seq %d from %s after %d attempts", ErrNoAck, packet.Seq, peer, attempt)
	}
	return err
}

// awaitAck reads until an acknowledgment for seq arrives from peer or timeout
// elapses. Unrelated packets do not extend the wait.
func awaitAck(conn transport.Conn, peer net.Addr, seq uint32, timeout time.Duration, echoes []uint32) error {
	deadline := time.Now().Add(timeout)

	for {
		packet, addr, err := transport.ReceiveBy(conn, deadline)
		if err != nil {
			return err
		}

		if !transport.SameAddr(peer, addr) {
			logrus.WithFields(logrus.Fields{
				"function": "awaitAck",
				"peer":     addr.String(),
				"seq":      packet.Seq,
			}).Debug("Ignoring packet from foreign peer")
			continue
		}

		if packet.Seq == seq {
			return nil
		}

		if slices.Contains(echoes, packet.Seq) {
			if err := conn.Send(transport.NewAck(packet.Seq), addr); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "awaitAck",
				"peer":     addr.String(),
				"seq":      packet.Seq,
			}).Debug("Re-acknowledged retransmitted control message")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "awaitAck",
			"expected": seq,
			"seq":      packet.Seq,
		}).Debug("Packet is not the expected acknowledgment, still waiting")
	}
}
