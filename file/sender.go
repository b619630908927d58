package file

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// Sender delivers an ordered set of chunks to one peer. Every round it
// bursts all unacknowledged chunks and then collects one reply per pending
// chunk; the round ends early on the first read timeout.
type Sender struct {
	conn     transport.Conn
	peer     net.Addr
	chunks   [][]byte
	timing   Timing
	stale    []uint32
	transfer *Transfer
}

// NewSender creates a sender for chunks addressed to peer.
func NewSender(conn transport.Conn, peer net.Addr, chunks [][]byte, timing Timing) *Sender {
	return &Sender{
		conn:   conn,
		peer:   peer,
		chunks: chunks,
		timing: timing,
	}
}

// IgnoreStale lists control sequences that may still arrive from an earlier
// exchange, such as a duplicated acknowledgment of the size announcement.
// They are dropped instead of failing the transfer with ErrWrongSequence.
func (s *Sender) IgnoreStale(seqs ...uint32) {
	s.stale = append(s.stale, seqs...)
}

// Track reports confirmed bytes to t.
func (s *Sender) Track(t *Transfer) {
	s.transfer = t
}

// Send runs burst/collect rounds until every chunk is acknowledged, then
// performs the FIN handshake. A missing FIN acknowledgment is logged but
// does not fail the transfer.
func (s *Sender) Send(ctx context.Context) error {
	if s.transfer != nil {
		if err := s.transfer.Start(); err != nil {
			return err
		}
	}

	if err := s.deliver(ctx); err != nil {
		return err
	}

	s.finish(ctx)
	return nil
}

// deliver empties the pending ack set.
func (s *Sender) deliver(ctx context.Context) error {
	pending := make(map[int]struct{}, len(s.chunks))
	for i := range s.chunks {
		pending[i] = struct{}{}
	}

	idleRounds := 0
	round := 0
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		round++

		if err := s.burst(pending); err != nil {
			return err
		}

		if err := sleepContext(ctx, s.timing.SettleDelay); err != nil {
			return err
		}

		acked, finished, err := s.collect(pending)
		if err != nil {
			return err
		}
		if finished {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.deliver",
				"peer":     s.peer.String(),
				"round":    round,
				"pending":  len(pending),
			}).Debug("Receiver signalled completion, clearing pending set")
			return nil
		}

		if acked > 0 {
			idleRounds = 0
			continue
		}

		idleRounds++
		logrus.WithFields(logrus.Fields{
			"function":    "Sender.deliver",
			"peer":        s.peer.String(),
			"round":       round,
			"pending":     len(pending),
			"idle_rounds": idleRounds,
		}).Warn("Collect round made no progress")

		if idleRounds >= s.timing.MaxIdleRounds {
			return fmt.Errorf("%w: %d chunks unacknowledged after %d idle rounds", ErrNoProgress, len(pending), idleRounds)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sender.deliver",
		"peer":     s.peer.String(),
		"chunks":   len(s.chunks),
		"rounds":   round,
	}).Info("All chunks acknowledged")

	return nil
}

// burst sends every pending chunk in index order.
func (s *Sender) burst(pending map[int]struct{}) error {
	for index, chunk := range s.chunks {
		if _, ok := pending[index]; !ok {
			continue
		}
		packet := transport.Packet{Seq: transport.ChunkSeq(index), Payload: chunk}
		if err := s.conn.Send(packet, s.peer); err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sender.burst",
		"peer":     s.peer.String(),
		"pending":  len(pending),
	}).Debug("Burst sent")

	return nil
}

// collect reads up to one reply per pending chunk, each within
// Timing.ChunkTimeout. Packets from other peers and stale control
// acknowledgments are not counted as replies and do not extend the wait. It
// reports how many chunks were newly acknowledged and whether the receiver
// already answered with FIN. A rejection from the receiver ends the transfer
// with handshake.ErrRejected.
func (s *Sender) collect(pending map[int]struct{}) (int, bool, error) {
	acked := 0
	replies := len(pending)
	deadline := time.Now().Add(s.timing.ChunkTimeout)

	for replies > 0 {
		packet, addr, err := transport.ReceiveBy(s.conn, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.collect",
				"peer":     s.peer.String(),
				"pending":  len(pending),
			}).Debug("Timed out waiting for acknowledgment, abandoning round")
			return acked, false, nil
		}
		if err != nil {
			return acked, false, err
		}

		if !transport.SameAddr(s.peer, addr) {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.collect",
				"from":     addr.String(),
				"seq":      packet.Seq,
			}).Debug("Ignoring packet from foreign peer")
			continue
		}

		if packet.Seq == transport.SeqFin {
			for index := range pending {
				delete(pending, index)
				if s.transfer != nil {
					s.transfer.Add(len(s.chunks[index]))
				}
			}
			return acked, true, nil
		}

		if packet.Seq == transport.SeqRejected {
			err := handshake.AcceptRejection(s.conn, s.peer, packet)
			logrus.WithFields(logrus.Fields{
				"function": "Sender.collect",
				"peer":     s.peer.String(),
				"reason":   string(packet.Payload),
			}).Warn("Receiver rejected the transfer")
			return acked, false, err
		}

		if packet.IsControl() {
			if slices.Contains(s.stale, packet.Seq) {
				logrus.WithFields(logrus.Fields{
					"function": "Sender.collect",
					"seq":      packet.Seq,
				}).Debug("Ignoring stale control acknowledgment")
				continue
			}
			return acked, false, &SequenceError{Phase: "send", Seq: packet.Seq}
		}

		replies--
		deadline = time.Now().Add(s.timing.ChunkTimeout)
		index, _ := transport.ChunkIndex(packet.Seq)
		if _, ok := pending[index]; ok {
			delete(pending, index)
			acked++
			if s.transfer != nil {
				s.transfer.Add(len(s.chunks[index]))
			}
		}
	}

	return acked, false, nil
}

// finish sends FIN and waits for its acknowledgment. Failure is soft.
func (s *Sender) finish(ctx context.Context) {
	fin := transport.Packet{Seq: transport.SeqFin}
	err := handshake.SendWithAck(ctx, s.conn, s.peer, fin, s.timing.Fin)

	fields := logrus.Fields{
		"function": "Sender.finish",
		"peer":     s.peer.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("FIN was not acknowledged, assuming the receiver is done")
		return
	}
	logrus.WithFields(fields).Debug("FIN acknowledged")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
