package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// Receiver reassembles a file of known size from chunks that may arrive in
// any order, any number of times. Every chunk is acknowledged on arrival.
// An empty slot is a missing chunk; missing counts them.
type Receiver struct {
	conn     transport.Conn
	peer     net.Addr
	size     int64
	slots    [][]byte
	missing  int
	timing   Timing
	echoes   []uint32
	transfer *Transfer
}

// NewReceiver allocates the slot array for a file of size bytes sent by peer.
func NewReceiver(conn transport.Conn, peer net.Addr, size int64, timing Timing) (*Receiver, error) {
	total, err := ChunkCount(size)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		conn:    conn,
		peer:    peer,
		size:    size,
		slots:   make([][]byte, total),
		missing: total,
		timing:  timing,
	}, nil
}

// AcceptEchoes lists control sequences the peer may retransmit because our
// acknowledgment was lost. They are acknowledged again and otherwise ignored.
func (r *Receiver) AcceptEchoes(seqs ...uint32) {
	r.echoes = append(r.echoes, seqs...)
}

// Track reports newly stored bytes to t.
func (r *Receiver) Track(t *Transfer) {
	r.transfer = t
}

// Missing returns the number of chunks not yet received.
func (r *Receiver) Missing() int {
	return r.missing
}

// Receive fills the slot array. It fails with ErrWrongSequence when a
// non-echo control packet or an out-of-range chunk arrives, and with
// handshake.ErrNoAck after Timing.ReceiveAttempts consecutive periods of
// Timing.ChunkTimeout without a packet from the peer.
func (r *Receiver) Receive(ctx context.Context) error {
	if r.transfer != nil {
		if err := r.transfer.Start(); err != nil {
			return err
		}
	}

	misses := 0
	deadline := time.Now().Add(r.timing.ChunkTimeout)
	for r.missing > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, addr, err := transport.ReceiveBy(r.conn, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			misses++
			deadline = time.Now().Add(r.timing.ChunkTimeout)
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Receive",
				"peer":     r.peer.String(),
				"missing":  r.missing,
				"attempt":  misses,
				"attempts": r.timing.ReceiveAttempts,
			}).Warn("Timeout while waiting for chunks")
			if misses >= r.timing.ReceiveAttempts {
				return fmt.Errorf("%w: %d chunks missing from %s", handshake.ErrNoAck, r.missing, r.peer)
			}
			continue
		}
		if err != nil {
			return err
		}

		if !transport.SameAddr(r.peer, addr) {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Receive",
				"from":     addr.String(),
				"seq":      packet.Seq,
			}).Debug("Ignoring packet from foreign peer")
			continue
		}
		misses = 0
		deadline = time.Now().Add(r.timing.ChunkTimeout)

		if packet.IsControl() {
			if slices.Contains(r.echoes, packet.Seq) {
				if err := r.conn.Send(transport.NewAck(packet.Seq), r.peer); err != nil {
					return err
				}
				continue
			}
			return &SequenceError{Phase: "receive", Seq: packet.Seq}
		}

		if err := r.store(packet); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Receive",
		"peer":     r.peer.String(),
		"chunks":   len(r.slots),
		"size":     r.size,
	}).Info("All chunks received")

	return nil
}

// store places one chunk into its slot and acknowledges it.
func (r *Receiver) store(packet transport.Packet) error {
	index, _ := transport.ChunkIndex(packet.Seq)
	if index >= len(r.slots) {
		return &SequenceError{Phase: "receive", Seq: packet.Seq}
	}

	if want := chunkLength(r.size, index); len(packet.Payload) != want {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.store",
			"chunk":    index,
			"length":   len(packet.Payload),
			"expected": want,
		}).Warn("Dropping chunk with unexpected length")
		return nil
	}

	fresh := r.slots[index] == nil
	r.slots[index] = packet.Payload
	if err := r.conn.Send(transport.NewAck(packet.Seq), r.peer); err != nil {
		return fmt.Errorf("acknowledge chunk %d: %w", index, err)
	}

	if fresh {
		r.missing--
		if r.transfer != nil {
			r.transfer.Add(len(packet.Payload))
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.store",
			"chunk":    index,
		}).Debug("Duplicate chunk acknowledged again")
	}
	return nil
}

// WriteTo writes the slots to w in index order. It implements io.WriterTo
// and fails if any chunk is still missing.
func (r *Receiver) WriteTo(w io.Writer) (int64, error) {
	if r.missing > 0 {
		return 0, fmt.Errorf("%d chunks still missing", r.missing)
	}

	var written int64
	for _, slot := range r.slots {
		n, err := w.Write(slot)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Drain keeps answering the sender after the file is complete: chunk
// retransmissions get a FIN acknowledgment, a FIN is acknowledged and ends
// the phase, and DrainTimeout without a retransmission from the peer ends it
// silently. Other control packets and other hosts' packets are not answered
// and do not extend the phase; a handshake seen here opens the peer's next
// session and is retransmitted until the responder listens again.
func (r *Receiver) Drain(ctx context.Context) error {
	finAck := transport.NewAck(transport.SeqFin)
	deadline := time.Now().Add(r.timing.DrainTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, addr, err := transport.ReceiveBy(r.conn, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Drain",
				"peer":     r.peer.String(),
			}).Debug("Drain phase idle, assuming the sender is done")
			return nil
		}
		if err != nil {
			return err
		}
		if !transport.SameAddr(r.peer, addr) {
			continue
		}

		switch {
		case packet.Seq == transport.SeqFin:
			if err := r.conn.Send(finAck, r.peer); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Drain",
				"peer":     r.peer.String(),
			}).Debug("FIN acknowledged, drain complete")
			return nil

		case !packet.IsControl():
			if err := r.conn.Send(finAck, r.peer); err != nil {
				return err
			}
			deadline = time.Now().Add(r.timing.DrainTimeout)

		default:
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Drain",
				"seq":      packet.Seq,
			}).Debug("Ignoring control packet while draining")
		}
	}
}
