package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// ErrFileNotFound indicates that the responder has no file by the requested name.
var ErrFileNotFound = errors.New("file not found")

// ErrRejected indicates that the responder refused an upload after the
// handshake. The wrapping error carries the responder's reason.
var ErrRejected = errors.New("upload rejected")

// Request sends d to server tagged SeqHandshake and waits for its
// acknowledgment under retry.
func Request(ctx context.Context, conn transport.Conn, server net.Addr, d Descriptor, retry Retry) error {
	payload, err := EncodeDescriptor(d)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Request",
		"server":   server.String(),
		"action":   d.Action(),
		"filename": d.Filename(),
	}).Info("Sending transfer descriptor")

	packet := transport.Packet{Seq: transport.SeqHandshake, Payload: payload}
	if err := SendWithAck(ctx, conn, server, packet, retry); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Await waits for a valid descriptor tagged SeqHandshake, acknowledges it and
// returns the requesting peer. Payloads that fail to decode are discarded.
// Each read is bounded by poll so ctx is observed between packets.
func Await(ctx context.Context, conn transport.Conn, poll time.Duration) (net.Addr, Descriptor, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		packet, addr, err := conn.Receive(poll)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if packet.Seq != transport.SeqHandshake {
			handleStrayControl(conn, packet, addr)
			continue
		}

		descriptor, err := DecodeDescriptor(packet.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Await",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Debug("Got bogus handshake payload, ignoring")
			continue
		}

		if err := conn.Send(transport.NewAck(transport.SeqHandshake), addr); err != nil {
			return nil, nil, err
		}

		logrus.WithFields(logrus.Fields{
			"function": "Await",
			"peer":     addr.String(),
			"action":   descriptor.Action(),
			"filename": descriptor.Filename(),
		}).Info("Received transfer descriptor")

		return addr, descriptor, nil
	}
}

// handleStrayControl deals with packets that reach the responder between
// sessions. A FIN from a sender whose previous session already ended is
// acknowledged so it can stop retrying; everything else is dropped.
func handleStrayControl(conn transport.Conn, packet transport.Packet, addr net.Addr) {
	fields := logrus.Fields{
		"function": "Await",
		"peer":     addr.String(),
		"seq":      packet.Seq,
	}

	if packet.Seq == transport.SeqFin {
		if err := conn.Send(transport.NewAck(transport.SeqFin), addr); err != nil {
			fields["error"] = err.Error()
			logrus.WithFields(fields).Warn("Failed to acknowledge stray FIN")
			return
		}
		logrus.WithFields(fields).Debug("Acknowledged FIN from a finished session")
		return
	}

	logrus.WithFields(fields).Debug("Got an unexpected sequence number, continuing")
}

// AnnounceSize tells the downloading peer how many bytes will follow. A
// retransmitted handshake is re-acknowledged while waiting.
func AnnounceSize(ctx context.Context, conn transport.Conn, peer net.Addr, size int64, retry Retry) error {
	packet := transport.Packet{
		Seq:     transport.SeqSize,
		Payload: []byte(strconv.FormatInt(size, 10)),
	}
	if err := SendWithAck(ctx, conn, peer, packet, retry, transport.SeqHandshake); err != nil {
		return fmt.Errorf("size announcement: %w", err)
	}
	return nil
}

// AnnounceNotFound answers a download of a missing file in place of the size
// announcement.
func AnnounceNotFound(ctx context.Context, conn transport.Conn, peer net.Addr, name string, retry Retry) error {
	packet := transport.Packet{Seq: transport.SeqNotFound, Payload: truncate(name)}
	if err := SendWithAck(ctx, conn, peer, packet, retry, transport.SeqHandshake); err != nil {
		return fmt.Errorf("not-found announcement: %w", err)
	}
	return nil
}

// Reject refuses the upload announced by peer, sending reason in place of
// the first chunk acknowledgment.
func Reject(ctx context.Context, conn transport.Conn, peer net.Addr, reason string, retry Retry) error {
	packet := transport.Packet{Seq: transport.SeqRejected, Payload: truncate(reason)}
	if err := SendWithAck(ctx, conn, peer, packet, retry, transport.SeqHandshake); err != nil {
		return fmt.Errorf("rejection: %w", err)
	}
	return nil
}

// AcceptRejection acknowledges a SeqRejected packet from peer and returns
// the refusal as an ErrRejected error.
func AcceptRejection(conn transport.Conn, peer net.Addr, packet transport.Packet) error {
	rejected := fmt.Errorf("%w: %s", ErrRejected, string(packet.Payload))
	if err := conn.Send(transport.NewAck(transport.SeqRejected), peer); err != nil {
		return errors.Join(rejected, err)
	}
	return rejected
}

func truncate(s string) []byte {
	payload := []byte(s)
	if len(payload) > transport.MaxPayloadSize {
		payload = payload[:transport.MaxPayloadSize]
	}
	return payload
}

// AwaitSize waits for the server's answer to a download request: the size
// announcement (returned) or the not-found reply (ErrFileNotFound). Either is
// acknowledged. The wait gives up after retry.Attempts periods of
// retry.Timeout without an answer; packets from other hosts do not extend a
// period.
func AwaitSize(ctx context.Context, conn transport.Conn, server net.Addr, retry Retry) (int64, error) {
	misses := 0
	deadline := time.Now().Add(retry.Timeout)
	for misses < retry.Attempts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		packet, addr, err := transport.ReceiveBy(conn, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			misses++
			deadline = time.Now().Add(retry.Timeout)
			logrus.WithFields(logrus.Fields{
				"function": "AwaitSize",
				"server":   server.String(),
				"attempt":  misses,
				"attempts": retry.Attempts,
			}).Warn("Timeout while waiting for size announcement")
			continue
		}
		if err != nil {
			return 0, err
		}
		if !transport.SameAddr(server, addr) {
			continue
		}

		switch packet.Seq {
		case transport.SeqSize:
			size, err := strconv.ParseInt(string(packet.Payload), 10, 64)
			if err != nil || size < 0 {
				logrus.WithFields(logrus.Fields{
					"function": "AwaitSize",
					"payload":  string(packet.Payload),
				}).Warn("Ignoring unparsable size announcement")
				continue
			}
			if err := conn.Send(transport.NewAck(transport.SeqSize), addr); err != nil {
				return 0, err
			}
			logrus.WithFields(logrus.Fields{
				"function": "AwaitSize",
				"server":   server.String(),
				"filesize": size,
			}).Info("Received size announcement")
			return size, nil

		case transport.SeqNotFound:
			if err := conn.Send(transport.NewAck(transport.SeqNotFound), addr); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, string(packet.Payload))

		default:
			logrus.WithFields(logrus.Fields{
				"function": "AwaitSize",
				"seq":      packet.Seq,
			}).Debug("Ignoring packet while waiting for size announcement")
		}
	}

	return 0, fmt.Errorf("%w: no size announcement from %s after %d attempts", ErrNoAck, server, retry.Attempts)
}
