package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/storage"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// DefaultIdleTimeout bounds every read and write of a transfer.
const DefaultIdleTimeout = 30 * time.Second

// Server stores uploads in, and serves downloads from, a Store. Connections
// are handled one at a time.
type Server struct {
	store  *storage.Store
	idle   time.Duration
	onDone func(handshake.Action, string, error)
}

// NewServer creates a stream server. A non-positive idle uses
// DefaultIdleTimeout.
func NewServer(store *storage.Store, idle time.Duration) *Server {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Server{store: store, idle: idle}
}

// OnTransferDone registers a callback invoked after every handled
// connection with its action, filename and outcome.
func (s *Server) OnTransferDone(callback func(handshake.Action, string, error)) {
	s.onDone = callback
}

// ServeTCP accepts connections from ln until ctx is cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "Server.ServeTCP",
		"addr":     ln.Addr().String(),
	}).Info("Stream server listening")

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		tcp, ok := c.(*net.TCPConn)
		if !ok {
			c.Close()
			continue
		}
		s.Handle(ctx, tcp)
	}
}

// ServeQUIC accepts connections from ln until ctx is cancelled.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.ServeQUIC",
		"addr":     ln.Addr().String(),
	}).Info("Stream server listening")

	for {
		conn, err := acceptQUIC(ctx, ln)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		s.Handle(ctx, conn)
	}
}

// Handle serves one transfer on conn and closes it.
func (s *Server) Handle(ctx context.Context, conn Conn) error {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.idle))

	action, name, err := ReceiveDescriptor(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.Handle",
			"error":    err.Error(),
		}).Warn("Dropping connection with bad descriptor")
		return err
	}

	switch action {
	case handshake.ActionUpload:
		err = s.storeUpload(ctx, conn, name)
	default:
		err = s.sendDownload(ctx, conn, name)
	}

	fields := logrus.Fields{
		"function": "Server.Handle",
		"action":   action,
		"filename": name,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Stream transfer failed")
	} else {
		logrus.WithFields(fields).Info("Stream transfer done")
	}

	if s.onDone != nil {
		s.onDone(action, name, err)
	}
	return err
}

// storeUpload reads the file until the client ends its side.
func (s *Server) storeUpload(ctx context.Context, conn Conn, name string) error {
	dst, err := s.store.Create(name)
	if err != nil {
		return err
	}

	transfer := file.NewTransfer(name, 0, file.TransferDirectionIncoming)
	transfer.Start()

	n, err := StreamTo(dst, conn, s.idle, transfer)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		dst.Abort()
		transfer.Complete(err)
		return fmt.Errorf("receive %s after %d bytes: %w", name, n, err)
	}
	if err := dst.Commit(); err != nil {
		transfer.Complete(err)
		return err
	}
	transfer.Complete(nil)

	conn.CloseWrite()
	return nil
}

// sendDownload answers the existence flag and, when the file exists, its
// bytes.
func (s *Server) sendDownload(ctx context.Context, conn Conn, name string) error {
	size, err := s.store.Size(name)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrPathEscape) {
		if ferr := SendFlag(conn, false); ferr != nil {
			return fmt.Errorf("%w (%w)", err, ferr)
		}
		conn.CloseWrite()
		linger(conn, s.idle)
		return err
	}
	if err != nil {
		return err
	}

	src, err := s.store.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := SendFlag(conn, true); err != nil {
		return err
	}

	transfer := file.NewTransfer(name, size, file.TransferDirectionOutgoing)
	transfer.Start()
	_, err = StreamFrom(conn, src, s.idle, transfer)
	if err == nil {
		err = ctx.Err()
	}
	transfer.Complete(err)
	if err != nil {
		return err
	}

	conn.CloseWrite()
	linger(conn, s.idle)
	return nil
}
