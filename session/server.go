package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// ErrUploadTooLarge indicates an upload above Options.MaxUploadSize.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// DefaultMaxUploadSize bounds uploads unless configured otherwise. The
// receive path holds the whole file in memory until it is complete.
const DefaultMaxUploadSize int64 = 1 << 30

// Options tunes a Server.
type Options struct {
	// Timing drives the chunk engines.
	Timing file.Timing
	// Handshake is the retry cadence of the size and not-found announcements.
	Handshake handshake.Retry
	// Poll bounds each wait for a descriptor so cancellation is observed.
	Poll time.Duration
	// MaxUploadSize rejects larger uploads before any buffer is allocated;
	// zero means no limit.
	MaxUploadSize int64
}

// DefaultOptions returns production options.
func DefaultOptions() Options {
	return Options{
		Timing:        file.DefaultTiming(),
		Handshake:     handshake.DefaultRetry(),
		Poll:          time.Second,
		MaxUploadSize: DefaultMaxUploadSize,
	}
}

// Server answers transfer requests on one datagram endpoint, strictly one
// session at a time.
type Server struct {
	conn   transport.Conn
	store  *storage.Store
	opts   Options
	onDone func(*Session)
}

// NewServer creates a server storing files in store.
func NewServer(conn transport.Conn, store *storage.Store, opts Options) *Server {
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	return &Server{conn: conn, store: store, opts: opts}
}

// OnSessionDone registers a callback invoked after every session, successful
// or not.
func (s *Server) OnSessionDone(callback func(*Session)) {
	s.onDone = callback
}

// Serve runs sessions until ctx is cancelled or the endpoint fails. Session
// failures are logged and do not stop the server.
func (s *Server) Serve(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"addr":     s.conn.LocalAddr().String(),
		"root":     s.store.Root(),
	}).Info("Datagram server listening")

	for {
		sess, err := s.ServeOne(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.Serve",
			}).Info("Datagram server stopped")
			return ctxErr
		}
		if sess == nil || errors.Is(err, net.ErrClosed) {
			return err
		}
	}
}

// ServeOne runs exactly one session. It returns a nil session when no
// descriptor could be obtained.
func (s *Server) ServeOne(ctx context.Context) (*Session, error) {
	sess := newSession()
	err := s.runSession(ctx, sess)
	sess.Err = err

	if sess.Peer == nil {
		return nil, err
	}

	fields := logrus.Fields{
		"function":   "Server.ServeOne",
		"session_id": sess.ID.String(),
		"peer":       sess.Peer.String(),
		"action":     sess.Descriptor.Action(),
		"filename":   sess.Descriptor.Filename(),
		"elapsed":    time.Since(sess.Started).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Session abandoned")
	} else {
		logrus.WithFields(fields).Info("Session done")
	}

	if s.onDone != nil {
		s.onDone(sess)
	}
	return sess, err
}

// runSession performs the action of the current state and feeds the
// resulting event back into Transition until the session is done.
func (s *Server) runSession(ctx context.Context, sess *Session) error {
	var failure error

	for sess.State != StateDone {
		var event Event

		switch sess.State {
		case StateFreshStart:
			peer, descriptor, err := handshake.Await(ctx, s.conn, s.opts.Poll)
			if err != nil {
				return err
			}
			sess.accept(peer, descriptor)
			event = EventDescriptor

		case StateGotMetadata:
			switch sess.Descriptor.(type) {
			case handshake.Upload:
				event = EventUpload
			case handshake.Download:
				event = EventDownload
			default:
				failure = fmt.Errorf("unsupported descriptor %T", sess.Descriptor)
				event = EventAbandon
			}

		case StateUploading:
			failure = s.receiveUpload(ctx, sess, sess.Descriptor.(handshake.Upload))
			event = outcome(failure)

		case StateDownloading:
			failure = s.sendDownload(ctx, sess, sess.Descriptor.(handshake.Download))
			event = outcome(failure)
		}

		from := sess.State
		if err := sess.apply(event); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Server.runSession",
			"session_id": sess.ID.String(),
			"from":       from.String(),
			"event":      event.String(),
			"to":         sess.State.String(),
		}).Debug("Session transition")
	}

	return failure
}

func outcome(err error) Event {
	if err != nil {
		return EventAbandon
	}
	return EventTransferDone
}

// receiveUpload runs the receive path for an upload, commits the file and
// drains. An upload that cannot be stored is refused before the receive path
// starts.
func (s *Server) receiveUpload(ctx context.Context, sess *Session, up handshake.Upload) error {
	if s.opts.MaxUploadSize > 0 && up.Size > s.opts.MaxUploadSize {
		return s.refuse(ctx, sess, fmt.Errorf("%w: %d > %d bytes", ErrUploadTooLarge, up.Size, s.opts.MaxUploadSize))
	}
	if _, err := s.store.Resolve(up.Name); err != nil {
		return s.refuse(ctx, sess, err)
	}

	receiver, err := file.NewReceiver(s.conn, sess.Peer, up.Size, s.opts.Timing)
	if err != nil {
		return s.refuse(ctx, sess, err)
	}
	receiver.AcceptEchoes(transport.SeqHandshake)

	dst, err := s.store.Create(up.Name)
	if err != nil {
		return s.refuse(ctx, sess, err)
	}

	transfer := file.NewTransfer(up.Name, up.Size, file.TransferDirectionIncoming)
	receiver.Track(transfer)

	if err := receiver.Receive(ctx); err != nil {
		dst.Abort()
		transfer.Complete(err)
		return err
	}
	if _, err := receiver.WriteTo(dst); err != nil {
		dst.Abort()
		transfer.Complete(err)
		return err
	}
	if err := dst.Commit(); err != nil {
		transfer.Complete(err)
		return err
	}
	transfer.Complete(nil)
	s.logDigest(sess, up.Name)

	if err := receiver.Drain(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Server.receiveUpload",
			"session_id": sess.ID.String(),
			"error":      err.Error(),
		}).Warn("Drain phase ended with error")
	}
	return nil
}

// refuse reports cause to the uploading peer and returns it.
func (s *Server) refuse(ctx context.Context, sess *Session, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Server.refuse",
		"session_id": sess.ID.String(),
		"filename":   sess.Descriptor.Filename(),
		"error":      cause.Error(),
	}).Warn("Refusing upload")

	if err := handshake.Reject(ctx, s.conn, sess.Peer, cause.Error(), s.opts.Handshake); err != nil {
		return fmt.Errorf("%w (%w)", cause, err)
	}
	return cause
}

// sendDownload announces the file size (or its absence) and runs the send
// path.
func (s *Server) sendDownload(ctx context.Context, sess *Session, down handshake.Download) error {
	size, err := s.store.Size(down.Name)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrPathEscape) {
		logrus.WithFields(logrus.Fields{
			"function":   "Server.sendDownload",
			"session_id": sess.ID.String(),
			"filename":   down.Name,
			"error":      err.Error(),
		}).Warn("Requested file not available")
		if nerr := handshake.AnnounceNotFound(ctx, s.conn, sess.Peer, down.Name, s.opts.Handshake); nerr != nil {
			return fmt.Errorf("%w (%w)", err, nerr)
		}
		return err
	}
	if err != nil {
		return err
	}

	src, err := s.store.Open(down.Name)
	if err != nil {
		return err
	}
	chunks, err := file.SplitChunks(src, size)
	src.Close()
	if err != nil {
		return err
	}

	if err := handshake.AnnounceSize(ctx, s.conn, sess.Peer, size, s.opts.Handshake); err != nil {
		return err
	}

	sender := file.NewSender(s.conn, sess.Peer, chunks, s.opts.Timing)
	sender.IgnoreStale(transport.SeqHandshake, transport.SeqSize)
	transfer := file.NewTransfer(down.Name, size, file.TransferDirectionOutgoing)
	sender.Track(transfer)

	err = sender.Send(ctx)
	transfer.Complete(err)
	if err != nil {
		return err
	}
	s.logDigest(sess, down.Name)
	return nil
}

func (s *Server) logDigest(sess *Session, name string) {
	digest, err := s.store.Digest(name)
	fields := logrus.Fields{
		"function":   "Server.logDigest",
		"session_id": sess.ID.String(),
		"filename":   name,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Could not digest file")
		return
	}
	fields["blake2b"] = digest
	logrus.WithFields(fields).Info("File digest")
}
