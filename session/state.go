package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
)

// ErrInvalidTransition indicates an event that is not accepted in the
// current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the phase of a server session.
type State uint8

const (
	// StateFreshStart waits for a transfer descriptor.
	StateFreshStart State = iota
	// StateGotMetadata holds a decoded descriptor.
	StateGotMetadata
	// StateUploading receives the client's file.
	StateUploading
	// StateDownloading sends a stored file to the client.
	StateDownloading
	// StateDone is terminal.
	StateDone
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateFreshStart:
		return "FRESH_START"
	case StateGotMetadata:
		return "GOT_METADATA"
	case StateUploading:
		return "UPLOADING"
	case StateDownloading:
		return "DOWNLOADING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Event drives Transition.
type Event uint8

const (
	// EventDescriptor: a valid descriptor was received and acknowledged.
	EventDescriptor Event = iota
	// EventUpload: the descriptor is an upload.
	EventUpload
	// EventDownload: the descriptor is a download.
	EventDownload
	// EventTransferDone: the chunk engine (and FIN or drain) finished.
	EventTransferDone
	// EventAbandon: the session failed and is dropped.
	EventAbandon
)

// String returns the event name used in logs.
func (e Event) String() string {
	switch e {
	case EventDescriptor:
		return "descriptor"
	case EventUpload:
		return "upload"
	case EventDownload:
		return "download"
	case EventTransferDone:
		return "transfer-done"
	case EventAbandon:
		return "abandon"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Transition returns the state that follows s on e.
func Transition(s State, e Event) (State, error) {
	switch {
	case s == StateFreshStart && e == EventDescriptor:
		return StateGotMetadata, nil
	case s == StateGotMetadata && e == EventUpload:
		return StateUploading, nil
	case s == StateGotMetadata && e == EventDownload:
		return StateDownloading, nil
	case (s == StateUploading || s == StateDownloading) && e == EventTransferDone:
		return StateDone, nil
	case s != StateDone && e == EventAbandon:
		return StateDone, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}

// Session is one handshake-through-termination interaction with a client.
type Session struct {
	ID         uuid.UUID
	Peer       net.Addr
	Descriptor handshake.Descriptor
	Direction  file.TransferDirection
	State      State
	Started    time.Time
	Err        error
}

// newSession returns a session waiting for its descriptor.
func newSession() *Session {
	return &Session{
		ID:      uuid.New(),
		State:   StateFreshStart,
		Started: time.Now(),
	}
}

// apply moves the session along e.
func (s *Session) apply(e Event) error {
	next, err := Transition(s.State, e)
	if err != nil {
		return err
	}
	s.State = next
	return nil
}

// accept records the descriptor obtained by the handshake.
func (s *Session) accept(peer net.Addr, d handshake.Descriptor) {
	s.Peer = peer
	s.Descriptor = d
	if _, ok := d.(handshake.Upload); ok {
		s.Direction = file.TransferDirectionIncoming
	} else {
		s.Direction = file.TransferDirectionOutgoing
	}
}
