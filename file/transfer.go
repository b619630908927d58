package file

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotPending indicates Start on a transfer that already started or ended.
var ErrNotPending = errors.New("transfer is not pending")

// TransferDirection tells whether this side sends or receives the file.
type TransferDirection uint8

const (
	// TransferDirectionIncoming: this side receives.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing: this side sends.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState is the lifecycle of a Transfer: Pending, then Running, then
// Completed or Error.
type TransferState uint8

const (
	TransferStatePending TransferState = iota
	TransferStateRunning
	TransferStateCompleted
	TransferStateError
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateError:
		return "error"
	}
	return "unknown"
}

// Clock supplies the current time to rate computations.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// rateWeight is the share of the newest sample in the smoothed rate.
const rateWeight = 0.3

// Transfer records the progress of one file transfer. The engines feed it
// confirmed bytes; displays read it through callbacks or accessors. It is
// safe for concurrent use.
type Transfer struct {
	mu sync.Mutex

	name      string
	size      int64
	direction TransferDirection
	state     TransferState
	err       error

	transferred int64
	chunks      int
	started     time.Time
	lastAdd     time.Time
	rate        float64

	clock      Clock
	onProgress func(int64)
	onComplete func(error)
}

// NewTransfer returns a pending record for a file of size bytes.
func NewTransfer(name string, size int64, direction TransferDirection) *Transfer {
	clock := Clock(systemClock{})
	return &Transfer{
		name:      name,
		size:      size,
		direction: direction,
		clock:     clock,
		lastAdd:   clock.Now(),
	}
}

// SetClock replaces the time source.
func (t *Transfer) SetClock(c Clock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = c
	t.lastAdd = c.Now()
}

// OnProgress registers fn to receive the byte total after every Add.
func (t *Transfer) OnProgress(fn func(int64)) {
	t.mu.Lock()
	t.onProgress = fn
	t.mu.Unlock()
}

// OnComplete registers fn to run once when the transfer ends.
func (t *Transfer) OnComplete(fn func(error)) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

// Start begins the running phase.
func (t *Transfer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransferStatePending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, t.name, t.state)
	}
	t.state = TransferStateRunning
	t.started = t.clock.Now()
	t.lastAdd = t.started

	logrus.WithFields(logrus.Fields{
		"function":  "Transfer.Start",
		"filename":  t.name,
		"size":      t.size,
		"direction": t.direction.String(),
	}).Debug("Transfer running")
	return nil
}

// Add counts n bytes as delivered: acknowledged by the peer when sending,
// stored in an empty slot when receiving. It is ignored unless running.
func (t *Transfer) Add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransferStateRunning {
		return
	}

	now := t.clock.Now()
	if elapsed := now.Sub(t.lastAdd).Seconds(); elapsed > 0 {
		sample := float64(n) / elapsed
		if t.rate == 0 {
			t.rate = sample
		} else {
			t.rate += rateWeight * (sample - t.rate)
		}
	}
	t.lastAdd = now
	t.transferred += int64(n)
	t.chunks++

	if t.onProgress != nil {
		t.onProgress(t.transferred)
	}
}

// Complete ends the transfer, failed when err is non-nil. Only the first
// call has any effect.
func (t *Transfer) Complete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TransferStateCompleted || t.state == TransferStateError {
		return
	}

	t.state = TransferStateCompleted
	fields := logrus.Fields{
		"function":    "Transfer.Complete",
		"filename":    t.name,
		"direction":   t.direction.String(),
		"transferred": t.transferred,
		"size":        t.size,
		"chunks":      t.chunks,
	}
	if !t.started.IsZero() {
		fields["elapsed"] = t.clock.Now().Sub(t.started).String()
	}

	if err != nil {
		t.state = TransferStateError
		t.err = err
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Transfer failed")
	} else {
		logrus.WithFields(fields).Info("Transfer completed")
	}

	if t.onComplete != nil {
		t.onComplete(err)
	}
}

// Name returns the transferred file's name.
func (t *Transfer) Name() string { return t.name }

// Size returns the announced size; zero when unknown.
func (t *Transfer) Size() int64 { return t.size }

// Direction returns the side of the transfer this record describes.
func (t *Transfer) Direction() TransferDirection { return t.direction }

func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Transferred returns the delivered byte count.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Chunks returns how many Add calls were counted.
func (t *Transfer) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// Percent returns progress in [0, 100]. An empty file is at 100 once
// completed.
func (t *Transfer) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size <= 0 {
		if t.state == TransferStateCompleted {
			return 100
		}
		return 0
	}
	return float64(t.transferred) * 100 / float64(t.size)
}

// Rate returns the smoothed delivery rate in bytes per second.
func (t *Transfer) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// Remaining estimates the time left at the current rate, or zero when no
// estimate is possible.
func (t *Transfer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	left := t.size - t.transferred
	if t.state != TransferStateRunning || t.rate <= 0 || left <= 0 {
		return 0
	}
	return time.Duration(float64(left) / t.rate * float64(time.Second))
}

// Idle returns the time since the last delivered bytes, or since Start.
func (t *Transfer) Idle() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Now().Sub(t.lastAdd)
}
