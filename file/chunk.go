package file

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/transport"
)

// ChunkSize is the size of each file chunk in bytes. Only the last chunk of a
// file may be shorter.
const ChunkSize = transport.MaxPayloadSize

// ErrFileTooLarge indicates a file whose chunk count does not fit the data
// sequence space.
var ErrFileTooLarge = errors.New("file too large for the chunk sequence space")

// ErrWrongSequence indicates a packet whose sequence number is outside the
// range expected for the current phase.
var ErrWrongSequence = errors.New("wrong sequence number")

// ErrNoProgress indicates that the sender stopped receiving acknowledgments.
var ErrNoProgress = fmt.Errorf("chunk acknowledgments stopped: %w", handshake.ErrNoAck)

// SequenceError reports the phase in which an unexpected sequence arrived.
type SequenceError struct {
	Phase string
	Seq   uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s: %v %d", e.Phase, ErrWrongSequence, e.Seq)
}

// Unwrap lets errors.Is match ErrWrongSequence.
func (e *SequenceError) Unwrap() error {
	return ErrWrongSequence
}

// ChunkCount returns ceil(size / ChunkSize).
func ChunkCount(size int64) (int, error) {
	if size < 0 {
		return 0, fmt.Errorf("negative file size %d", size)
	}
	total := (size + ChunkSize - 1) / ChunkSize
	if uint64(total) > transport.MaxChunks {
		return 0, fmt.Errorf("%w: %d chunks", ErrFileTooLarge, total)
	}
	return int(total), nil
}

// chunkLength returns the payload length of chunk index in a file of size bytes.
func chunkLength(size int64, index int) int {
	start := int64(index) * ChunkSize
	if remaining := size - start; remaining < ChunkSize {
		return int(remaining)
	}
	return ChunkSize
}

// SplitChunks reads exactly size bytes from r and splits them into ordered
// chunks. A short read is an error.
func SplitChunks(r io.Reader, size int64) ([][]byte, error) {
	total, err := ChunkCount(size)
	if err != nil {
		return nil, err
	}

	chunks := make([][]byte, total)
	for i := range chunks {
		chunk := make([]byte, chunkLength(size, i))
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		chunks[i] = chunk
	}
	return chunks, nil
}

// Timing holds the timeouts and budgets of the chunk engines.
type Timing struct {
	// ChunkTimeout bounds every read of the collect and receive loops.
	ChunkTimeout time.Duration
	// SettleDelay separates a burst from its collect round.
	SettleDelay time.Duration
	// MaxIdleRounds is the number of consecutive collect rounds without a
	// new acknowledgment after which the sender gives up.
	MaxIdleRounds int
	// ReceiveAttempts is the number of consecutive empty reads after which
	// the receiver gives up.
	ReceiveAttempts int
	// DrainTimeout bounds each read of the receiver's drain phase.
	DrainTimeout time.Duration
	// Fin is the retry cadence of the sender's FIN.
	Fin handshake.Retry
}

// DefaultTiming returns the production timing.
func DefaultTiming() Timing {
	return Timing{
		ChunkTimeout:    time.Second,
		SettleDelay:     50 * time.Millisecond,
		MaxIdleRounds:   10,
		ReceiveAttempts: 5,
		DrainTimeout:    5 * time.Second,
		Fin:             handshake.Retry{Timeout: time.Second, Attempts: 5},
	}
}
