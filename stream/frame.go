package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
)

// ErrMalformedFrame indicates a descriptor or flag that does not follow the
// stream framing.
var ErrMalformedFrame = errors.New("malformed stream frame")

// ErrNameTooLong indicates a filename whose length does not fit the signed
// 16-bit length prefix.
var ErrNameTooLong = errors.New("filename too long for stream descriptor")

const (
	// FlagExists precedes the bytes of a download.
	FlagExists byte = 'e'
	// FlagMissing answers a download of a file that does not exist.
	FlagMissing byte = 'i'

	// MaxNameLength is the largest name the length prefix can carry.
	MaxNameLength = math.MaxInt16
)

// SendDescriptor writes the action byte, the little-endian int16 name length
// and the name.
func SendDescriptor(w io.Writer, action handshake.Action, name string) error {
	if action != handshake.ActionUpload && action != handshake.ActionDownload {
		return fmt.Errorf("%w: action %q", ErrMalformedFrame, action)
	}
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrMalformedFrame)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}

	frame := make([]byte, 3+len(name))
	frame[0] = string(action)[0]
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(name)))
	copy(frame[3:], name)

	_, err := w.Write(frame)
	return err
}

// ReceiveDescriptor reads the frame written by SendDescriptor.
func ReceiveDescriptor(r io.Reader) (handshake.Action, string, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", "", fmt.Errorf("%w: header: %w", ErrMalformedFrame, err)
	}

	action := handshake.Action(head[:1])
	if action != handshake.ActionUpload && action != handshake.ActionDownload {
		return "", "", fmt.Errorf("%w: action %q", ErrMalformedFrame, action)
	}

	length := int16(binary.LittleEndian.Uint16(head[1:3]))
	if length <= 0 {
		return "", "", fmt.Errorf("%w: name length %d", ErrMalformedFrame, length)
	}

	name := make([]byte, length)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", "", fmt.Errorf("%w: name: %w", ErrMalformedFrame, err)
	}
	return action, string(name), nil
}

// SendFlag tells a downloading peer whether the file exists.
func SendFlag(w io.Writer, exists bool) error {
	flag := FlagMissing
	if exists {
		flag = FlagExists
	}
	_, err := w.Write([]byte{flag})
	return err
}

// ReceiveFlag reads the existence flag. A missing file is reported as
// handshake.ErrFileNotFound.
func ReceiveFlag(r io.Reader) error {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return fmt.Errorf("%w: flag: %w", ErrMalformedFrame, err)
	}
	switch flag[0] {
	case FlagExists:
		return nil
	case FlagMissing:
		return handshake.ErrFileNotFound
	default:
		return fmt.Errorf("%w: flag %q", ErrMalformedFrame, flag[0])
	}
}

// StreamFrom sends everything src yields over conn in file.ChunkSize pieces.
func StreamFrom(conn Conn, src io.Reader, idle time.Duration, t *file.Transfer) (int64, error) {
	return pump(conn, src, conn, idle, t)
}

// StreamTo writes everything conn yields to dst until the peer ends its side
// of the stream.
func StreamTo(dst io.Writer, conn Conn, idle time.Duration, t *file.Transfer) (int64, error) {
	return pump(dst, conn, conn, idle, t)
}

// pump copies src to dst, pushing conn's deadline forward by idle before
// every piece.
func pump(dst io.Writer, src io.Reader, conn Conn, idle time.Duration, t *file.Transfer) (int64, error) {
	buf := make([]byte, file.ChunkSize)
	var total int64

	for {
		if idle > 0 {
			if err := conn.SetDeadline(time.Now().Add(idle)); err != nil {
				return total, err
			}
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if t != nil {
				t.Add(written)
			}
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
