package handshake

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/fileferry/transport"
)

// ErrMalformedDescriptor indicates a handshake payload that does not decode
// to a valid transfer descriptor. Responders treat it as a filter, not a failure.
var ErrMalformedDescriptor = errors.New("malformed transfer descriptor")

// Action is the wire tag of a descriptor.
type Action string

const (
	// ActionUpload asks the responder to receive a file.
	ActionUpload Action = "u"
	// ActionDownload asks the responder to send a file.
	ActionDownload Action = "d"
)

// Descriptor is the transfer request carried by the first handshake packet.
// It is either Upload or Download.
type Descriptor interface {
	// Action returns the wire tag of the variant.
	Action() Action
	// Filename returns the name the transfer refers to.
	Filename() string

	isDescriptor()
}

// Upload announces that the requester will send Size bytes stored as Name.
type Upload struct {
	Name string
	Size int64
}

// Action implements Descriptor.
func (Upload) Action() Action { return ActionUpload }

// Filename implements Descriptor.
func (u Upload) Filename() string { return u.Name }

func (Upload) isDescriptor() {}

// Download asks the responder to send the file stored as Name.
type Download struct {
	Name string
}

// Action implements Descriptor.
func (Download) Action() Action { return ActionDownload }

// Filename implements Descriptor.
func (d Download) Filename() string { return d.Name }

func (Download) isDescriptor() {}

// wireDescriptor is the JSON object exchanged on the wire.
type wireDescriptor struct {
	Action   string `json:"action"`
	Filename string `json:"filename"`
	Filesize *int64 `json:"filesize,omitempty"`
}

// EncodeDescriptor serializes d into a handshake payload.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	var wire wireDescriptor
	switch v := d.(type) {
	case Upload:
		if v.Size < 0 {
			return nil, fmt.Errorf("negative upload size %d", v.Size)
		}
		size := v.Size
		wire = wireDescriptor{Action: string(ActionUpload), Filename: v.Name, Filesize: &size}
	case Download:
		wire = wireDescriptor{Action: string(ActionDownload), Filename: v.Name}
	default:
		return nil, fmt.Errorf("unsupported descriptor %T", d)
	}

	if wire.Filename == "" {
		return nil, errors.New("descriptor filename is empty")
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(payload) > transport.MaxPayloadSize {
		return nil, fmt.Errorf("%w: descriptor is %d bytes", transport.ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}

// DecodeDescriptor parses a handshake payload. Anything other than an object
// with a known action, a filename and (for uploads) a non-negative filesize
// yields ErrMalformedDescriptor.
func DecodeDescriptor(payload []byte) (Descriptor, error) {
	var wire wireDescriptor
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	if wire.Filename == "" {
		return nil, fmt.Errorf("%w: missing filename", ErrMalformedDescriptor)
	}

	switch Action(wire.Action) {
	case ActionUpload:
		if wire.Filesize == nil {
			return nil, fmt.Errorf("%w: upload without filesize", ErrMalformedDescriptor)
		}
		if *wire.Filesize < 0 {
			return nil, fmt.Errorf("%w: negative filesize %d", ErrMalformedDescriptor, *wire.Filesize)
		}
		return Upload{Name: wire.Filename, Size: *wire.Filesize}, nil
	case ActionDownload:
		return Download{Name: wire.Filename}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedDescriptor, wire.Action)
	}
}
