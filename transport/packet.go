// Package transport implements the datagram layer of the fileferry protocol.
//
// This package handles packet framing and sequence-number bookkeeping for the
// reliable-delivery protocol built on top of UDP.
//
// Example:
//
//	endpoint, err := transport.Listen(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := transport.Packet{
//	    Seq:     transport.ChunkSeq(0),
//	    Payload: []byte{...},
//	}
//
//	err = endpoint.Send(packet, remoteAddr)
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket indicates a datagram too short (or too long) to hold a packet.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrPayloadTooLarge indicates a payload exceeding MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum packet payload")

const (
	// HeaderSize is the size of the little-endian sequence number prefix.
	HeaderSize = 4

	// MaxPayloadSize is the largest payload carried by a single packet.
	MaxPayloadSize = 1024

	// MaxPacketSize is the largest datagram the protocol ever produces.
	MaxPacketSize = HeaderSize + MaxPayloadSize
)

// Reserved sequence numbers. Control messages live in [0, SeqOffset);
// chunk i of a file travels as SeqOffset+i.
const (
	// SeqHandshake tags the transfer descriptor and its acknowledgment.
	SeqHandshake uint32 = 0
	// SeqSize tags the size announcement of a download.
	SeqSize uint32 = 1
	// SeqNotFound tags the negative answer to a download of a missing file.
	SeqNotFound uint32 = 2
	// SeqRejected tags the server's refusal of an upload it acknowledged.
	SeqRejected uint32 = 3
	// SeqFin tags the termination handshake.
	SeqFin uint32 = 4
	// SeqOffset is the first sequence number of the data range.
	SeqOffset uint32 = 10
)

// MaxChunks is the number of chunk indices addressable by the data range.
const MaxChunks = uint64(^uint32(0)) - uint64(SeqOffset) + 1

// ackPayload is the single byte carried by every acknowledgment.
var ackPayload = []byte{'1'}

// Packet represents one protocol datagram.
type Packet struct {
	Seq     uint32
	Payload []byte
}

// NewAck returns the 1-byte acknowledgment for seq.
func NewAck(seq uint32) Packet {
	return Packet{Seq: seq, Payload: ackPayload}
}

// IsControl reports whether the packet belongs to the control range.
func (p Packet) IsControl() bool {
	return IsControlSeq(p.Seq)
}

// Serialize converts a packet to a byte slice for transmission.
func (p Packet) Serialize() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	// Format: [sequence (4 bytes, little-endian)][payload (variable length)]
	result := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(result[:HeaderSize], p.Seq)
	copy(result[HeaderSize:], p.Payload)

	return result, nil
}

// ParsePacket converts a datagram into a Packet. The payload is copied so the
// caller may reuse data.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedPacket, len(data), MaxPacketSize)
	}

	packet := Packet{
		Seq:     binary.LittleEndian.Uint32(data[:HeaderSize]),
		Payload: make([]byte, len(data)-HeaderSize),
	}
	copy(packet.Payload, data[HeaderSize:])

	return packet, nil
}

// IsControlSeq reports whether seq lies in the control range.
func IsControlSeq(seq uint32) bool {
	return seq < SeqOffset
}

// ChunkSeq returns the sequence number carrying chunk index.
func ChunkSeq(index int) uint32 {
	return SeqOffset + uint32(index)
}

// ChunkIndex maps a data-range sequence number back to its chunk index.
// ok is false for control sequences.
func ChunkIndex(seq uint32) (index int, ok bool) {
	if IsControlSeq(seq) {
		return 0, false
	}
	return int(seq - SeqOffset), true
}
