// Package transport provides the datagram layer of fileferry: packet framing,
// the reserved sequence-number space and a UDP endpoint with bounded receives.
//
// # Packet Format
//
// Every datagram carries a 4-byte little-endian sequence number followed by
// at most 1024 payload bytes. No length field is present because UDP
// preserves datagram boundaries:
//
//	[seq uint32 LE][payload 0..1024 bytes]
//
// Decoding fails with ErrMalformedPacket when fewer than 4 bytes arrive or the
// datagram exceeds MaxPacketSize.
//
// # Sequence Space
//
// The sequence space is split in two ranges:
//
//	[0, SeqOffset)                    control messages
//	[SeqOffset, SeqOffset+MaxChunks)  chunk indices
//
// Within the control range the following values are reserved:
//
//	SeqHandshake = 0   transfer descriptor
//	SeqSize      = 1   size announcement (download)
//	SeqNotFound  = 2   negative answer to a download
//	SeqRejected  = 3   refusal of an upload
//	SeqFin       = 4   termination handshake
//
// Acknowledgments repeat the sequence number they confirm and carry a single
// byte payload (see NewAck).
//
// # Endpoints
//
// Endpoint wraps a net.PacketConn. Receive is always bounded by a deadline
// and reports expiry as ErrTimeout so callers can retry:
//
//	packet, addr, err := endpoint.Receive(time.Second)
//	if errors.Is(err, transport.ErrTimeout) {
//	    // nothing arrived, retry
//	}
//
// A zero timeout blocks until a packet arrives or the endpoint is closed.
//
// # Fault Injection
//
// LossyPacketConn discards outgoing datagrams at a configurable rate, or by a
// deterministic DropFunc, to exercise the retransmission machinery:
//
//	conn, _ := net.ListenPacket("udp", ":0")
//	lossy := transport.NewLossyPacketConn(conn, 0.1, 42)
//	endpoint := transport.NewEndpoint(lossy)
package transport
