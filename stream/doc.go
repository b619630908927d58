// Package stream moves files over reliable byte streams, TCP or QUIC, as an
// alternative to the datagram protocol. Reliability comes from the
// transport, so there are no acknowledgments or sequence numbers.
//
// # Framing
//
// The client opens with a descriptor:
//
//	['u'|'d'][name length int16 LE][name]
//
// An upload follows it with the file bytes until the client ends its side.
// A download is answered with one flag byte, 'e' followed by the file bytes
// or 'i' when the file does not exist, which Download reports as
// handshake.ErrFileNotFound.
//
// # Closing
//
// The side that receives the last byte ends the stream; the sending side
// waits for that before tearing the connection down, so QUIC never discards
// unacknowledged data on close.
//
//	ln, _ := net.Listen("tcp", ":9001")
//	go stream.NewServer(store, 0).ServeTCP(ctx, ln)
//
//	conn, _ := stream.DialTCP(ctx, "host:9001")
//	n, err := stream.Upload(ctx, conn, "report.pdf", "report.pdf", nil)
package stream
