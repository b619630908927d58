// Package handshake implements the control exchanges that open a fileferry
// transfer: the transfer descriptor, the size announcement of a download and
// the retry-until-acknowledged guard both are built on.
//
// # Descriptors
//
// A transfer starts with a Descriptor, either Upload{Name, Size} or
// Download{Name}. On the wire it is a JSON object carried by a packet tagged
// transport.SeqHandshake:
//
//	{"action":"u","filename":"report.pdf","filesize":2600}
//	{"action":"d","filename":"report.pdf"}
//
// DecodeDescriptor is the only place string keys are inspected; downstream
// code switches on the variant:
//
//	switch d := descriptor.(type) {
//	case handshake.Upload:
//	    // receive d.Size bytes
//	case handshake.Download:
//	    // send d.Name
//	}
//
// # Retry Until Acknowledged
//
// SendWithAck sends a control packet and waits Retry.Timeout for a packet
// carrying the same sequence number, resending up to Retry.Attempts times.
// The cadence is a constant backoff from github.com/cenkalti/backoff bounded
// by the attempt count and the caller's context. Exhaustion yields ErrNoAck.
//
// # Requester and Responder
//
//	// client
//	err := handshake.Request(ctx, conn, server, handshake.Download{Name: "a.txt"}, retry)
//	size, err := handshake.AwaitSize(ctx, conn, server, retry)
//
//	// server
//	peer, descriptor, err := handshake.Await(ctx, conn, time.Second)
//	err = handshake.AnnounceSize(ctx, conn, peer, size, retry)
//
// Await silently discards payloads that are not valid descriptors and keeps
// waiting. When the requested file does not exist the server answers with
// AnnounceNotFound (sequence transport.SeqNotFound) and AwaitSize returns
// ErrFileNotFound instead of timing out. An upload the server acknowledged
// but will not store is refused with Reject (sequence transport.SeqRejected);
// the uploader answers with AcceptRejection and fails with ErrRejected.
//
// # Errors
//
//	ErrNoAck                // retry budget exhausted
//	ErrMalformedDescriptor  // payload is not a descriptor (filtered by Await)
//	ErrFileNotFound         // server has no such file
//	ErrRejected             // server refused the upload
package handshake
