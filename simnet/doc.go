// Package simnet provides an in-memory datagram network for deterministic
// testing of the fileferry protocol engines.
//
// # Overview
//
// The simulated network mirrors the production UDP endpoint but routes
// packets through buffered channels. Each simulated Conn satisfies
// transport.Conn, so the handshake, chunk engine and session code run against
// it unchanged. Loss is injected with a DropFunc that sees every send before
// it is delivered, which makes scenarios such as "the acknowledgment for
// chunk 11 is lost once" reproducible.
//
// # Usage
//
//	network := simnet.NewNetwork()
//	server, _ := network.Endpoint("10.0.0.1:9000")
//	client, _ := network.Endpoint("10.0.0.2:40000")
//
//	// Lose the first ack for chunk index 1
//	network.SetDropFunc(simnet.DropOnce(func(rec simnet.DeliveryRecord) bool {
//	    return rec.Seq == 11 && rec.From.String() == server.LocalAddr().String()
//	}))
//
// # Delivery Logs
//
// Every send is recorded, dropped or not. Each DeliveryRecord contains:
//
//   - From, To: endpoint addresses
//   - Seq: the packet sequence number
//   - Size: payload length in bytes
//   - Timestamp: when the send happened
//   - Dropped: whether the loss model discarded it
//
// Use DeliveryLog to retrieve the log, Sent to filter it by sender, and
// ClearDeliveryLog to reset between phases.
//
// # Timing
//
// Receive deadlines use real timers, so tests should configure short
// protocol timeouts. Closing a Conn unblocks its pending Receive with
// net.ErrClosed.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package simnet
