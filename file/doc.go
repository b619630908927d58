// Package file implements the chunked transfer engine of fileferry: the
// burst/collect sender, the slot-array receiver and the FIN termination
// handshake that runs after the last chunk.
//
// # Overview
//
// A file of N bytes travels as ceil(N/1024) chunks. Chunk i is carried by a
// packet tagged transport.ChunkSeq(i), that is i + transport.SeqOffset, and is
// acknowledged by a one-byte packet with the same sequence number.
//
//   - Sender: keeps a pending ack set, bursts every pending chunk, then reads
//     one reply per pending chunk until the first read timeout
//   - Receiver: stores chunks by index regardless of arrival order, acks
//     every arrival (duplicates included) and writes the file in index order
//     once nothing is missing
//   - Transfer: progress, state and speed of one transfer for display
//
// # Sending
//
//	chunks, err := file.SplitChunks(f, size)
//	sender := file.NewSender(conn, peer, chunks, file.DefaultTiming())
//	sender.IgnoreStale(transport.SeqSize)
//	err = sender.Send(ctx)
//
// A FIN from the receiver during a collect round means it already holds every
// chunk; the pending set is cleared. Any other control sequence outside the
// stale set fails the transfer with a *SequenceError. After MaxIdleRounds
// consecutive rounds without a new acknowledgment Send returns ErrNoProgress,
// which matches handshake.ErrNoAck.
//
// # Receiving
//
//	receiver, err := file.NewReceiver(conn, peer, size, file.DefaultTiming())
//	receiver.AcceptEchoes(transport.SeqHandshake)
//	if err := receiver.Receive(ctx); err != nil {
//	    return err
//	}
//	receiver.WriteTo(dst)
//	receiver.Drain(ctx)
//
// # Termination
//
// The sender follows a completed delivery with a FIN, retried under
// Timing.Fin. A missing FIN acknowledgment is only logged since the file is
// already delivered. The receiver's drain phase answers chunk retransmissions
// and the FIN itself with a FIN acknowledgment and ends on FIN or after
// DrainTimeout of silence, so both sides terminate whichever final
// acknowledgments are lost.
//
// # Progress
//
//	transfer := file.NewTransfer(name, size, file.TransferDirectionOutgoing)
//	transfer.OnProgress(func(sent int64) { bar.Set64(sent) })
//	sender.Track(transfer)
//
// Progress is counted in confirmed bytes: acknowledged chunks on the sending
// side and newly filled slots on the receiving side.
package file
