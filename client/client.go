// Package client performs single fileferry transfers against a datagram
// server: one Upload or Download per call, then return.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/transport"
	"github.com/sirupsen/logrus"
)

// Options tunes a transfer.
type Options struct {
	// Timing drives the chunk engines.
	Timing file.Timing
	// Handshake is the retry cadence of the descriptor exchange and the wait
	// for the size announcement.
	Handshake handshake.Retry
	// OnTransfer, when set, receives the progress record before any chunk
	// is exchanged.
	OnTransfer func(*file.Transfer)
}

// DefaultOptions returns production options.
func DefaultOptions() Options {
	return Options{
		Timing:    file.DefaultTiming(),
		Handshake: handshake.DefaultRetry(),
	}
}

// Result describes a finished transfer.
type Result struct {
	Name    string
	Size    int64
	Digest  string
	Elapsed time.Duration
}

// Upload sends the local file src to server, stored there as name.
func Upload(ctx context.Context, conn transport.Conn, server net.Addr, src, name string, opts Options) (*Result, error) {
	start := time.Now()

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", src)
	}
	size := info.Size()

	chunks, err := file.SplitChunks(f, size)
	if err != nil {
		return nil, err
	}

	if err := handshake.Request(ctx, conn, server, handshake.Upload{Name: name, Size: size}, opts.Handshake); err != nil {
		return nil, err
	}

	sender := file.NewSender(conn, server, chunks, opts.Timing)
	sender.IgnoreStale(transport.SeqHandshake)
	transfer := file.NewTransfer(name, size, file.TransferDirectionOutgoing)
	sender.Track(transfer)
	if opts.OnTransfer != nil {
		opts.OnTransfer(transfer)
	}

	err = sender.Send(ctx)
	transfer.Complete(err)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}

	digest, err := storage.DigestFile(src)
	if err != nil {
		return nil, err
	}

	result := &Result{Name: name, Size: size, Digest: digest, Elapsed: time.Since(start)}
	logResult("Upload", server, result)
	return result, nil
}

// Download fetches name from server into the local path dest. The file
// appears under dest only once it is complete.
func Download(ctx context.Context, conn transport.Conn, server net.Addr, name, dest string, opts Options) (*Result, error) {
	start := time.Now()

	if err := handshake.Request(ctx, conn, server, handshake.Download{Name: name}, opts.Handshake); err != nil {
		return nil, err
	}

	size, err := handshake.AwaitSize(ctx, conn, server, opts.Handshake)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}

	receiver, err := file.NewReceiver(conn, server, size, opts.Timing)
	if err != nil {
		return nil, err
	}
	receiver.AcceptEchoes(transport.SeqSize)

	dst, err := storage.CreatePartial(dest)
	if err != nil {
		return nil, err
	}

	transfer := file.NewTransfer(name, size, file.TransferDirectionIncoming)
	receiver.Track(transfer)
	if opts.OnTransfer != nil {
		opts.OnTransfer(transfer)
	}

	if err := receiver.Receive(ctx); err != nil {
		dst.Abort()
		transfer.Complete(err)
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	if _, err := receiver.WriteTo(dst); err != nil {
		dst.Abort()
		transfer.Complete(err)
		return nil, err
	}
	if err := dst.Commit(); err != nil {
		transfer.Complete(err)
		return nil, err
	}
	transfer.Complete(nil)

	if err := receiver.Drain(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Download",
			"server":   server.String(),
			"error":    err.Error(),
		}).Warn("Drain phase ended with error")
	}

	digest, err := storage.DigestFile(dest)
	if err != nil {
		return nil, err
	}

	result := &Result{Name: name, Size: size, Digest: digest, Elapsed: time.Since(start)}
	logResult("Download", server, result)
	return result, nil
}

func logResult(function string, server net.Addr, r *Result) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"server":   server.String(),
		"filename": r.Name,
		"size":     r.Size,
		"elapsed":  r.Elapsed.String(),
		"blake2b":  r.Digest,
	}).Info("Transfer finished")
}
