package stream

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/storage"
	"github.com/sirupsen/logrus"
)

// Upload sends the local file src over conn, stored by the server as name.
// conn is closed on return.
func Upload(ctx context.Context, conn Conn, src, name string, onTransfer func(*file.Transfer)) (int64, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if err := SendDescriptor(conn, handshake.ActionUpload, name); err != nil {
		return 0, err
	}

	transfer := file.NewTransfer(name, info.Size(), file.TransferDirectionOutgoing)
	if onTransfer != nil {
		onTransfer(transfer)
	}
	transfer.Start()

	n, err := StreamFrom(conn, f, DefaultIdleTimeout, transfer)
	if err == nil {
		err = ctx.Err()
	}
	transfer.Complete(err)
	if err != nil {
		return n, fmt.Errorf("upload %s: %w", name, err)
	}

	if err := conn.CloseWrite(); err != nil {
		return n, err
	}
	// The server ends its side once the file is committed.
	linger(conn, DefaultIdleTimeout)

	logrus.WithFields(logrus.Fields{
		"function": "stream.Upload",
		"filename": name,
		"size":     n,
	}).Info("Stream upload finished")
	return n, nil
}

// Download fetches name over conn into the local path dest, which appears
// only once complete. A missing file yields handshake.ErrFileNotFound. conn
// is closed on return.
func Download(ctx context.Context, conn Conn, name, dest string, onTransfer func(*file.Transfer)) (int64, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := SendDescriptor(conn, handshake.ActionDownload, name); err != nil {
		return 0, err
	}
	if err := ReceiveFlag(conn); err != nil {
		return 0, fmt.Errorf("download %s: %w", name, err)
	}

	dst, err := storage.CreatePartial(dest)
	if err != nil {
		return 0, err
	}

	transfer := file.NewTransfer(name, 0, file.TransferDirectionIncoming)
	if onTransfer != nil {
		onTransfer(transfer)
	}
	transfer.Start()

	n, err := StreamTo(dst, conn, DefaultIdleTimeout, transfer)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		dst.Abort()
		transfer.Complete(err)
		return n, fmt.Errorf("download %s: %w", name, err)
	}
	if err := dst.Commit(); err != nil {
		transfer.Complete(err)
		return n, err
	}
	transfer.Complete(nil)
	conn.CloseWrite()

	logrus.WithFields(logrus.Fields{
		"function": "stream.Download",
		"filename": name,
		"size":     n,
	}).Info("Stream download finished")
	return n, nil
}
