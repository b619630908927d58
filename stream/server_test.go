package stream

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dialFunc func(ctx context.Context) (Conn, error)

type doneRecord struct {
	action handshake.Action
	name   string
	err    error
}

type recorder struct {
	mu      sync.Mutex
	records []doneRecord
}

func (r *recorder) add(action handshake.Action, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, doneRecord{action, name, err})
}

func (r *recorder) last() (doneRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return doneRecord{}, false
	}
	return r.records[len(r.records)-1], true
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "server"))
	require.NoError(t, err)
	return store
}

func startTCP(t *testing.T, store *storage.Store, rec *recorder) dialFunc {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(store, 2*time.Second)
	server.OnTransferDone(rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	addr := ln.Addr().String()
	return func(ctx context.Context) (Conn, error) { return DialTCP(ctx, addr) }
}

func startQUIC(t *testing.T, store *storage.Store, rec *recorder) dialFunc {
	t.Helper()
	tlsConfig, err := SelfSignedTLS()
	require.NoError(t, err)
	ln, err := ListenQUIC("127.0.0.1:0", tlsConfig)
	require.NoError(t, err)

	server := NewServer(store, 2*time.Second)
	server.OnTransferDone(rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ServeQUIC(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		ln.Close()
	})

	addr := ln.Addr().String()
	return func(ctx context.Context) (Conn, error) { return DialQUIC(ctx, addr) }
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func runTransports(t *testing.T, test func(t *testing.T, dial dialFunc, store *storage.Store, rec *recorder)) {
	starters := map[string]func(*testing.T, *storage.Store, *recorder) dialFunc{
		"tcp":  startTCP,
		"quic": startQUIC,
	}
	for name, start := range starters {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			rec := &recorder{}
			test(t, start(t, store, rec), store, rec)
		})
	}
}

func TestUploadDownload(t *testing.T) {
	runTransports(t, func(t *testing.T, dial dialFunc, store *storage.Store, rec *recorder) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data := pattern(100*file.ChunkSize + 17)
		src := filepath.Join(t.TempDir(), "src.bin")
		require.NoError(t, os.WriteFile(src, data, 0o644))

		conn, err := dial(ctx)
		require.NoError(t, err)
		var progress *file.Transfer
		n, err := Upload(ctx, conn, src, "stored.bin", func(tr *file.Transfer) { progress = tr })
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, file.TransferStateCompleted, progress.State())
		assert.Equal(t, int64(len(data)), progress.Transferred())

		require.Eventually(t, func() bool {
			r, ok := rec.last()
			return ok && r.name == "stored.bin"
		}, 5*time.Second, 10*time.Millisecond)
		r, _ := rec.last()
		assert.Equal(t, handshake.ActionUpload, r.action)
		assert.NoError(t, r.err)

		stored, err := os.ReadFile(filepath.Join(store.Root(), "stored.bin"))
		require.NoError(t, err)
		assert.Equal(t, data, stored)

		dest := filepath.Join(t.TempDir(), "back.bin")
		conn, err = dial(ctx)
		require.NoError(t, err)
		n, err = Download(ctx, conn, "stored.bin", dest, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})
}

func TestDownloadMissing(t *testing.T) {
	runTransports(t, func(t *testing.T, dial dialFunc, store *storage.Store, rec *recorder) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, name := range []string{"absent.bin", "../outside"} {
			dest := filepath.Join(t.TempDir(), "never")
			conn, err := dial(ctx)
			require.NoError(t, err)
			_, err = Download(ctx, conn, name, dest, nil)
			assert.ErrorIs(t, err, handshake.ErrFileNotFound, name)

			_, err = os.Stat(dest)
			assert.True(t, os.IsNotExist(err))
			_, err = os.Stat(dest + ".part")
			assert.True(t, os.IsNotExist(err))
		}
	})
}

func TestUploadEmptyFile(t *testing.T) {
	runTransports(t, func(t *testing.T, dial dialFunc, store *storage.Store, rec *recorder) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		src := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.WriteFile(src, nil, 0o644))

		conn, err := dial(ctx)
		require.NoError(t, err)
		n, err := Upload(ctx, conn, src, "empty", nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.Eventually(t, func() bool {
			size, err := store.Size("empty")
			return err == nil && size == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestHandle_BadDescriptor(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	dial := startTCP(t, store, rec)

	conn, err := dial(context.Background())
	require.NoError(t, err)
	_, err = conn.Write([]byte{'z', 1, 0, 'a'})
	require.NoError(t, err)

	// The server drops the connection without answering.
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
	conn.Close()

	_, ok := rec.last()
	assert.False(t, ok, "no transfer is reported for a bad descriptor")
}

func TestUploadPathEscapeRejected(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	dial := startTCP(t, store, rec)

	src := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	conn, err := dial(context.Background())
	require.NoError(t, err)
	Upload(context.Background(), conn, src, "../x", nil)

	require.Eventually(t, func() bool {
		_, ok := rec.last()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	r, _ := rec.last()
	assert.ErrorIs(t, r.err, storage.ErrPathEscape)

	_, err = os.Stat(filepath.Join(filepath.Dir(store.Root()), "x"))
	assert.True(t, os.IsNotExist(err))
}

func TestSelfSignedTLS(t *testing.T) {
	conf, err := SelfSignedTLS()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	assert.Equal(t, []string{ALPN}, conf.NextProtos)
}
