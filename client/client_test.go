package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/session"
	"github.com/opd-ai/fileferry/simnet"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastTiming() file.Timing {
	return file.Timing{
		ChunkTimeout:    50 * time.Millisecond,
		SettleDelay:     time.Millisecond,
		MaxIdleRounds:   20,
		ReceiveAttempts: 20,
		DrainTimeout:    200 * time.Millisecond,
		Fin:             handshake.Retry{Timeout: 50 * time.Millisecond, Attempts: 3},
	}
}

func fastOptions() Options {
	return Options{
		Timing:    fastTiming(),
		Handshake: handshake.Retry{Timeout: 100 * time.Millisecond, Attempts: 5},
	}
}

func serverOptions() session.Options {
	return session.Options{
		Timing:    fastTiming(),
		Handshake: handshake.Retry{Timeout: 100 * time.Millisecond, Attempts: 5},
		Poll:      20 * time.Millisecond,
	}
}

// startServer runs a session server on conn until the test ends.
func startServer(t *testing.T, conn transport.Conn) *storage.Store {
	t.Helper()
	return startServerWith(t, conn, serverOptions())
}

func startServerWith(t *testing.T, conn transport.Conn, opts session.Options) *storage.Store {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "server"))
	require.NoError(t, err)

	server := session.NewServer(conn, store, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return store
}

func newSimLink(t *testing.T) (*simnet.Network, *simnet.Conn, *simnet.Conn) {
	t.Helper()
	network := simnet.NewNetwork()
	server, err := network.Endpoint("10.0.0.1:9000")
	require.NoError(t, err)
	client, err := network.Endpoint("10.0.0.2:40000")
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return network, server, client
}

func writeLocal(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestUpload(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	store := startServer(t, serverConn)

	data := pattern(2600)
	src := writeLocal(t, "a.bin", data)

	result, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), src, "a.bin", fastOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(2600), result.Size)

	// The server commits before its drain phase ends.
	require.Eventually(t, func() bool {
		_, err := store.Size("a.bin")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(store.Root(), "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	digest, err := store.Digest("a.bin")
	require.NoError(t, err)
	assert.Equal(t, result.Digest, digest)
}

func TestDownload(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	store := startServer(t, serverConn)

	data := pattern(5000)
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "b.bin"), data, 0o644))

	dest := filepath.Join(t.TempDir(), "b-copy.bin")
	result, err := Download(context.Background(), clientConn, serverConn.LocalAddr(), "b.bin", dest, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_NotFound(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	startServer(t, serverConn)

	dest := filepath.Join(t.TempDir(), "nothing")
	start := time.Now()
	_, err := Download(context.Background(), clientConn, serverConn.LocalAddr(), "missing.bin", dest, fastOptions())
	assert.ErrorIs(t, err, handshake.ErrFileNotFound)
	assert.Less(t, time.Since(start), time.Second, "not-found is reported without exhausting retries")

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_PathEscapeLooksMissing(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	startServer(t, serverConn)

	_, err := Download(context.Background(), clientConn, serverConn.LocalAddr(), "../etc/passwd", filepath.Join(t.TempDir(), "x"), fastOptions())
	assert.ErrorIs(t, err, handshake.ErrFileNotFound)
}

func TestUpload_EmptyFile(t *testing.T) {
	network, serverConn, clientConn := newSimLink(t)
	store := startServer(t, serverConn)

	src := writeLocal(t, "empty", nil)
	result, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), src, "empty", fastOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Size)

	require.Eventually(t, func() bool {
		size, err := store.Size("empty")
		return err == nil && size == 0
	}, 2*time.Second, 10*time.Millisecond)

	for _, rec := range network.DeliveryLog() {
		assert.Less(t, rec.Seq, transport.SeqOffset, "no chunk packets for an empty file")
	}
}

func TestUpload_Lossy(t *testing.T) {
	network, serverConn, clientConn := newSimLink(t)
	store := startServer(t, serverConn)

	var mu sync.Mutex
	count := 0
	network.SetDropFunc(func(rec simnet.DeliveryRecord) bool {
		mu.Lock()
		defer mu.Unlock()
		count++
		return count%4 == 0
	})

	data := pattern(30*file.ChunkSize + 5)
	src := writeLocal(t, "lossy.bin", data)

	var progress *file.Transfer
	opts := fastOptions()
	opts.OnTransfer = func(tr *file.Transfer) { progress = tr }

	_, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), src, "lossy.bin", opts)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, file.TransferStateCompleted, progress.State())
	assert.Equal(t, int64(len(data)), progress.Transferred())

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(store.Root(), "lossy.bin"))
		return err == nil && len(got) == len(data)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSequentialSessions(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	store := startServer(t, serverConn)
	ctx := context.Background()

	first := pattern(1500)
	second := pattern(700)

	_, err := Upload(ctx, clientConn, serverConn.LocalAddr(), writeLocal(t, "one", first), "one", fastOptions())
	require.NoError(t, err)
	_, err = Upload(ctx, clientConn, serverConn.LocalAddr(), writeLocal(t, "two", second), "two", fastOptions())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "one-back")
	require.Eventually(t, func() bool {
		_, err := store.Size("two")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = Download(ctx, clientConn, serverConn.LocalAddr(), "one", dest, fastOptions())
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestRoundTripOverUDP(t *testing.T) {
	serverConn, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()
	clientConn, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	startServer(t, serverConn)
	ctx := context.Background()

	data := pattern(10*file.ChunkSize + 300)
	uploaded, err := Upload(ctx, clientConn, serverConn.LocalAddr(), writeLocal(t, "udp.bin", data), "udp.bin", fastOptions())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "udp-back.bin")
	downloaded, err := Download(ctx, clientConn, serverConn.LocalAddr(), "udp.bin", dest, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, uploaded.Digest, downloaded.Digest)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUpload_NoServer(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	serverConn.Close()

	opts := fastOptions()
	opts.Handshake = handshake.Retry{Timeout: 10 * time.Millisecond, Attempts: 2}

	_, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), writeLocal(t, "x", []byte("x")), "x", opts)
	assert.ErrorIs(t, err, handshake.ErrNoAck)
}

func TestUpload_Refused(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		size   int
		limit  int64
		reason string
	}{
		{"path_escape", "../evil", 2600, 0, "path escapes storage root"},
		{"absolute", "/etc/passwd", 10, 0, "path escapes storage root"},
		{"too_large", "big.bin", 2600, 2048, "upload exceeds size limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, serverConn, clientConn := newSimLink(t)
			opts := serverOptions()
			opts.MaxUploadSize = tt.limit
			store := startServerWith(t, serverConn, opts)

			src := writeLocal(t, "local.bin", pattern(tt.size))
			start := time.Now()
			_, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), src, tt.remote, fastOptions())

			require.ErrorIs(t, err, handshake.ErrRejected)
			assert.ErrorContains(t, err, tt.reason)
			assert.NotErrorIs(t, err, handshake.ErrNoAck)
			// Far below the sender's idle budget of 20 rounds.
			assert.Less(t, time.Since(start), 500*time.Millisecond)

			entries, err := os.ReadDir(store.Root())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestUpload_MissingSource(t *testing.T) {
	_, serverConn, clientConn := newSimLink(t)
	_, err := Upload(context.Background(), clientConn, serverConn.LocalAddr(), filepath.Join(t.TempDir(), "nope"), "nope", fastOptions())
	assert.Error(t, err)
}
