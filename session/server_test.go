package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/simnet"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = handshake.Retry{Timeout: 50 * time.Millisecond, Attempts: 5}

func fastOptions() Options {
	return Options{
		Timing: file.Timing{
			ChunkTimeout:    50 * time.Millisecond,
			SettleDelay:     time.Millisecond,
			MaxIdleRounds:   5,
			ReceiveAttempts: 5,
			DrainTimeout:    100 * time.Millisecond,
			Fin:             fastRetry,
		},
		Handshake: fastRetry,
		Poll:      20 * time.Millisecond,
	}
}

type fixture struct {
	network *simnet.Network
	server  *simnet.Conn
	client  *simnet.Conn
	store   *storage.Store
	srv     *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	network := simnet.NewNetwork()
	serverConn, err := network.Endpoint("10.0.0.1:9000")
	require.NoError(t, err)
	clientConn, err := network.Endpoint("10.0.0.2:40000")
	require.NoError(t, err)
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	return &fixture{
		network: network,
		server:  serverConn,
		client:  clientConn,
		store:   store,
		srv:     NewServer(serverConn, store, opts),
	}
}

type serveResult struct {
	sess *Session
	err  error
}

func (f *fixture) serveOne(ctx context.Context) <-chan serveResult {
	out := make(chan serveResult, 1)
	go func() {
		sess, err := f.srv.ServeOne(ctx)
		out <- serveResult{sess: sess, err: err}
	}()
	return out
}

func TestServeOne_Upload(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx := context.Background()
	result := f.serveOne(ctx)

	data := bytes.Repeat([]byte("fileferry"), 300)
	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Upload{Name: "up.txt", Size: int64(len(data))}, fastRetry))

	chunks, err := file.SplitChunks(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	sender := file.NewSender(f.client, f.server.LocalAddr(), chunks, fastOptions().Timing)
	sender.IgnoreStale(transport.SeqHandshake)
	require.NoError(t, sender.Send(ctx))

	got := <-result
	require.NoError(t, got.err)
	assert.Equal(t, StateDone, got.sess.State)
	assert.Equal(t, file.TransferDirectionIncoming, got.sess.Direction)
	assert.Equal(t, handshake.Upload{Name: "up.txt", Size: int64(len(data))}, got.sess.Descriptor)

	stored, err := os.ReadFile(filepath.Join(f.store.Root(), "up.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestServeOne_Download(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAB}, 2600)
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Root(), "down.bin"), data, 0o644))

	result := f.serveOne(ctx)

	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Download{Name: "down.bin"}, fastRetry))
	size, err := handshake.AwaitSize(ctx, f.client, f.server.LocalAddr(), fastRetry)
	require.NoError(t, err)
	assert.Equal(t, int64(2600), size)

	receiver, err := file.NewReceiver(f.client, f.server.LocalAddr(), size, fastOptions().Timing)
	require.NoError(t, err)
	receiver.AcceptEchoes(transport.SeqSize)
	require.NoError(t, receiver.Receive(ctx))

	var buf bytes.Buffer
	_, err = receiver.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, receiver.Drain(ctx))
	assert.Equal(t, data, buf.Bytes())

	got := <-result
	require.NoError(t, got.err)
	assert.Equal(t, StateDone, got.sess.State)
	assert.Equal(t, file.TransferDirectionOutgoing, got.sess.Direction)
}

func TestServeOne_DownloadMissing(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx := context.Background()
	result := f.serveOne(ctx)

	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Download{Name: "ghost"}, fastRetry))
	_, err := handshake.AwaitSize(ctx, f.client, f.server.LocalAddr(), fastRetry)
	assert.ErrorIs(t, err, handshake.ErrFileNotFound)

	got := <-result
	assert.ErrorIs(t, got.err, storage.ErrNotFound)
	require.NotNil(t, got.sess)
	assert.Equal(t, StateDone, got.sess.State)
	assert.Equal(t, got.err, got.sess.Err)
}

// uploadRefused runs the client side of an upload the server is expected to
// refuse and returns the client's error.
func (f *fixture) uploadRefused(t *testing.T, name string, data []byte) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Upload{Name: name, Size: int64(len(data))}, fastRetry))

	chunks, err := file.SplitChunks(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	sender := file.NewSender(f.client, f.server.LocalAddr(), chunks, fastOptions().Timing)
	sender.IgnoreStale(transport.SeqHandshake)
	return sender.Send(ctx)
}

func TestServeOne_UploadTooLarge(t *testing.T) {
	opts := fastOptions()
	opts.MaxUploadSize = 100
	f := newFixture(t, opts)
	result := f.serveOne(context.Background())

	err := f.uploadRefused(t, "big", make([]byte, 101))
	assert.ErrorIs(t, err, handshake.ErrRejected)
	assert.ErrorContains(t, err, "upload exceeds size limit")

	got := <-result
	assert.ErrorIs(t, got.err, ErrUploadTooLarge)
	assert.NotErrorIs(t, got.err, handshake.ErrNoAck, "the refusal was acknowledged")
	_, err = f.store.Size("big")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServeOne_UploadPathEscape(t *testing.T) {
	f := newFixture(t, fastOptions())
	result := f.serveOne(context.Background())

	err := f.uploadRefused(t, "../evil", []byte("bad"))
	assert.ErrorIs(t, err, handshake.ErrRejected)
	assert.ErrorContains(t, err, "path escapes storage root")

	got := <-result
	assert.ErrorIs(t, got.err, storage.ErrPathEscape)
	assert.NotErrorIs(t, got.err, handshake.ErrNoAck)
	_, err = os.Stat(filepath.Join(filepath.Dir(f.store.Root()), "evil.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestServeOne_RefusalUnacknowledged(t *testing.T) {
	opts := fastOptions()
	opts.MaxUploadSize = 10
	f := newFixture(t, opts)
	result := f.serveOne(context.Background())

	// The client disappears right after the handshake.
	require.NoError(t, handshake.Request(context.Background(), f.client, f.server.LocalAddr(), handshake.Upload{Name: "gone", Size: 11}, fastRetry))

	got := <-result
	assert.ErrorIs(t, got.err, ErrUploadTooLarge)
	assert.ErrorIs(t, got.err, handshake.ErrNoAck)
}

func TestDefaultOptions_LimitsUploads(t *testing.T) {
	assert.Equal(t, DefaultMaxUploadSize, DefaultOptions().MaxUploadSize)

	opts := fastOptions()
	opts.MaxUploadSize = DefaultOptions().MaxUploadSize
	f := newFixture(t, opts)
	result := f.serveOne(context.Background())

	// A 4 TiB claim is answered with a refusal, not a slot array.
	require.NoError(t, handshake.Request(context.Background(), f.client, f.server.LocalAddr(), handshake.Upload{Name: "huge", Size: 4 << 40}, fastRetry))
	var refusal transport.Packet
	for {
		packet, addr, err := f.client.Receive(time.Second)
		require.NoError(t, err)
		if packet.Seq == transport.SeqRejected {
			require.NoError(t, f.client.Send(transport.NewAck(packet.Seq), addr))
			refusal = packet
			break
		}
	}
	assert.Contains(t, string(refusal.Payload), "upload exceeds size limit")

	got := <-result
	assert.ErrorIs(t, got.err, ErrUploadTooLarge)
	assert.NotErrorIs(t, got.err, handshake.ErrNoAck)
}

func TestServeOne_UploadAbandonedMidway(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx := context.Background()

	var done []*Session
	f.srv.OnSessionDone(func(s *Session) { done = append(done, s) })
	result := f.serveOne(ctx)

	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Upload{Name: "half", Size: 3000}, fastRetry))
	// Only the first chunk is ever sent.
	require.NoError(t, f.client.Send(transport.Packet{Seq: transport.ChunkSeq(0), Payload: make([]byte, file.ChunkSize)}, f.server.LocalAddr()))

	got := <-result
	assert.ErrorIs(t, got.err, handshake.ErrNoAck)
	require.Len(t, done, 1)
	assert.Same(t, got.sess, done[0])

	entries, err := os.ReadDir(f.store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "partial upload is discarded")
}

func TestServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestServe_ContinuesAfterFailedSession(t *testing.T) {
	f := newFixture(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := make(chan *Session, 4)
	f.srv.OnSessionDone(func(s *Session) { sessions <- s })
	go f.srv.Serve(ctx)

	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Download{Name: "nope"}, fastRetry))
	_, err := handshake.AwaitSize(ctx, f.client, f.server.LocalAddr(), fastRetry)
	require.ErrorIs(t, err, handshake.ErrFileNotFound)

	first := <-sessions
	assert.Error(t, first.Err)

	require.NoError(t, os.WriteFile(filepath.Join(f.store.Root(), "yes"), []byte("ok"), 0o644))
	require.NoError(t, handshake.Request(ctx, f.client, f.server.LocalAddr(), handshake.Download{Name: "yes"}, fastRetry))
	size, err := handshake.AwaitSize(ctx, f.client, f.server.LocalAddr(), fastRetry)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestServeOne_EndpointClosed(t *testing.T) {
	f := newFixture(t, fastOptions())
	f.server.Close()

	sess, err := f.srv.ServeOne(context.Background())
	assert.Nil(t, sess)
	assert.Error(t, err)
}
