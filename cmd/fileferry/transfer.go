package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/opd-ai/fileferry/client"
	"github.com/opd-ai/fileferry/config"
	"github.com/opd-ai/fileferry/discovery"
	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/stream"
	"github.com/opd-ai/fileferry/transport"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// autoServer makes the transfer commands look the server up over mDNS.
const autoServer = "auto"

const discoverTimeout = 3 * time.Second

// transferFlags are shared by upload and download.
type transferFlags struct {
	server     string
	transport  string
	verify     string
	noProgress bool
}

func (f *transferFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.server, "server", "S", "", `server address, or "auto" to discover one`)
	flags.StringVarP(&f.transport, "transport", "t", discovery.TransportUDP, "udp, tcp or quic")
	flags.StringVar(&f.verify, "verify", "", "expected BLAKE2b-256 digest (hex) of the file")
	flags.BoolVar(&f.noProgress, "no-progress", false, "do not draw a progress bar")
}

// outcome is what the CLI reports about a finished transfer.
type outcome struct {
	Name   string
	Size   int64
	Digest string
}

func newUploadCmd(a *app) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "upload <file> [name]",
		Short: "Send a local file to the server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			name := filepath.Base(src)
			if len(args) == 2 {
				name = args[1]
			}

			ctx := cmd.Context()
			server, err := resolveServer(ctx, a.cfg, tf.server, tf.transport)
			if err != nil {
				return err
			}

			res, err := upload(ctx, a.cfg, tf.transport, server, src, name, progressHook(cmd.ErrOrStderr(), !tf.noProgress, "upload "+name))
			if err != nil {
				return err
			}
			if err := verifyDigest(res, tf.verify); err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "uploaded", res)
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "download <name> [dest]",
		Short: "Fetch a file from the server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			dest := name
			if len(args) == 2 {
				dest = args[1]
			}

			ctx := cmd.Context()
			server, err := resolveServer(ctx, a.cfg, tf.server, tf.transport)
			if err != nil {
				return err
			}

			res, err := download(ctx, a.cfg, tf.transport, server, name, dest, progressHook(cmd.ErrOrStderr(), !tf.noProgress, "download "+name))
			if err != nil {
				return err
			}
			if err := verifyDigest(res, tf.verify); err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "downloaded", res)
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}

// resolveServer picks the flag value, the discovered server or the
// configured default, in that order.
func resolveServer(ctx context.Context, cfg *config.Config, flag, transportName string) (string, error) {
	switch transportName {
	case discovery.TransportUDP, discovery.TransportTCP, discovery.TransportQUIC:
	default:
		return "", fmt.Errorf("unknown transport %q", transportName)
	}

	server := flag
	if server == "" {
		server = cfg.Server
	}
	if server != autoServer {
		return server, nil
	}

	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	found, err := discovery.First(ctx, transportName)
	if err != nil {
		return "", err
	}
	return found.Addr(transportName)
}

func upload(ctx context.Context, cfg *config.Config, transportName, server, src, name string, hook func(*file.Transfer)) (*outcome, error) {
	if transportName == discovery.TransportUDP {
		conn, addr, err := dialUDP(server)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		opts := cfg.ClientOptions()
		opts.OnTransfer = hook
		res, err := client.Upload(ctx, conn, addr, src, name, opts)
		if err != nil {
			return nil, err
		}
		return &outcome{Name: res.Name, Size: res.Size, Digest: res.Digest}, nil
	}

	conn, err := dialStream(ctx, transportName, server)
	if err != nil {
		return nil, err
	}
	n, err := stream.Upload(ctx, conn, src, name, hook)
	if err != nil {
		return nil, err
	}
	digest, err := storage.DigestFile(src)
	if err != nil {
		return nil, err
	}
	return &outcome{Name: name, Size: n, Digest: digest}, nil
}

func download(ctx context.Context, cfg *config.Config, transportName, server, name, dest string, hook func(*file.Transfer)) (*outcome, error) {
	if transportName == discovery.TransportUDP {
		conn, addr, err := dialUDP(server)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		opts := cfg.ClientOptions()
		opts.OnTransfer = hook
		res, err := client.Download(ctx, conn, addr, name, dest, opts)
		if err != nil {
			return nil, err
		}
		return &outcome{Name: res.Name, Size: res.Size, Digest: res.Digest}, nil
	}

	conn, err := dialStream(ctx, transportName, server)
	if err != nil {
		return nil, err
	}
	n, err := stream.Download(ctx, conn, name, dest, hook)
	if err != nil {
		return nil, err
	}
	digest, err := storage.DigestFile(dest)
	if err != nil {
		return nil, err
	}
	return &outcome{Name: name, Size: n, Digest: digest}, nil
}

func dialUDP(server string) (*transport.Endpoint, net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, nil, err
	}
	conn, err := transport.Listen(":0")
	if err != nil {
		return nil, nil, err
	}
	return conn, addr, nil
}

func dialStream(ctx context.Context, transportName, server string) (stream.Conn, error) {
	if transportName == discovery.TransportQUIC {
		return stream.DialQUIC(ctx, server)
	}
	return stream.DialTCP(ctx, server)
}

// progressHook draws a byte progress bar on w for each transfer.
func progressHook(w io.Writer, enabled bool, description string) func(*file.Transfer) {
	if !enabled {
		return nil
	}
	return func(t *file.Transfer) {
		size := t.Size()
		if size <= 0 {
			size = -1
		}
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		t.OnProgress(func(n int64) { bar.Set64(n) })
		t.OnComplete(func(err error) {
			if err == nil {
				bar.Finish()
			}
		})
	}
}

func verifyDigest(res *outcome, want string) error {
	if want == "" || want == res.Digest {
		return nil
	}
	return fmt.Errorf("digest mismatch for %s: got %s, want %s", res.Name, res.Digest, want)
}

func report(w io.Writer, verb string, res *outcome) {
	fmt.Fprintf(w, "%s %s (%d bytes) blake2b %s\n", verb, res.Name, res.Size, res.Digest)
}
