package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/opd-ai/fileferry/config"
	"github.com/opd-ai/fileferry/discovery"
	"github.com/opd-ai/fileferry/session"
	"github.com/opd-ai/fileferry/storage"
	"github.com/opd-ai/fileferry/stream"
	"github.com/opd-ai/fileferry/transport"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		storageRoot string
		udpAddr     string
		tcpAddr     string
		quicAddr    string
		advertise   bool
		instance    string
		dropRate    float64
		dropSeed    uint64
		maxUpload   int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Store uploads and answer downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("storage") {
				cfg.Storage = storageRoot
			}
			if flags.Changed("udp") {
				cfg.Listen.UDP = udpAddr
			}
			if flags.Changed("tcp") {
				cfg.Listen.TCP = tcpAddr
			}
			if flags.Changed("quic") {
				cfg.Listen.QUIC = quicAddr
			}
			if flags.Changed("advertise") {
				cfg.Advertise = advertise
			}
			if flags.Changed("instance") {
				cfg.Instance = instance
			}
			if flags.Changed("drop-rate") {
				cfg.DropRate = dropRate
			}
			if flags.Changed("drop-seed") {
				cfg.DropSeed = dropSeed
			}
			if flags.Changed("max-upload-size") {
				cfg.MaxUploadSize = maxUpload
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&storageRoot, "storage", "s", "", "directory holding the served files")
	flags.StringVar(&udpAddr, "udp", "", "datagram listen address")
	flags.StringVar(&tcpAddr, "tcp", "", "TCP stream listen address (empty disables)")
	flags.StringVar(&quicAddr, "quic", "", "QUIC stream listen address (empty disables)")
	flags.BoolVar(&advertise, "advertise", false, "announce the server over mDNS")
	flags.StringVar(&instance, "instance", "", "mDNS instance name (default hostname)")
	flags.Float64Var(&dropRate, "drop-rate", 0, "discard this fraction of outgoing datagrams")
	flags.Uint64Var(&dropSeed, "drop-seed", 0, "seed of the datagram drop generator")
	flags.Int64Var(&maxUpload, "max-upload-size", session.DefaultMaxUploadSize, "reject uploads above this many bytes (0 = no limit)")
	return cmd
}

// serve runs every enabled listener until ctx ends or one of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}

	udp, err := listenUDP(cfg)
	if err != nil {
		return err
	}
	defer udp.Close()
	ports := discovery.Ports{discovery.TransportUDP: portOf(udp.LocalAddr())}

	var tcpLn net.Listener
	if cfg.Listen.TCP != "" {
		tcpLn, err = net.Listen("tcp", cfg.Listen.TCP)
		if err != nil {
			return err
		}
		defer tcpLn.Close()
		ports[discovery.TransportTCP] = portOf(tcpLn.Addr())
	}

	var quicLn *quic.Listener
	if cfg.Listen.QUIC != "" {
		tlsConfig, err := serverTLS(cfg.TLS)
		if err != nil {
			return err
		}
		quicLn, err = stream.ListenQUIC(cfg.Listen.QUIC, tlsConfig)
		if err != nil {
			return err
		}
		defer quicLn.Close()
		ports[discovery.TransportQUIC] = portOf(quicLn.Addr())
	}

	if cfg.Advertise {
		ad, err := discovery.Advertise(cfg.Instance, ports)
		if err != nil {
			return err
		}
		defer ad.Shutdown()
	}

	g, ctx := errgroup.WithContext(ctx)

	server := session.NewServer(udp, store, cfg.ServerOptions())
	g.Go(func() error { return server.Serve(ctx) })

	streams := stream.NewServer(store, cfg.StreamIdle)
	if tcpLn != nil {
		g.Go(func() error { return streams.ServeTCP(ctx, tcpLn) })
	}
	if quicLn != nil {
		g.Go(func() error { return streams.ServeQUIC(ctx, quicLn) })
	}

	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"storage":  store.Root(),
		"ports":    ports,
	}).Info("Serving")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listenUDP opens the datagram endpoint, with simulated loss when
// configured.
func listenUDP(cfg *config.Config) (*transport.Endpoint, error) {
	if cfg.DropRate == 0 {
		return transport.Listen(cfg.Listen.UDP)
	}

	conn, err := net.ListenPacket("udp", cfg.Listen.UDP)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "listenUDP",
		"drop_rate": cfg.DropRate,
		"seed":      cfg.DropSeed,
	}).Warn("Simulating datagram loss")
	return transport.NewEndpoint(transport.NewLossyPacketConn(conn, cfg.DropRate, cfg.DropSeed)), nil
}

func serverTLS(c config.TLS) (*tls.Config, error) {
	if c.Cert != "" {
		return stream.LoadTLS(c.Cert, c.Key)
	}
	return stream.SelfSignedTLS()
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	return 0
}
