// Package discovery announces fileferry servers on the local network over
// mDNS and finds them again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceType is the DNS-SD service announced by servers.
	ServiceType = "_fileferry._udp"
	// Domain is the mDNS domain.
	Domain = "local."

	txtVersion = "txtv=1"
)

// Transport names used in TXT records and Server.Addr.
const (
	TransportUDP  = "udp"
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

// ErrNoServer indicates that browsing ended without a usable server.
var ErrNoServer = errors.New("no fileferry server found")

// Ports maps a transport name to the port it listens on. The datagram port
// is also the advertised service port.
type Ports map[string]int

// EncodeTXT renders ports as TXT record strings.
func EncodeTXT(ports Ports) []string {
	txt := []string{txtVersion}
	for _, name := range []string{TransportUDP, TransportTCP, TransportQUIC} {
		if port, ok := ports[name]; ok && port > 0 {
			txt = append(txt, fmt.Sprintf("%s=%d", name, port))
		}
	}
	return txt
}

// ParseTXT extracts transport ports from TXT strings, ignoring anything it
// does not understand.
func ParseTXT(txt []string) Ports {
	ports := Ports{}
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case TransportUDP, TransportTCP, TransportQUIC:
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				continue
			}
			ports[key] = port
		}
	}
	return ports
}

// Server is one discovered fileferry server.
type Server struct {
	Instance string
	Host     string
	IPs      []net.IP
	Ports    Ports
}

// Addr returns host:port for transport, preferring IPv4.
func (s Server) Addr(transport string) (string, error) {
	port, ok := s.Ports[transport]
	if !ok {
		return "", fmt.Errorf("server %q does not offer %s", s.Instance, transport)
	}
	if len(s.IPs) == 0 {
		return "", fmt.Errorf("server %q has no address", s.Instance)
	}
	ip := s.IPs[0]
	for _, candidate := range s.IPs {
		if candidate.To4() != nil {
			ip = candidate
			break
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

func fromEntry(entry *zeroconf.ServiceEntry) Server {
	ports := ParseTXT(entry.Text)
	if _, ok := ports[TransportUDP]; !ok && entry.Port > 0 {
		ports[TransportUDP] = entry.Port
	}

	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return Server{
		Instance: entry.Instance,
		Host:     entry.HostName,
		IPs:      ips,
		Ports:    ports,
	}
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the server under instance, or the hostname when
// instance is empty, until Shutdown.
func Advertise(instance string, ports Ports) (*Advertisement, error) {
	port := ports[TransportUDP]
	if port <= 0 {
		return nil, errors.New("advertisement needs the datagram port")
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		instance = host
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, EncodeTXT(ports), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"instance": instance,
		"service":  ServiceType,
		"ports":    ports,
	}).Info("Advertising server")

	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Browse collects servers until ctx ends.
func Browse(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := browse(ctx, func(s Server) bool {
		servers = append(servers, s)
		return true
	})
	return servers, err
}

// First returns the first server that offers transport.
func First(ctx context.Context, transport string) (Server, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found *Server
	err := browse(ctx, func(s Server) bool {
		if _, ok := s.Ports[transport]; ok && len(s.IPs) > 0 {
			found = &s
			return false
		}
		return true
	})
	if found != nil {
		return *found, nil
	}
	if err != nil {
		return Server{}, err
	}
	return Server{}, ErrNoServer
}

// browse feeds discovered servers to visit until it returns false or ctx
// ends.
func browse(ctx context.Context, visit func(Server) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initialize resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			server := fromEntry(entry)
			logrus.WithFields(logrus.Fields{
				"function": "browse",
				"instance": server.Instance,
				"host":     server.Host,
				"ports":    server.Ports,
			}).Debug("Discovered server")
			if !visit(server) {
				return nil
			}
		}
	}
}
