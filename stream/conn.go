package stream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "fileferry"

// Conn is one reliable byte stream carrying a single transfer.
type Conn interface {
	io.Reader
	io.Writer
	// CloseWrite ends the outgoing direction; the peer reads io.EOF.
	CloseWrite() error
	// SetDeadline bounds pending and future reads and writes.
	SetDeadline(t time.Time) error
	io.Closer
}

// DialTCP connects to a stream server over TCP.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	return tcp, nil
}

// quicConn carries a transfer on the single stream of a QUIC connection.
type quicConn struct {
	quic.Stream
	conn quic.Connection
}

// CloseWrite closes the send direction of the stream.
func (q *quicConn) CloseWrite() error {
	return q.Stream.Close()
}

// Close tears down the stream and its connection.
func (q *quicConn) Close() error {
	q.Stream.Close()
	q.Stream.CancelRead(0)
	return q.conn.CloseWithError(0, "transfer finished")
}

// DialQUIC connects to a stream server over QUIC and opens the transfer
// stream. The server certificate is not verified.
func DialQUIC(ctx context.Context, addr string) (Conn, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	if err != nil {
		return nil, err
	}

	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream unavailable")
		return nil, err
	}
	return &quicConn{Stream: s, conn: conn}, nil
}

// ListenQUIC starts a QUIC listener on addr with tlsConfig. The ALPN is added
// to NextProtos when missing.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	conf := tlsConfig.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	return quic.ListenAddr(addr, conf, nil)
}

// acceptQUIC waits for the next connection and its transfer stream.
func acceptQUIC(ctx context.Context, ln *quic.Listener) (Conn, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	s, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicConn{Stream: s, conn: conn}, nil
}

// SelfSignedTLS generates an in-memory certificate for the QUIC server.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"fileferry"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(180 * 24 * time.Hour),
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SelfSignedTLS",
		"serial":   serial.String(),
	}).Debug("Generated self-signed certificate")

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}

// LoadTLS builds a server TLS configuration from PEM files.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}, nil
}

// linger waits for the peer to end its side so that nothing written is lost
// when the connection is closed. Errors only mean the peer left first.
func linger(conn Conn, timeout time.Duration) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	n, err := io.Copy(io.Discard, conn)
	if err != nil || n > 0 {
		fields := logrus.Fields{
			"function":   "linger",
			"unexpected": n,
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Debug("Peer did not end the stream cleanly")
	}
}
