package ferrylib

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const ALPNFerry = "ferry/1"

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// quicStream exposes one bidirectional stream as a net.Conn. A link runs a
// single stream, so closing the stream closes the whole QUIC connection.
type quicStream struct {
	conn   quic.Connection
	stream quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	err := s.stream.Close()
	if cerr := s.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

func (s *quicStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *quicStream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *quicStream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

type quicListener struct {
	ln     *quic.Listener
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC listens on addr and yields each peer's first bidirectional
// stream as a net.Conn, ready for Server.Serve.
func ListenQUIC(addr string, tlsConf *tls.Config, conf *quic.Config) (net.Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{ln: ln, conns: make(chan net.Conn), ctx: ctx, cancel: cancel}
	go l.run()
	return l, nil
}

func (l *quicListener) run() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				conn.CloseWithError(1, "no stream opened")
				return
			}
			select {
			case l.conns <- &quicStream{conn: conn, stream: stream}:
			case <-l.ctx.Done():
				conn.CloseWithError(0, "listener closed")
			}
		}()
	}
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

// DialQUIC dials addr and opens the link's single stream.
func DialQUIC(addr string, tlsConf *tls.Config, conf *quic.Config) DialFunc {
	return func() (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
		defer cancel()

		conn, err := quic.DialAddr(ctx, addr, tlsConf, conf)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(1, "failed to open stream")
			return nil, err
		}
		return &quicStream{conn: conn, stream: stream}, nil
	}
}

// SelfSignedTLSConfig builds a throwaway server certificate. Development
// and tests only.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ferry"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPNFerry}}, nil
}

// InsecureTLSConfig skips server verification. Development and tests only.
func InsecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPNFerry}}
}
