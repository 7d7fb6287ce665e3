// SPDX-License-Identifier: AGPL-3.0-only
package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
)

// Conn is the uniform capability the swarm manager exchanges chunks
// over: one QUIC stream plus the session it belongs to, following the
// QuicConn{Stream, Conn} shape of the sockatz/common package.
type Conn interface {
	net.Conn
}

// quicConn adapts a quic.Stream plus its owning quic.Connection to
// net.Conn, which every downstream consumer (producer framing, peer
// read loops) is written against.
type quicConn struct {
	quic.Stream
	session quic.Connection
}

func (q *quicConn) LocalAddr() net.Addr  { return q.session.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr { return q.session.RemoteAddr() }

// Listener accepts incoming QUIC connections and opens one bidirectional
// stream per peer (the swarm manager runs one Listener per room).
type Listener struct {
	worker.Worker

	ql *quic.Listener
}

// Listen starts a QUIC listener on addr. tlsConf may be nil, in which
// case a self-signed certificate is generated for the session.
func Listen(addr string, tlsConf *tls.Config, qcfg *quic.Config) (*Listener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = GenerateTLSConfig()
		if err != nil {
			return nil, errcode.New(errcode.PeerUnreachable, err)
		}
	}
	ql, err := quic.ListenAddr(addr, tlsConf, qcfg)
	if err != nil {
		return nil, errcode.New(errcode.PeerUnreachable, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until a peer connects and opens its stream, or ctx is
// cancelled or the Listener is halted.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, errcode.New(errcode.PeerUnreachable, err)
	}
	select {
	case <-l.HaltCh():
		conn.CloseWithError(0, "listener halted")
		return nil, errors.New("transport: listener halted")
	default:
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, errcode.New(errcode.PeerUnreachable, err)
	}
	return &quicConn{Stream: stream, session: conn}, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Close stops the listener and halts any in-flight Accept call.
func (l *Listener) Close() error {
	l.Halt()
	return l.ql.Close()
}

// Dial connects to addr and opens the single bidirectional stream the
// rest of the engine exchanges chunks over.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, qcfg *quic.Config) (Conn, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"shareswarm"}}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, qcfg)
	if err != nil {
		return nil, errcode.New(errcode.PeerUnreachable, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errcode.New(errcode.PeerUnreachable, err)
	}
	return &quicConn{Stream: stream, session: conn}, nil
}

// GenerateTLSConfig produces a throwaway self-signed certificate for a
// single session, following the common.GenerateTLSConfig convention of
// minting fresh session TLS material rather than relying on externally
// issued certificates for direct peer connections.
func GenerateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"shareswarm"},
	}, nil
}
