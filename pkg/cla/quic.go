// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicNextProto = "dtn-scl"

const (
	// quicErrorNone closes a QUIC connection after its stream was closed.
	quicErrorNone quic.ApplicationErrorCode = 0
	// quicErrorListenerClosed closes pending connections of a closed listener.
	quicErrorListenerClosed quic.ApplicationErrorCode = 5
)

// quicListenerTLSConfig generates a bare-bones TLS config with a self-signed
// certificate; the dialer does not verify it.
func quicListenerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating private key failed: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("generating certificate failed: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("combining certificate failed: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicNextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func quicDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicNextProto},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    time.Second,
		MaxIdleTimeout:     30 * time.Second,
		MaxIncomingStreams: 1,
	}
}

// quicTransport is one bidirectional stream of a QUIC connection.
type quicTransport struct {
	quic.Stream
	conn quic.Connection
}

func (qt *quicTransport) Close() error {
	_ = qt.Stream.Close()

	// Closing the connection discards unsent stream data, so the peer gets a
	// chance to read and close first.
	select {
	case <-qt.conn.Context().Done():
	case <-time.After(closeGrace):
	}

	return qt.conn.CloseWithError(quicErrorNone, "")
}

func (qt *quicTransport) RemoteAddr() net.Addr {
	return qt.conn.RemoteAddr()
}

func dialQUIC(ctx context.Context, address string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, address, quicDialerTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicErrorNone, err.Error())
		return nil, err
	}

	return &quicTransport{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func listenQUIC(address string) (Listener, error) {
	tlsConf, err := quicListenerTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(address, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{ln: ln, ctx: ctx, cancel: cancel}, nil
}

// Accept the next QUIC connection and its first stream. The peer's stream is
// known after it sent its first bytes.
func (ql *quicListener) Accept() (Transport, error) {
	for {
		conn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			return nil, err
		}

		streamCtx, cancel := context.WithTimeout(ql.ctx, dialTimeout)
		stream, err := conn.AcceptStream(streamCtx)
		cancel()

		if err != nil {
			_ = conn.CloseWithError(quicErrorListenerClosed, err.Error())
			if ql.ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		return &quicTransport{Stream: stream, conn: conn}, nil
	}
}

func (ql *quicListener) Close() error {
	ql.cancel()
	return ql.ln.Close()
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}
