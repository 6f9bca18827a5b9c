// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// webSocketTransport adapts a message based WebSocket to a byte stream. Each
// Write becomes a binary message, written by its own goroutine. A WebSocket
// cannot be used after a timed out write, so timeouts are applied while
// waiting for the previous message.
type webSocketTransport struct {
	conn *websocket.Conn

	reader io.Reader

	writeMutex    sync.Mutex
	writeDeadline time.Time
	writeIdle     chan struct{}
	writeErr      error
	closed        chan struct{}
	closeOnce     sync.Once
}

func newWebSocketTransport(conn *websocket.Conn) *webSocketTransport {
	wst := &webSocketTransport{
		conn:      conn,
		writeIdle: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	wst.writeIdle <- struct{}{}
	return wst
}

func (wst *webSocketTransport) Read(p []byte) (n int, err error) {
	for {
		if wst.reader == nil {
			var msgType int
			if msgType, wst.reader, err = wst.conn.NextReader(); err != nil {
				return
			} else if msgType != websocket.BinaryMessage {
				wst.reader = nil
				continue
			}
		}

		n, err = wst.reader.Read(p)
		if errors.Is(err, io.EOF) {
			wst.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return
	}
}

func (wst *webSocketTransport) Write(p []byte) (n int, err error) {
	wst.writeMutex.Lock()
	deadline := wst.writeDeadline
	wst.writeMutex.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-wst.writeIdle:
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-wst.closed:
		return 0, net.ErrClosed
	}

	wst.writeMutex.Lock()
	if err = wst.writeErr; err != nil {
		wst.writeMutex.Unlock()
		wst.writeIdle <- struct{}{}
		return 0, err
	}
	wst.writeMutex.Unlock()

	msg := append([]byte(nil), p...)
	go func() {
		if msgErr := wst.conn.WriteMessage(websocket.BinaryMessage, msg); msgErr != nil {
			wst.writeMutex.Lock()
			wst.writeErr = msgErr
			wst.writeMutex.Unlock()
		}
		wst.writeIdle <- struct{}{}
	}()

	return len(p), nil
}

func (wst *webSocketTransport) Close() error {
	err := net.ErrClosed
	wst.closeOnce.Do(func() {
		// A pending message may finish first.
		select {
		case <-wst.writeIdle:
		case <-time.After(closeGrace):
		}

		close(wst.closed)
		err = wst.conn.Close()
	})
	return err
}

func (wst *webSocketTransport) SetReadDeadline(t time.Time) error {
	return wst.conn.SetReadDeadline(t)
}

func (wst *webSocketTransport) SetWriteDeadline(t time.Time) error {
	wst.writeMutex.Lock()
	defer wst.writeMutex.Unlock()

	wst.writeDeadline = t
	return nil
}

func (wst *webSocketTransport) RemoteAddr() net.Addr {
	return wst.conn.RemoteAddr()
}

func dialWebSocket(ctx context.Context, address string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newWebSocketTransport(conn), nil
}

// WebSocketListener is a http.Handler to accept incoming WebSocket Transports.
// It can be mounted on an existing HTTP server or be started by ListenWebSocket.
type WebSocketListener struct {
	upgrader websocket.Upgrader

	transports chan Transport
	closed     chan struct{}
	closeOnce  sync.Once

	server   *http.Server
	listener net.Listener
}

// NewWebSocketListener creates a WebSocketListener without its own HTTP server.
func NewWebSocketListener() *WebSocketListener {
	return &WebSocketListener{
		transports: make(chan Transport),
		closed:     make(chan struct{}),
	}
}

// ListenWebSocket creates a WebSocketListener, serving on its own HTTP server.
func ListenWebSocket(address string) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	wsl := NewWebSocketListener()
	wsl.listener = ln
	wsl.server = &http.Server{Handler: wsl, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := wsl.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("address", address).Warn("WebSocket server errored")
		}
	}()

	return wsl, nil
}

// ServeHTTP upgrades a HTTP connection to a WebSocket Transport.
func (wsl *WebSocketListener) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := wsl.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		log.WithError(err).WithField("peer", request.RemoteAddr).Warn("Upgrading connection errored")
		return
	}

	transport := newWebSocketTransport(conn)
	select {
	case wsl.transports <- transport:
	case <-wsl.closed:
		_ = transport.Close()
	}
}

// Accept the next WebSocket Transport.
func (wsl *WebSocketListener) Accept() (Transport, error) {
	select {
	case transport := <-wsl.transports:
		return transport, nil
	case <-wsl.closed:
		return nil, net.ErrClosed
	}
}

// Close this WebSocketListener and its HTTP server, if any.
func (wsl *WebSocketListener) Close() (err error) {
	wsl.closeOnce.Do(func() {
		close(wsl.closed)
		if wsl.server != nil {
			err = wsl.server.Close()
		}
	})
	return
}

// Addr of its own HTTP server, or nil.
func (wsl *WebSocketListener) Addr() net.Addr {
	if wsl.listener == nil {
		return nil
	}
	return wsl.listener.Addr()
}
