// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestParseCLAType(t *testing.T) {
	for claType := TCP; claType < unknownClaType; claType++ {
		if parsed, err := ParseCLAType(claType.String()); err != nil {
			t.Fatal(err)
		} else if parsed != claType {
			t.Fatalf("parsed %v, expected %v", parsed, claType)
		}
	}

	if _, err := ParseCLAType("udp"); err == nil {
		t.Fatal("parsed unknown CLAType")
	}
	if err := unknownClaType.CheckValid(); err == nil {
		t.Fatal("unknown CLAType is valid")
	}
}

func TestTransportLoopback(t *testing.T) {
	for _, claType := range []CLAType{TCP, WebSocket, QUIC} {
		t.Run(claType.String(), func(t *testing.T) {
			ln, err := Listen(claType, "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()

			address := ln.Addr().String()
			if claType == WebSocket {
				address = "ws://" + address + "/"
			}

			accepted := make(chan Transport, 1)
			acceptErr := make(chan error, 1)
			go func() {
				if tr, err := ln.Accept(); err != nil {
					acceptErr <- err
				} else {
					accepted <- tr
				}
			}()

			client, err := Dial(context.Background(), claType, address)
			if err != nil {
				t.Fatal(err)
			}
			defer client.Close()

			if err := client.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
				t.Fatal(err)
			}
			if _, err := client.Write([]byte("hello")); err != nil {
				t.Fatal(err)
			}

			var server Transport
			select {
			case server = <-accepted:
				defer server.Close()
			case err := <-acceptErr:
				t.Fatal(err)
			case <-time.After(5 * time.Second):
				t.Fatal("accept timed out")
			}

			buf := make([]byte, 5)
			if _, err := io.ReadFull(server, buf); err != nil {
				t.Fatal(err)
			} else if string(buf) != "hello" {
				t.Fatalf("server read %q", buf)
			}

			if _, err := server.Write([]byte("world")); err != nil {
				t.Fatal(err)
			}
			if _, err := io.ReadFull(client, buf); err != nil {
				t.Fatal(err)
			} else if string(buf) != "world" {
				t.Fatalf("client read %q", buf)
			}
		})
	}
}

func TestListenerClose(t *testing.T) {
	for _, claType := range []CLAType{TCP, WebSocket, QUIC} {
		t.Run(claType.String(), func(t *testing.T) {
			ln, err := Listen(claType, "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}

			errs := make(chan error)
			go func() {
				_, err := ln.Accept()
				errs <- err
			}()

			time.Sleep(10 * time.Millisecond)
			_ = ln.Close()

			select {
			case err := <-errs:
				if err == nil {
					t.Fatal("Accept on a closed listener succeeded")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Accept did not return")
			}
		})
	}
}
