// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package transport

import (
	"net"
	"testing"
	"time"
)

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		serverDone <- buf[:n]
		conn.Write([]byte("pong"))
	}()

	tr := NewTCP(ln.Addr().String())
	var received []byte
	done := make(chan struct{}, 1)
	tr.SetSink(func(b []byte) {
		received = append(received, b...)
		done <- struct{}{}
	})
	if err := tr.Connect(); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	if err := tr.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-serverDone:
		if string(got) != "ping" {
			t.Fatalf("server got %q, want ping", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the frame")
	}

	select {
	case <-done:
		if string(received) != "pong" {
			t.Fatalf("sink got %q, want pong", received)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the reply")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	tr := NewTCP("127.0.0.1:0")
	if err := tr.Send([]byte("x")); err != errPortNotConnected {
		t.Fatalf("got %v, want errPortNotConnected", err)
	}
}
