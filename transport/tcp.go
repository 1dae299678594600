// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package transport

import (
	"net"
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
)

// TCP is a transport.Transport backed by a network-attached stick
// (e.g. a USB-over-IP bridge), selected when the configured port string
// contains a colon.
type TCP struct {
	base

	hostport string
	log      clog.Clog

	mu     sync.Mutex
	conn   net.Conn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTCP builds a TCP transport for the given "host:port" address.
func NewTCP(hostport string) *TCP {
	return &TCP{
		hostport: hostport,
		log:      clog.NewLogger("transport/tcp =>"),
	}
}

// Connect dials the address and starts the reader goroutine.
func (t *TCP) Connect() error {
	conn, err := net.Dial("tcp", t.hostport)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Disconnect stops the reader goroutine and closes the connection.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	stopCh := t.stopCh
	t.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Send writes frame to the connection.
func (t *TCP) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errPortNotConnected
	}
	_, err := conn.Write(frame)
	return err
}

func (t *TCP) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 4096)
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			t.deliver(buf[:n])
		}
		select {
		case <-t.stopCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Warn("read %s: %v", t.hostport, err)
			return
		}
	}
}
