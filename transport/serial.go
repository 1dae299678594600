// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package transport

import (
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/rob-gra/go-plugwise/clog"
)

// BaudRate is the stick's fixed line speed, 8 data bits, no parity, one
// stop bit.
const BaudRate = 115200

// readTimeout bounds each blocking serial.Port.Read so the reader
// goroutine can notice Disconnect promptly.
const readTimeout = 1 * time.Second

// Serial is a transport.Transport backed by a USB-serial stick.
type Serial struct {
	base

	device string
	log    clog.Clog

	mu     sync.Mutex
	port   *serial.Port
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSerial builds a Serial transport for the given device path (e.g.
// "/dev/ttyUSB0").
func NewSerial(device string) *Serial {
	return &Serial{
		device: device,
		log:    clog.NewLogger("transport/serial =>"),
	}
}

// Connect opens the port and starts the reader goroutine.
func (s *Serial) Connect() error {
	cfg := &serial.Config{Name: s.device, Baud: BaudRate, ReadTimeout: readTimeout}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.port = port
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Disconnect stops the reader goroutine and closes the port.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	stopCh := s.stopCh
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
	if port == nil {
		return nil
	}
	return port.Close()
}

// Send writes frame to the port.
func (s *Serial) Send(frame []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errPortNotConnected
	}
	_, err := port.Write(frame)
	return err
}

func (s *Serial) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.Lock()
		port := s.port
		s.mu.Unlock()
		n, err := port.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("read %s: %v", s.device, err)
				time.Sleep(50 * time.Millisecond)
			}
		}
	}
}
