// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package correlator

import (
	"errors"
	"time"
)

// Timing bounds the Config fields accept, mirroring the IEC config
// range-check convention: zero means "apply the default", anything else
// out of range is rejected.
const (
	MessageTimeoutMin = 1 * time.Second
	MessageTimeoutMax = 60 * time.Second

	MessageRetryMin = 0
	MessageRetryMax = 10

	ShortAckWaitMin = 100 * time.Millisecond
	ShortAckWaitMax = 10 * time.Second
)

// Config defines the correlator's timing and retry behavior.
// The default is applied for each unspecified value.
type Config struct {
	// MessageTimeout is how long an in-flight request waits before the
	// timeout watcher resubmits it.
	// range [1s, 60s] default 5s.
	MessageTimeout time.Duration

	// MessageRetry is how many additional transmissions a request gets
	// after the first, before it is dropped.
	// range [0, 10] default 2.
	MessageRetry int

	// ShortAckWait is range-checked and stored, but neither the writer nor
	// the timeout watcher reads it: a request still awaiting its small-ack
	// is resubmitted on the MessageTimeout cadence.
	// range [100ms, 10s] default 1s.
	ShortAckWait time.Duration
}

// Valid applies the default for each unspecified value.
func (c *Config) Valid() error {
	if c == nil {
		return errors.New("invalid pointer")
	}

	if c.MessageTimeout == 0 {
		c.MessageTimeout = 5 * time.Second
	} else if c.MessageTimeout < MessageTimeoutMin || c.MessageTimeout > MessageTimeoutMax {
		return errors.New(`MessageTimeout not in [1s, 60s]`)
	}

	if c.MessageRetry == 0 {
		c.MessageRetry = 2
	} else if c.MessageRetry < MessageRetryMin || c.MessageRetry > MessageRetryMax {
		return errors.New(`MessageRetry not in [0, 10]`)
	}

	if c.ShortAckWait == 0 {
		c.ShortAckWait = 1 * time.Second
	} else if c.ShortAckWait < ShortAckWaitMin || c.ShortAckWait > ShortAckWaitMax {
		return errors.New(`ShortAckWait not in [100ms, 10s]`)
	}

	return nil
}

// DefaultConfig returns the correlator's default timing.
func DefaultConfig() Config {
	return Config{
		MessageTimeout: 5 * time.Second,
		MessageRetry:   2,
		ShortAckWait:   1 * time.Second,
	}
}
