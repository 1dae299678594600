// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package plugwise wires the wire codec, correlator, node registry and
// maintenance loop behind a single connect/scan/node/send/auto_update
// API -- the one thing an application ever constructs directly, the way
// cs104's Client type is its own package's single entry point.
package plugwise

import (
	"time"

	"github.com/rob-gra/go-plugwise/correlator"
)

// DefaultStickInitTimeout bounds how long InitializeStick waits for the
// stick to report online before giving up.
const DefaultStickInitTimeout = 10 * time.Second

// DefaultWatchdogPeriod is WATCHDOG_DEAMON: how often the watchdog
// checks coordinator reachability.
const DefaultWatchdogPeriod = 60 * time.Second

// Config bundles the controller's timing knobs. Zero values are filled
// in by Valid with the package defaults, mirroring correlator.Config's
// range-check convention.
type Config struct {
	// Correlator is passed through to correlator.New unmodified.
	Correlator correlator.Config

	// StickInitTimeout is the default used when InitializeStick is
	// called with timeout=0.
	StickInitTimeout time.Duration

	// WatchdogPeriod is how often the watchdog retries coordinator
	// discovery while it remains unreachable.
	WatchdogPeriod time.Duration
}

// DefaultConfig returns the controller's default timing.
func DefaultConfig() Config {
	return Config{
		Correlator:       correlator.DefaultConfig(),
		StickInitTimeout: DefaultStickInitTimeout,
		WatchdogPeriod:   DefaultWatchdogPeriod,
	}
}

// Valid fills in defaults and range-checks the embedded correlator.Config.
func (c *Config) Valid() error {
	if c.StickInitTimeout == 0 {
		c.StickInitTimeout = DefaultStickInitTimeout
	}
	if c.WatchdogPeriod == 0 {
		c.WatchdogPeriod = DefaultWatchdogPeriod
	}
	return c.Correlator.Valid()
}
