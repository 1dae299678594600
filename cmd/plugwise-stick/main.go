// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Command plugwise-stick connects to a Plugwise USB stick (or its
// network-bridged equivalent), initializes it, scans for linked nodes and
// prints what it finds. It exists to give the module a runnable entry
// point; correctness of this driver itself is out of scope.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rob-gra/go-plugwise"
)

const (
	exitOK = iota
	_
	exitStickInitFailed
	exitNetworkDown
	exitCirclePlusUnreachable
)

func mainImpl() int {
	timeout := flag.Duration("timeout", plugwise.DefaultStickInitTimeout, "stick init timeout")
	autoUpdate := flag.Int("auto-update", 0, "maintenance tick period in seconds (0 disables)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: plugwise-stick [flags] <port>")
		return exitStickInitFailed
	}
	port := flag.Arg(0)

	ctrl, err := plugwise.New(plugwise.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "plugwise-stick: %v\n", err)
		return exitStickInitFailed
	}

	if err := ctrl.Connect(port); err != nil {
		fmt.Fprintf(os.Stderr, "plugwise-stick: connect %s: %v\n", port, err)
		return exitStickInitFailed
	}
	defer ctrl.Disconnect()

	if err := ctrl.InitializeStick(*timeout); err != nil {
		switch {
		case err == plugwise.ErrNetworkDown:
			fmt.Fprintln(os.Stderr, "plugwise-stick: network is offline")
			return exitNetworkDown
		default:
			fmt.Fprintf(os.Stderr, "plugwise-stick: stick init: %v\n", err)
			return exitStickInitFailed
		}
	}

	scanDone := make(chan int, 1)
	ctrl.Scan(func(nodes []plugwise.Node, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "plugwise-stick: scan: %v\n", err)
			if err == plugwise.ErrCirclePlusUnreachable {
				scanDone <- exitCirclePlusUnreachable
				return
			}
			scanDone <- exitOK
			return
		}
		for _, n := range nodes {
			fmt.Printf("%s\t%s\n", n.MACAddress(), n.NodeType())
		}
		scanDone <- exitOK
	})
	if code := <-scanDone; code != exitOK {
		return code
	}

	if *autoUpdate <= 0 {
		return exitOK
	}
	ctrl.AutoUpdate(*autoUpdate)

	halt := make(chan os.Signal, 1)
	signal.Notify(halt, syscall.SIGINT, syscall.SIGTERM)
	<-halt
	return exitOK
}

func main() {
	os.Exit(mainImpl())
}
