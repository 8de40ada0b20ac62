// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// nsstack is the test harness for the stack: bring it up, inspect routes,
// and run an echo server or client over the stack's socket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/routes"
	"github.com/jokerwyt/NS-Stack/socket"
	"github.com/jokerwyt/NS-Stack/stack"
	"github.com/jokerwyt/NS-Stack/stats"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&upCmd{}, "")
	subcommands.Register(&routesCmd{}, "")
	subcommands.Register(&echoServerCmd{}, "")
	subcommands.Register(&echoClientCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type upCmd struct {
	metricsAddr string
}

func (*upCmd) Name() string     { return "up" }
func (*upCmd) Synopsis() string { return "bring the stack up and run until interrupted" }
func (*upCmd) Usage() string {
	return `up [-metrics addr]:
  Attach all eligible interfaces, forward traffic, and exchange routes.
`
}

func (c *upCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
}

func (c *upCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := stack.Up(); err != nil {
		logger.Errorf("stack bring-up failed: %v", err)
		return subcommands.ExitFailure
	}
	if c.metricsAddr != "" {
		go func() {
			http.Handle("/metrics", stats.Handler())
			if err := http.ListenAndServe(c.metricsAddr, nil); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	<-sig
	logger.Infof("shutting down")
	if err := stack.Shutdown(); err != nil {
		logger.Errorf("shutdown: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type routesCmd struct {
	wait time.Duration
}

func (*routesCmd) Name() string     { return "routes" }
func (*routesCmd) Synopsis() string { return "print the routing tables" }
func (*routesCmd) Usage() string {
	return `routes [-wait d]:
  Bring the stack up, let the distance-vector exchange settle for d, then
  print the merged routing tables.
`
}

func (c *routesCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.wait, "wait", 3*time.Second, "time to let route exchange settle")
}

func (c *routesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := stack.Up(); err != nil {
		logger.Errorf("stack bring-up failed: %v", err)
		return subcommands.ExitFailure
	}
	time.Sleep(c.wait)
	for _, r := range routes.Dump() {
		fmt.Println(r)
	}
	return subcommands.ExitSuccess
}

type echoServerCmd struct {
	port    int
	backlog int
}

func (*echoServerCmd) Name() string     { return "echo-server" }
func (*echoServerCmd) Synopsis() string { return "accept connections and echo bytes back" }
func (*echoServerCmd) Usage() string {
	return `echo-server [-port n] [-backlog n]:
  Listen on the stack and echo every received byte back to the sender.
`
}

func (c *echoServerCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.port, "port", 12345, "port to listen on")
	f.IntVar(&c.backlog, "backlog", 16, "accept backlog")
}

func (c *echoServerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fd, err := socket.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		logger.Errorf("socket: %v", err)
		return subcommands.ExitFailure
	}
	if err := socket.Bind(fd, &unix.SockaddrInet4{Port: c.port}); err != nil {
		logger.Errorf("bind: %v", err)
		return subcommands.ExitFailure
	}
	if err := socket.Listen(fd, c.backlog); err != nil {
		logger.Errorf("listen: %v", err)
		return subcommands.ExitFailure
	}
	logger.Infof("echo server listening on port %d", c.port)

	for {
		conn, peer, err := socket.Accept(fd)
		if err != nil {
			logger.Errorf("accept: %v", err)
			return subcommands.ExitFailure
		}
		if sa4, ok := peer.(*unix.SockaddrInet4); ok {
			logger.Infof("connection from %s:%d", netip.AddrFrom4(sa4.Addr), sa4.Port)
		}
		go serveEcho(conn)
	}
}

func serveEcho(fd int) {
	defer socket.Close(fd)
	buf := make([]byte, 4096)
	var total uint64
	for {
		n, err := socket.Read(fd, buf)
		if err != nil || n == 0 {
			logger.Infof("connection done, echoed %s", humanize.Bytes(total))
			return
		}
		if _, err := socket.Write(fd, buf[:n]); err != nil {
			logger.Warningf("write: %v", err)
			return
		}
		total += uint64(n)
	}
}

type echoClientCmd struct {
	addr  string
	port  int
	count int
}

func (*echoClientCmd) Name() string     { return "echo-client" }
func (*echoClientCmd) Synopsis() string { return "send bytes to an echo server and verify them" }
func (*echoClientCmd) Usage() string {
	return `echo-client -addr ip [-port n] [-count n]:
  Connect through the stack, send count payloads, and verify the echoes.
`
}

func (c *echoClientCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "server IPv4 address")
	f.IntVar(&c.port, "port", 12345, "server port")
	f.IntVar(&c.count, "count", 10, "number of payloads to send")
}

func (c *echoClientCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	dst, err := netip.ParseAddr(c.addr)
	if err != nil || !dst.Is4() {
		logger.Errorf("-addr must be an IPv4 address")
		return subcommands.ExitUsageError
	}

	fd, err := socket.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		logger.Errorf("socket: %v", err)
		return subcommands.ExitFailure
	}
	defer socket.Close(fd)
	if err := socket.Connect(fd, &unix.SockaddrInet4{Port: c.port, Addr: dst.As4()}); err != nil {
		logger.Errorf("connect: %v", err)
		return subcommands.ExitFailure
	}

	var total uint64
	start := time.Now()
	buf := make([]byte, 512)
	for i := 0; i < c.count; i++ {
		msg := []byte(fmt.Sprintf("payload %d over ns-stack", i))
		if _, err := socket.Write(fd, msg); err != nil {
			logger.Errorf("write: %v", err)
			return subcommands.ExitFailure
		}
		got := buf[:0]
		for len(got) < len(msg) {
			n, err := socket.Read(fd, buf[len(got):len(msg)])
			if err != nil {
				logger.Errorf("read: %v", err)
				return subcommands.ExitFailure
			}
			if n == 0 {
				logger.Errorf("server closed early")
				return subcommands.ExitFailure
			}
			got = buf[:len(got)+n]
		}
		if string(got) != string(msg) {
			logger.Errorf("echo mismatch: sent %q, got %q", msg, got)
			return subcommands.ExitFailure
		}
		total += uint64(len(msg))
	}
	logger.Infof("echoed %s in %v", humanize.Bytes(total), time.Since(start))
	return subcommands.ExitSuccess
}
