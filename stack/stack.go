// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack wires the layers together: it attaches devices, registers
// the frame dispatch table, connects IP delivery to TCP, runs the
// distance-vector advertiser, and drives prioritized shutdown.
package stack

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jokerwyt/NS-Stack/arp"
	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/ip"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/link/eth"
	"github.com/jokerwyt/NS-Stack/routes"
	"github.com/jokerwyt/NS-Stack/tcp"
)

// Cleanup priorities. Higher numbers run later, so upper layers flush
// through still-live lower layers.
const (
	PrioritySocket = 0
	PriorityTCP    = 100
	PriorityIP     = 200
	PriorityLink   = 300
)

type cleanup struct {
	priority int
	fn       func() error
}

var (
	cleanupMu sync.Mutex
	cleanups  []cleanup
)

// AtExit registers fn to run during Shutdown at the given priority.
func AtExit(priority int, fn func() error) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	cleanups = append(cleanups, cleanup{priority, fn})
}

// Shutdown runs the registered cleanups in ascending priority order and
// returns every error they produced.
func Shutdown() error {
	cleanupMu.Lock()
	cbs := append([]cleanup(nil), cleanups...)
	cleanups = nil
	cleanupMu.Unlock()

	sort.SliceStable(cbs, func(i, j int) bool { return cbs[i].priority < cbs[j].priority })

	var err error
	for _, c := range cbs {
		err = multierr.Append(err, c.fn())
	}
	return err
}

var (
	upOnce sync.Once
	upErr  error

	serveGroup errgroup.Group
	dvStop     = make(chan struct{})
)

// Up brings the stack up exactly once: dispatch wiring, device attachment,
// the distance-vector advertiser, and the shutdown hooks. Subsequent calls
// return the first result.
func Up() error {
	upOnce.Do(func() { upErr = bringUp() })
	return upErr
}

// Wire installs the frame dispatch table and connects IP delivery to TCP.
// Up calls it; embedders that attach their own devices may call it alone.
func Wire() {
	eth.Handle(eth.TypeARP, arp.Handler)
	eth.Handle(eth.TypeRouting, routes.HandleUpdate)
	eth.Handle(eth.TypeIPv4, ip.HandlePacket)
	ip.SetTransportHandler(tcp.SegmentHandler)
}

func bringUp() error {
	Wire()

	// Devices already present mean the embedder attached its own; only an
	// empty registry triggers host enumeration.
	if device.Count() == 0 {
		names, err := eligibleInterfaces()
		if err != nil {
			return err
		}
		var attachErr error
		attached := 0
		for _, name := range names {
			if err := AttachDevice(name); err != nil {
				attachErr = multierr.Append(attachErr, err)
				continue
			}
			attached++
		}
		if attached == 0 {
			return multierr.Append(fmt.Errorf("no device could be attached"), attachErr)
		}
		if attachErr != nil {
			logger.Warningf("some devices were not attached: %v", attachErr)
		}
	}

	if os.Getenv("NSSTACK_HOSTROUTES") != "" {
		if err := ImportHostRoutes(); err != nil {
			logger.Warningf("host routing table import failed: %v", err)
		}
	}

	go routes.RunAdvertiser(dvStop)

	AtExit(PriorityTCP, func() error { tcp.Shutdown(); return nil })
	AtExit(PriorityIP, func() error { ip.StopSender(); return nil })
	AtExit(PriorityLink, func() error {
		close(dvStop)
		n := device.Count()
		for id := 0; id < n; id++ {
			device.Get(id).Close()
		}
		// The receive loops exit with errors once their handles close.
		serveGroup.Wait()
		return nil
	})

	logger.Infof("stack up with %d devices", device.Count())
	return nil
}

// AttachDevice opens one interface, installs its direct route, and starts
// its receive loop.
func AttachDevice(name string) error {
	d, err := device.Add(name)
	if err != nil {
		return err
	}
	if err := routes.AddStatic(d.IP, d.Mask, d.IP, name, true /* direct */); err != nil {
		return err
	}
	serveGroup.Go(func() error {
		eth.Serve(d)
		return nil
	})
	return nil
}
