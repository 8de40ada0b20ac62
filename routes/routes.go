// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package routes maintains the IPv4 routing tables and the distance-vector
// exchange that feeds the dynamic one. Lookup merges the static table
// (device bring-up and explicit adds) with the dynamic table and picks the
// longest matching prefix.
package routes

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/util"
)

// ErrNoRoute is returned when no table entry covers a destination.
var ErrNoRoute = errors.New("routes: no route to host")

// Route is one table entry. For a direct route the next hop is the
// destination itself and NextHop is unused.
type Route struct {
	Dest    netip.Addr
	Mask    netip.Addr
	NextHop netip.Addr
	DevID   int
	Direct  bool
}

func (r Route) String() string {
	kind := "via " + r.NextHop.String()
	if r.Direct {
		kind = "direct"
	}
	return fmt.Sprintf("%s/%d dev %d %s", r.Dest, util.MaskToPrefixLen(r.Mask), r.DevID, kind)
}

var (
	mu          sync.Mutex
	staticTable []Route
	dynTable    []Route
)

// sortByMask orders entries by netmask ascending so that the longest prefix
// is found by a reverse scan.
func sortByMask(t []Route) {
	sort.SliceStable(t, func(i, j int) bool {
		return util.MaskToPrefixLen(t[i].Mask) < util.MaskToPrefixLen(t[j].Mask)
	})
}

// AddStatic inserts a static route for the named device. Duplicate
// (dest, mask, device) triples are rejected.
func AddStatic(dest, mask, nextHop netip.Addr, devName string, direct bool) error {
	d := device.Find(devName)
	if d == nil {
		return fmt.Errorf("add route: device %s not found", devName)
	}

	dest = util.ApplyMask(dest, mask)

	mu.Lock()
	defer mu.Unlock()
	for _, r := range staticTable {
		if r.DevID == d.ID && r.Dest == dest && r.Mask == mask {
			return fmt.Errorf("conflict routing entry: device %s, dest %s, mask %s", devName, dest, mask)
		}
	}
	r := Route{Dest: dest, Mask: mask, NextHop: nextHop, DevID: d.ID, Direct: direct}
	if direct {
		r.NextHop = netip.Addr{}
	}
	staticTable = append(staticTable, r)
	sortByMask(staticTable)
	logger.Debugf("static route added: %s", r)
	return nil
}

// NextHop resolves a destination to (device id, next hop). For a direct
// route the next hop is the destination itself.
func NextHop(dest netip.Addr) (int, netip.Addr, error) {
	mu.Lock()
	merged := make([]Route, 0, len(staticTable)+len(dynTable))
	merged = append(merged, staticTable...)
	merged = append(merged, dynTable...)
	mu.Unlock()

	sortByMask(merged)
	for i := len(merged) - 1; i >= 0; i-- {
		r := merged[i]
		if !util.SubnetMatch(dest, r.Dest, r.Mask) {
			continue
		}
		if r.Direct {
			return r.DevID, dest, nil
		}
		return r.DevID, r.NextHop, nil
	}
	return -1, netip.Addr{}, ErrNoRoute
}

// Dump returns a copy of both tables, static first, for diagnostics.
func Dump() []Route {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Route, 0, len(staticTable)+len(dynTable))
	out = append(out, staticTable...)
	out = append(out, dynTable...)
	return out
}

// setDynamic replaces the dynamic table wholesale (called by the
// distance-vector engine after ingesting an update).
func setDynamic(t []Route) {
	sortByMask(t)
	mu.Lock()
	dynTable = t
	mu.Unlock()
}
