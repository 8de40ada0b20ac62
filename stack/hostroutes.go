// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stack

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/routes"
)

const procRoutePath = "/proc/net/route"

// eligibleInterfaces lists the host interfaces worth attaching: up,
// non-loopback, carrying an IPv4 address.
func eligibleInterfaces() ([]string, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ifi := range ifis {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(ifi.HardwareAddr) != 6 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				names = append(names, ifi.Name)
				break
			}
		}
	}
	return names, nil
}

// ImportHostRoutes seeds the static table from the kernel's IPv4 routing
// table. Entries on interfaces the stack is not attached to are skipped.
func ImportHostRoutes() error {
	f, err := os.Open(procRoutePath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		iface := fields[0]
		if device.Find(iface) == nil {
			logger.Debugf("host route on %s skipped: device not attached", iface)
			continue
		}
		dest, err1 := parseHexAddr(fields[1])
		gateway, err2 := parseHexAddr(fields[2])
		mask, err3 := parseHexAddr(fields[7])
		if err1 != nil || err2 != nil || err3 != nil {
			logger.Warningf("unparseable host route line: %q", scanner.Text())
			continue
		}
		direct := gateway == netip.AddrFrom4([4]byte{})
		nextHop := gateway
		if direct {
			nextHop = dest
		}
		if err := routes.AddStatic(dest, mask, nextHop, iface, direct); err != nil {
			logger.Debugf("host route not imported: %v", err)
		}
	}
	return scanner.Err()
}

// parseHexAddr decodes the little-endian hex addresses of /proc/net/route.
func parseHexAddr(s string) (netip.Addr, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bad hex address %q: %w", s, err)
	}
	return netip.AddrFrom4([4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}), nil
}
