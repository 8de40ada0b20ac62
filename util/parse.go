// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package util holds small IPv4 and MAC address helpers shared by the
// link, routing and transport layers.
package util

import (
	"fmt"
	"net"
	"net/netip"
)

// Addr4ToUint32 returns the host-order integer form of an IPv4 address.
func Addr4ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToAddr4 is the inverse of Addr4ToUint32.
func Uint32ToAddr4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// ApplyMask returns addr & mask.
func ApplyMask(addr, mask netip.Addr) netip.Addr {
	return Uint32ToAddr4(Addr4ToUint32(addr) & Addr4ToUint32(mask))
}

// SubnetMatch reports whether a and b fall in the same subnet under mask.
func SubnetMatch(a, b, mask netip.Addr) bool {
	m := Addr4ToUint32(mask)
	return Addr4ToUint32(a)&m == Addr4ToUint32(b)&m
}

// PrefixLenToMask converts a prefix length to a netmask. Lengths outside
// [0, 32] are clamped.
func PrefixLenToMask(ones int) netip.Addr {
	if ones < 0 {
		ones = 0
	}
	if ones > 32 {
		ones = 32
	}
	var v uint32
	if ones > 0 {
		v = ^uint32(0) << (32 - ones)
	}
	return Uint32ToAddr4(v)
}

// MaskToPrefixLen returns the number of leading ones in mask.
func MaskToPrefixLen(mask netip.Addr) int {
	ones, _ := net.IPMask(mask.AsSlice()).Size()
	return ones
}

// ParseCIDR parses "10.1.2.0/24" into the subnet address and its mask.
func ParseCIDR(s string) (netip.Addr, netip.Addr, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	if !p.Addr().Is4() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("not an IPv4 prefix: %s", s)
	}
	mask := PrefixLenToMask(p.Bits())
	return ApplyMask(p.Addr(), mask), mask, nil
}

// MACString formats a 6-byte MAC address as aa:bb:cc:dd:ee:ff.
func MACString(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}

// ParseMAC parses aa:bb:cc:dd:ee:ff into a 6-byte array.
func ParseMAC(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return out, err
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("not an EUI-48 address: %s", s)
	}
	copy(out[:], hw)
	return out, nil
}
