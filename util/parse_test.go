// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package util

import (
	"net/netip"
	"testing"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("bad address %q: %v", s, err)
	}
	return a
}

func TestPrefixLenToMask(t *testing.T) {
	for _, tc := range []struct {
		ones int
		want string
	}{
		{0, "0.0.0.0"},
		{8, "255.0.0.0"},
		{16, "255.255.0.0"},
		{23, "255.255.254.0"},
		{24, "255.255.255.0"},
		{32, "255.255.255.255"},
		{-1, "0.0.0.0"},
		{40, "255.255.255.255"},
	} {
		if got := PrefixLenToMask(tc.ones); got != addr(t, tc.want) {
			t.Errorf("PrefixLenToMask(%d) = %v, want %v", tc.ones, got, tc.want)
		}
	}
}

func TestMaskToPrefixLen(t *testing.T) {
	for _, tc := range []struct {
		mask string
		want int
	}{
		{"0.0.0.0", 0},
		{"255.0.0.0", 8},
		{"255.255.254.0", 23},
		{"255.255.255.255", 32},
	} {
		if got := MaskToPrefixLen(addr(t, tc.mask)); got != tc.want {
			t.Errorf("MaskToPrefixLen(%s) = %d, want %d", tc.mask, got, tc.want)
		}
	}
}

func TestSubnetMatch(t *testing.T) {
	for _, tc := range []struct {
		a, b, mask string
		want       bool
	}{
		{"192.168.10.1", "192.168.10.254", "255.255.255.0", true},
		{"192.168.10.1", "192.168.11.1", "255.255.255.0", false},
		{"10.1.2.5", "10.1.2.0", "255.255.255.0", true},
		{"10.2.0.1", "10.0.0.0", "255.0.0.0", true},
		{"11.2.0.1", "10.0.0.0", "255.0.0.0", false},
		{"1.2.3.4", "5.6.7.8", "0.0.0.0", true},
	} {
		if got := SubnetMatch(addr(t, tc.a), addr(t, tc.b), addr(t, tc.mask)); got != tc.want {
			t.Errorf("SubnetMatch(%s, %s, %s) = %t, want %t", tc.a, tc.b, tc.mask, got, tc.want)
		}
	}
}

func TestParseCIDR(t *testing.T) {
	subnet, mask, err := ParseCIDR("10.100.4.7/24")
	if err != nil {
		t.Fatalf("ParseCIDR failed: %v", err)
	}
	if subnet != addr(t, "10.100.4.0") {
		t.Errorf("subnet = %v, want 10.100.4.0", subnet)
	}
	if mask != addr(t, "255.255.255.0") {
		t.Errorf("mask = %v, want 255.255.255.0", mask)
	}

	if _, _, err := ParseCIDR("not a cidr"); err == nil {
		t.Errorf("ParseCIDR should reject garbage")
	}
	if _, _, err := ParseCIDR("2001:db8::/64"); err == nil {
		t.Errorf("ParseCIDR should reject IPv6")
	}
}

func TestUint32RoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "10.100.1.2", "255.255.255.255"} {
		a := addr(t, s)
		if got := Uint32ToAddr4(Addr4ToUint32(a)); got != a {
			t.Errorf("round trip of %s = %v", s, got)
		}
	}
}

func TestMAC(t *testing.T) {
	mac := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x42}
	s := MACString(mac)
	if s != "de:ad:be:ef:00:42" {
		t.Errorf("MACString = %q", s)
	}
	back, err := ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC failed: %v", err)
	}
	if back != mac {
		t.Errorf("ParseMAC round trip = %v, want %v", back, mac)
	}
	if _, err := ParseMAC("02:00:5e:10:00:00:00:01"); err == nil {
		t.Errorf("ParseMAC should reject EUI-64 addresses")
	}
}
