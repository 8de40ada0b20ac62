// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stack

import (
	"errors"
	"net/netip"
	"testing"
)

func TestShutdownRunsByAscendingPriority(t *testing.T) {
	var order []int
	AtExit(PriorityLink, func() error { order = append(order, PriorityLink); return nil })
	AtExit(PrioritySocket, func() error { order = append(order, PrioritySocket); return nil })
	AtExit(PriorityIP, func() error { order = append(order, PriorityIP); return nil })
	AtExit(PriorityTCP, func() error { order = append(order, PriorityTCP); return nil })

	if err := Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []int{PrioritySocket, PriorityTCP, PriorityIP, PriorityLink}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("cleanup order = %v, want %v", order, want)
		}
	}

	// Shutdown consumes the registrations.
	order = nil
	if err := Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("cleanups ran twice")
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	AtExit(PriorityTCP, func() error { return boom })
	AtExit(PriorityLink, func() error { ran = true; return nil })

	err := Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("Shutdown error = %v, want to wrap %v", err, boom)
	}
	if !ran {
		t.Errorf("a failing cleanup stopped later cleanups from running")
	}
}

func TestParseHexAddr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		// /proc/net/route is little-endian hex.
		{"0101A8C0", "192.168.1.1"},
		{"00000000", "0.0.0.0"},
		{"00FFFFFF", "255.255.255.0"},
	} {
		got, err := parseHexAddr(tc.in)
		if err != nil {
			t.Fatalf("parseHexAddr(%q) failed: %v", tc.in, err)
		}
		if got != netip.MustParseAddr(tc.want) {
			t.Errorf("parseHexAddr(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := parseHexAddr("nothex"); err == nil {
		t.Errorf("parseHexAddr should reject garbage")
	}
}

func TestEligibleInterfacesDoesNotFail(t *testing.T) {
	if _, err := eligibleInterfaces(); err != nil {
		t.Errorf("eligibleInterfaces failed: %v", err)
	}
}
