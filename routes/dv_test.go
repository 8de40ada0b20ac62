// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package routes

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jokerwyt/NS-Stack/link/eth"
)

func TestUpdateMarshalParseRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.230.1.1")
	in := []advert{
		{Subnet: netip.MustParseAddr("10.240.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), Hops: 0},
		{Subnet: netip.MustParseAddr("10.240.2.0"), Mask: netip.MustParseAddr("255.255.254.0"), Hops: 3},
		{Subnet: netip.MustParseAddr("0.0.0.0"), Mask: netip.MustParseAddr("0.0.0.0"), Hops: 16},
	}

	gotSrc, got, err := parseUpdate(marshalUpdate(src, in))
	if err != nil {
		t.Fatalf("parseUpdate failed: %v", err)
	}
	if gotSrc != src {
		t.Errorf("source = %s, want %s", gotSrc, src)
	}
	addrCmp := cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
	if diff := cmp.Diff(in, got, addrCmp); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUpdateRejectsGarbage(t *testing.T) {
	if _, _, err := parseUpdate([]byte{1, 2, 3}); err == nil {
		t.Errorf("short update should be rejected")
	}
	src := netip.MustParseAddr("10.230.1.1")
	b := marshalUpdate(src, []advert{{Subnet: src, Mask: src, Hops: 1}})
	if _, _, err := parseUpdate(b[:len(b)-4]); err == nil {
		t.Errorf("truncated update should be rejected")
	}
}

// TestHandleUpdateInstallsRoutes checks the ingest rules: hop counts
// increment by one, entries for attached subnets are filtered, and better
// routes overwrite worse ones.
func TestHandleUpdateInstallsRoutes(t *testing.T) {
	d0, _ := testDevices(t)
	neighbor := netip.MustParseAddr("10.230.1.7")

	update := marshalUpdate(neighbor, []advert{
		// A remote subnet, two hops away at the neighbor.
		{Subnet: netip.MustParseAddr("10.250.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), Hops: 2},
		// Our own attached subnet: must be filtered.
		{Subnet: netip.MustParseAddr("10.230.2.0"), Mask: netip.MustParseAddr("255.255.255.0"), Hops: 0},
	})
	HandleUpdate(d0.ID, update)

	devID, hop, err := NextHop(netip.MustParseAddr("10.250.1.9"))
	if err != nil {
		t.Fatalf("learned route missing: %v", err)
	}
	if devID != d0.ID || hop != neighbor {
		t.Errorf("learned route = (%d, %s), want (%d, %s)", devID, hop, d0.ID, neighbor)
	}

	dvMu.Lock()
	e, ok := vector[subnetKey{netip.MustParseAddr("10.250.1.0"), netip.MustParseAddr("255.255.255.0")}]
	_, local := vector[subnetKey{netip.MustParseAddr("10.230.2.0"), netip.MustParseAddr("255.255.255.0")}]
	dvMu.Unlock()
	if !ok || e.Hops != 3 {
		t.Fatalf("installed hop count = %+v, want advertised+1 = 3", e)
	}
	if local {
		t.Errorf("entry for an attached subnet was installed")
	}

	// A closer neighbor overwrites; a farther one does not.
	closer := netip.MustParseAddr("10.230.1.8")
	HandleUpdate(d0.ID, marshalUpdate(closer, []advert{
		{Subnet: netip.MustParseAddr("10.250.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), Hops: 1},
	}))
	_, hop, _ = NextHop(netip.MustParseAddr("10.250.1.9"))
	if hop != closer {
		t.Errorf("closer route did not overwrite: hop = %s, want %s", hop, closer)
	}

	farther := netip.MustParseAddr("10.230.1.9")
	HandleUpdate(d0.ID, marshalUpdate(farther, []advert{
		{Subnet: netip.MustParseAddr("10.250.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), Hops: 9},
	}))
	_, hop, _ = NextHop(netip.MustParseAddr("10.250.1.9"))
	if hop != closer {
		t.Errorf("worse route overwrote a better one: hop = %s", hop)
	}
}

func TestBroadcastOnce(t *testing.T) {
	d0, d1 := testDevices(t)

	var mu sync.Mutex
	type sent struct {
		payload []byte
		dst     [6]byte
		devID   int
	}
	var frames []sent
	prev := sendFrame
	sendFrame = func(payload []byte, etherType uint16, dst [6]byte, devID int) error {
		if etherType != eth.TypeRouting {
			t.Errorf("broadcast used ethertype %#04x, want %#04x", etherType, eth.TypeRouting)
		}
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, sent{append([]byte(nil), payload...), dst, devID})
		return nil
	}
	t.Cleanup(func() { sendFrame = prev })

	BroadcastOnce()

	mu.Lock()
	defer mu.Unlock()
	byDev := map[int]sent{}
	for _, f := range frames {
		byDev[f.devID] = f
		if f.dst != eth.Broadcast {
			t.Errorf("advertisement on device %d not broadcast: %v", f.devID, f.dst)
		}
	}
	for _, d := range []int{d0.ID, d1.ID} {
		f, ok := byDev[d]
		if !ok {
			t.Fatalf("no advertisement on device %d", d)
		}
		src, entries, err := parseUpdate(f.payload)
		if err != nil {
			t.Fatalf("advertisement does not parse: %v", err)
		}
		dev := d0
		if d == d1.ID {
			dev = d1
		}
		if src != dev.IP {
			t.Errorf("advertisement source = %s, want %s", src, dev.IP)
		}
		// The local subnets appear at hop count zero.
		found := 0
		for _, e := range entries {
			if e.Hops == 0 && (e.Subnet == netip.MustParseAddr("10.230.1.0") || e.Subnet == netip.MustParseAddr("10.230.2.0")) {
				found++
			}
		}
		if found < 2 {
			t.Errorf("advertisement on device %d carries %d local subnets at hop 0, want 2", d, found)
		}
	}
}
