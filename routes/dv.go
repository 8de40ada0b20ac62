// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package routes

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/link/eth"
	"github.com/jokerwyt/NS-Stack/stats"
	"github.com/jokerwyt/NS-Stack/util"
)

// AdvertiseInterval is the period of the distance-vector broadcast.
var AdvertiseInterval = time.Second

// advert is one (subnet, mask, hops) triple on the wire.
type advert struct {
	Subnet netip.Addr
	Mask   netip.Addr
	Hops   uint32
}

const advertLen = 12

// dvEntry is the installed form: where the advert came from and on which
// device it was heard.
type dvEntry struct {
	advert
	From  netip.Addr
	DevID int
}

type subnetKey struct {
	subnet netip.Addr
	mask   netip.Addr
}

var (
	dvMu   sync.Mutex
	vector = map[subnetKey]dvEntry{}
)

// sendFrame is stubbable in test.
var sendFrame = eth.SendFrame

// marshalUpdate encodes source || count || entries, all network order.
func marshalUpdate(src netip.Addr, entries []advert) []byte {
	b := make([]byte, 8+advertLen*len(entries))
	s := src.As4()
	copy(b[0:4], s[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(len(entries)))
	off := 8
	for _, e := range entries {
		sn := e.Subnet.As4()
		m := e.Mask.As4()
		copy(b[off:off+4], sn[:])
		copy(b[off+4:off+8], m[:])
		binary.BigEndian.PutUint32(b[off+8:off+12], e.Hops)
		off += advertLen
	}
	return b
}

func parseUpdate(b []byte) (netip.Addr, []advert, error) {
	if len(b) < 8 {
		return netip.Addr{}, nil, fmt.Errorf("dv update too short: %d bytes", len(b))
	}
	src := netip.AddrFrom4([4]byte(b[0:4]))
	count := binary.BigEndian.Uint32(b[4:8])
	if uint32(len(b)-8)/advertLen < count {
		return netip.Addr{}, nil, fmt.Errorf("dv update truncated: %d entries in %d bytes", count, len(b))
	}
	entries := make([]advert, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		entries = append(entries, advert{
			Subnet: netip.AddrFrom4([4]byte(b[off : off+4])),
			Mask:   netip.AddrFrom4([4]byte(b[off+4 : off+8])),
			Hops:   binary.BigEndian.Uint32(b[off+8 : off+12]),
		})
		off += advertLen
	}
	return src, entries, nil
}

// localAdverts lists the directly attached subnets at hop count zero.
func localAdverts() []advert {
	n := device.Count()
	out := make([]advert, 0, n)
	for id := 0; id < n; id++ {
		d := device.Get(id)
		out = append(out, advert{
			Subnet: util.ApplyMask(d.IP, d.Mask),
			Mask:   d.Mask,
			Hops:   0,
		})
	}
	return out
}

// HandleUpdate ingests one distance-vector advertisement. Entries covering
// locally attached subnets are filtered; the rest are installed at one more
// hop than advertised when absent or strictly better. Any change regenerates
// the dynamic routing table.
func HandleUpdate(devID int, payload []byte) {
	src, entries, err := parseUpdate(payload)
	if err != nil {
		logger.Warningf("drop dv update on device %d: %v", devID, err)
		return
	}
	stats.DVUpdatesReceived.Inc()

	changed := false
	dvMu.Lock()
	for _, adv := range entries {
		subnet := util.ApplyMask(adv.Subnet, adv.Mask)
		if device.FromSubnet(subnet, adv.Mask) != nil {
			continue // locally attached scope
		}
		cand := dvEntry{
			advert: advert{Subnet: subnet, Mask: adv.Mask, Hops: adv.Hops + 1},
			From:   src,
			DevID:  devID,
		}
		key := subnetKey{subnet, adv.Mask}
		if cur, ok := vector[key]; ok && cur.Hops <= cand.Hops {
			continue
		}
		vector[key] = cand
		changed = true
	}
	if !changed {
		dvMu.Unlock()
		return
	}
	dyn := make([]Route, 0, len(vector))
	for _, e := range vector {
		dyn = append(dyn, Route{
			Dest:    e.Subnet,
			Mask:    e.Mask,
			NextHop: e.From,
			DevID:   e.DevID,
		})
	}
	dvMu.Unlock()

	setDynamic(dyn)
	logger.Debugf("dv update from %s installed, dynamic table now has %d entries", src, len(dyn))
}

// BroadcastOnce advertises the full vector (local subnets plus learned
// entries) on every device.
func BroadcastOnce() {
	adverts := localAdverts()
	dvMu.Lock()
	for _, e := range vector {
		adverts = append(adverts, e.advert)
	}
	dvMu.Unlock()

	n := device.Count()
	for id := 0; id < n; id++ {
		d := device.Get(id)
		payload := marshalUpdate(d.IP, adverts)
		if err := sendFrame(payload, eth.TypeRouting, eth.Broadcast, id); err != nil {
			logger.Warningf("fail to broadcast dv update on %s: %v", d.Name, err)
			continue
		}
		stats.DVUpdatesSent.Inc()
	}
}

// RunAdvertiser broadcasts the distance vector every AdvertiseInterval
// until stop is closed.
func RunAdvertiser(stop <-chan struct{}) {
	ticker := time.NewTicker(AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			BroadcastOnce()
		}
	}
}
