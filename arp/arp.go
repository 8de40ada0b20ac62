// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package arp resolves IPv4 addresses to MAC addresses and answers every
// request received on a local interface with that interface's own binding;
// the target address of a request is not checked. The cache never expires;
// concurrent queries for the same address coalesce onto a single
// outstanding request.
package arp

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/link/eth"
	"github.com/jokerwyt/NS-Stack/stats"
)

// ErrTimeout is returned when no reply arrives within QueryTimeout.
var ErrTimeout = errors.New("arp: query timeout")

// QueryTimeout bounds how long a query waits for a reply.
var QueryTimeout = 500 * time.Millisecond

var (
	mu    sync.Mutex
	cache = map[netip.Addr][6]byte{}
	// outstanding holds one wakeup channel per in-flight request. The
	// channel is closed when the reply populates the cache; it exists
	// only while at least one caller is blocked on it.
	outstanding = map[netip.Addr]chan struct{}{}
)

// sendFrame is stubbable in test.
var sendFrame = eth.SendFrame

// Query resolves target on the given device, blocking up to QueryTimeout.
func Query(devID int, target netip.Addr) ([6]byte, error) {
	mu.Lock()

	if mac, ok := cache[target]; ok {
		mu.Unlock()
		stats.ARPCacheHits.Inc()
		logger.Tracef("hit ARP cache. dev_id=%d, for ip %s", devID, target)
		return mac, nil
	}

	if ch, ok := outstanding[target]; ok {
		// Someone already asked; join their request.
		logger.Tracef("join wait for ARP reply. dev_id=%d, for ip %s", devID, target)
		mu.Unlock()
		return await(ch, target)
	}

	d := device.Get(devID)
	if d == nil {
		mu.Unlock()
		return [6]byte{}, fmt.Errorf("arp query: invalid device id %d", devID)
	}

	req := packet{
		op:        opRequest,
		senderMAC: d.MAC,
		senderIP:  d.IP,
		targetIP:  target,
	}
	ch := make(chan struct{})
	outstanding[target] = ch
	mu.Unlock()

	logger.Tracef("send a new ARP request. dev_id=%d, for ip %s", devID, target)
	stats.ARPRequestsSent.Inc()
	if err := sendFrame(req.marshal(), eth.TypeARP, eth.Broadcast, devID); err != nil {
		mu.Lock()
		if outstanding[target] == ch {
			delete(outstanding, target)
		}
		mu.Unlock()
		return [6]byte{}, fmt.Errorf("arp query: %w", err)
	}

	return await(ch, target)
}

// await blocks on ch until the reply populates the cache or the timeout
// elapses. A timed-out waiter deregisters the outstanding request.
func await(ch chan struct{}, target netip.Addr) ([6]byte, error) {
	select {
	case <-ch:
		mu.Lock()
		mac, ok := cache[target]
		mu.Unlock()
		if !ok {
			return [6]byte{}, ErrTimeout
		}
		return mac, nil
	case <-time.After(QueryTimeout):
		mu.Lock()
		if outstanding[target] == ch {
			delete(outstanding, target)
		}
		mu.Unlock()
		stats.ARPTimeouts.Inc()
		logger.Errorf("ARP request timeout for ip %s", target)
		return [6]byte{}, ErrTimeout
	}
}

// Handler consumes inbound ARP frames: replies populate the cache and wake
// all coalesced waiters; requests are answered with the receiving device's
// own binding.
func Handler(devID int, payload []byte) {
	p, err := parsePacket(payload)
	if err != nil {
		logger.Warningf("drop ARP packet on device %d: %v", devID, err)
		return
	}

	switch p.op {
	case opReply:
		mu.Lock()
		if _, ok := cache[p.senderIP]; !ok {
			cache[p.senderIP] = p.senderMAC
		}
		ch, ok := outstanding[p.senderIP]
		if ok {
			close(ch)
			delete(outstanding, p.senderIP)
		}
		mu.Unlock()
		if !ok {
			logger.Warningf("recv an ARP reply that is not requested. dev_id=%d, for ip %s",
				devID, p.senderIP)
			return
		}
		logger.Tracef("recv an ARP reply. dev_id=%d, for ip %s", devID, p.senderIP)

	case opRequest:
		d := device.Get(devID)
		if d == nil {
			return
		}
		logger.Tracef("recv an ARP request on dev_id=%d, from ip %s, for ip %s",
			devID, p.senderIP, p.targetIP)
		reply := packet{
			op:        opReply,
			senderMAC: d.MAC,
			senderIP:  d.IP,
			targetMAC: p.senderMAC,
			targetIP:  p.senderIP,
		}
		stats.ARPRepliesSent.Inc()
		if err := sendFrame(reply.marshal(), eth.TypeARP, p.senderMAC, devID); err != nil {
			logger.Warningf("fail to send ARP reply on device %d: %v", devID, err)
		}

	default:
		logger.Warningf("recv unknown ARP packet. op=%d", p.op)
	}
}

// Lookup returns the cached binding for ip without issuing a request.
func Lookup(ip netip.Addr) ([6]byte, bool) {
	mu.Lock()
	defer mu.Unlock()
	mac, ok := cache[ip]
	return mac, ok
}
