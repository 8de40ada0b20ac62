// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ip implements IPv4 send, receive and forwarding over the link
// layer. Locally originated packets (SendPacket) are offloaded to one worker
// goroutine reading a bounded queue, so callers holding the TCP mutex never
// block on ARP resolution in-line. Forwarded packets are not queued: they
// resolve their next hop on the receiving device's dispatcher goroutine.
package ip

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/jokerwyt/NS-Stack/arp"
	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/link/eth"
	"github.com/jokerwyt/NS-Stack/routes"
	"github.com/jokerwyt/NS-Stack/stats"
	"github.com/jokerwyt/NS-Stack/util"
)

const (
	headerLen  = 20
	defaultTTL = 64

	// ProtoTCP is the protocol number carried for TCP payloads.
	ProtoTCP = 6

	sendQueueDepth = 100
)

// Stubbable in test.
var (
	nextHop   = routes.NextHop
	arpQuery  = arp.Query
	sendFrame = eth.SendFrame
)

// TransportHandler consumes a delivered IP payload.
type TransportHandler func(payload []byte, src, dst netip.Addr)

var (
	transportMu      sync.RWMutex
	transportHandler TransportHandler
)

// SetTransportHandler registers the upper-layer segment handler.
func SetTransportHandler(fn TransportHandler) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transportHandler = fn
}

func deliver(payload []byte, src, dst netip.Addr) {
	transportMu.RLock()
	fn := transportHandler
	transportMu.RUnlock()
	if fn == nil {
		logger.Tracef("no transport handler, %d delivered bytes dropped", len(payload))
		return
	}
	fn(payload, src, dst)
}

type sendTask struct {
	src, dst netip.Addr
	proto    uint8
	payload  []byte
}

var (
	sendQueue  = make(chan sendTask, sendQueueDepth)
	senderOnce sync.Once
	senderStop = make(chan struct{})
)

// SendPacket queues one IPv4 packet for transmission and returns once it is
// enqueued. A full queue blocks the caller until the worker frees a slot;
// packets are never dropped here (known limitation: there is no
// back-pressure signal to the caller).
func SendPacket(src, dst netip.Addr, proto uint8, payload []byte) error {
	senderOnce.Do(func() { go sender() })
	sendQueue <- sendTask{src: src, dst: dst, proto: proto, payload: payload}
	return nil
}

// StopSender terminates the send worker. Called once at shutdown.
func StopSender() { close(senderStop) }

func sender() {
	for {
		select {
		case <-senderStop:
			return
		case t := <-sendQueue:
			if err := sendNow(t); err != nil {
				logger.Warningf("fail to send IP packet to %s: %v", t.dst, err)
			}
		}
	}
}

// sendNow resolves the route and the next-hop MAC, then emits the packet.
// Runs only on the sender goroutine.
func sendNow(t sendTask) error {
	devID, hop, err := nextHop(t.dst)
	if err != nil {
		return fmt.Errorf("no next hop: %w", err)
	}
	mac, err := arpQuery(devID, hop)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", hop, err)
	}

	packet := make([]byte, headerLen+len(t.payload))
	putHeader(packet, t.src, t.dst, t.proto, defaultTTL)
	copy(packet[headerLen:], t.payload)

	if err := sendFrame(packet, eth.TypeIPv4, mac, devID); err != nil {
		return err
	}
	stats.IPPacketsSent.Inc()
	return nil
}

// putHeader writes a 20-byte IPv4 header (no options, no fragmentation)
// with a valid checksum.
func putHeader(b []byte, src, dst netip.Addr, proto, ttl uint8) {
	b[0] = 4<<4 | headerLen/4 // version, IHL
	b[1] = 0                  // TOS
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	binary.BigEndian.PutUint16(b[4:6], 0) // identification
	binary.BigEndian.PutUint16(b[6:8], 0) // flags, fragment offset
	b[8] = ttl
	b[9] = proto
	binary.BigEndian.PutUint16(b[10:12], 0) // checksum placeholder
	s, d := src.As4(), dst.As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
	binary.BigEndian.PutUint16(b[10:12], util.Checksum(b[:headerLen]))
}

var dropLog = logger.NewThrottler(nil, 1, 5)

// HandlePacket validates one inbound IPv4 packet and either delivers it to
// the transport layer or forwards it.
func HandlePacket(devID int, payload []byte) {
	if len(payload) < headerLen {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP packet too short: %d bytes", len(payload))
		return
	}
	version, ihl := payload[0]>>4, int(payload[0]&0x0f)
	if version != 4 {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP version error: %d", version)
		return
	}
	if ihl < 5 || len(payload) < ihl*4 {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP header length error: ihl=%d", ihl)
		return
	}
	hdr := payload[:ihl*4]
	sum := binary.BigEndian.Uint16(hdr[10:12])
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	ok := util.Checksum(hdr) == sum
	binary.BigEndian.PutUint16(hdr[10:12], sum)
	if !ok {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP header checksum error")
		return
	}
	totalLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	if totalLen < ihl*4 || totalLen > len(payload) {
		// The link layer pads frames; anything beyond the total length
		// is padding, but a total length past the capture is malformed.
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP total length error: %d of %d captured bytes", totalLen, len(payload))
		return
	}
	if hdr[8] == 0 {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP packet dropped due to TTL=0")
		return
	}

	packet := payload[:totalLen]
	src := netip.AddrFrom4([4]byte(hdr[12:16]))
	dst := netip.AddrFrom4([4]byte(hdr[16:20]))

	outDev, hop, err := nextHop(dst)
	if err != nil {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("cannot find next hop for %s", dst)
		return
	}

	if d := device.Get(outDev); d != nil && d.IP == dst {
		logger.Tracef("IP packet for me: dst=%s, src=%s, len=%d", dst, src, totalLen)
		stats.IPPacketsDelivered.Inc()
		deliver(packet[ihl*4:], src, dst)
		return
	}

	forward(devID, outDev, hop, packet)
}

// forward decrements the TTL, fixes the checksum, and re-emits the packet
// toward the next hop. The ARP query runs here, on the dispatcher
// goroutine of the inbound device; a blocked resolution only stalls that
// device's receive loop.
func forward(inDev, outDev int, hop netip.Addr, packet []byte) {
	ihl := int(packet[0]&0x0f) * 4
	packet[8]--
	if packet[8] == 0 {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("IP packet dropped due to TTL=0")
		return
	}
	binary.BigEndian.PutUint16(packet[10:12], 0)
	binary.BigEndian.PutUint16(packet[10:12], util.Checksum(packet[:ihl]))

	mac, err := arpQuery(outDev, hop)
	if err != nil {
		stats.IPPacketsDropped.Inc()
		dropLog.Warningf("cannot resolve next hop %s: %v", hop, err)
		return
	}
	logger.Tracef("forwarding IP packet dev %d -> dev %d via %s", inDev, outDev, hop)
	if err := sendFrame(packet, eth.TypeIPv4, mac, outDev); err != nil {
		dropLog.Warningf("fail to forward IP packet: %v", err)
		return
	}
	stats.IPPacketsForwarded.Inc()
}
