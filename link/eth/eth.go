// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package eth sends and receives Ethernet II frames. Outbound frames are
// padded to the minimum frame size; the CRC is left to the capture driver.
// Inbound frames are classified by EtherType and handed to the handler
// registered for that protocol.
package eth

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/stats"
)

const (
	headerLen = 14
	crcLen    = 4

	// minFrameLen and maxFrameLen include the 4 CRC octets the driver
	// fills in.
	minFrameLen = 64
	maxFrameLen = 1518
)

// EtherTypes dispatched by the stack.
const (
	TypeIPv4    uint16 = 0x0800
	TypeARP     uint16 = 0x0806
	TypeRouting uint16 = 0x1234 // distance-vector exchange
)

// Broadcast is the all-ones destination address.
var Broadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// HandlerFunc consumes the payload of one inbound frame. The buffer is only
// valid for the duration of the call; handlers copy what they keep.
type HandlerFunc func(devID int, payload []byte)

var (
	handlersMu sync.RWMutex
	handlers   = map[uint16]HandlerFunc{}

	dropLog = logger.NewThrottler(nil, 1, 5)
)

// Handle registers fn for frames carrying the given EtherType, replacing any
// previous registration.
func Handle(etherType uint16, fn HandlerFunc) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[etherType] = fn
}

func handlerFor(etherType uint16) HandlerFunc {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	return handlers[etherType]
}

// SendFrame wraps payload in an Ethernet II header sourced from the device's
// MAC and injects it. Payloads that would exceed the maximum frame size are
// rejected; short frames are zero-padded to the minimum.
func SendFrame(payload []byte, etherType uint16, dst [6]byte, devID int) error {
	d := device.Get(devID)
	if d == nil {
		return fmt.Errorf("send frame: invalid device id %d", devID)
	}

	frameLen := headerLen + len(payload) + crcLen
	if frameLen > maxFrameLen {
		return fmt.Errorf("send frame: frame too large (%d bytes)", frameLen)
	}
	if frameLen < minFrameLen {
		frameLen = minFrameLen
	}

	frame := make([]byte, frameLen)
	copy(frame[0:6], dst[:])
	copy(frame[6:12], d.MAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[headerLen:], payload)
	// The tail stays zero: padding plus the CRC octets the driver owns.

	if err := d.Inject(frame); err != nil {
		return fmt.Errorf("send frame on %s: %w", d.Name, err)
	}
	stats.FramesSent.Inc()
	logger.Tracef("frame sent on %s, frame_len=%d, payload_len=%d, ethertype=%#04x",
		d.Name, frameLen, len(payload), etherType)
	return nil
}

// dispatch classifies one captured frame and invokes its handler.
func dispatch(devID int, frame []byte) {
	if len(frame) < headerLen {
		stats.FramesDropped.Inc()
		dropLog.Warningf("recv runt frame (%d bytes) on device %d", len(frame), devID)
		return
	}
	stats.FramesReceived.Inc()
	etherType := binary.BigEndian.Uint16(frame[12:14])

	fn := handlerFor(etherType)
	if fn == nil {
		stats.FramesDropped.Inc()
		dropLog.Warningf("recv frame with unhandled ethertype %#04x on device %d", etherType, devID)
		return
	}
	fn(devID, frame[headerLen:])
}

// Serve blocks reading frames from d and dispatching them until the capture
// handle fails (normally at shutdown, when it is closed).
func Serve(d *device.Device) error {
	for {
		data, err := d.ReadPacketData()
		if err != nil {
			logger.Warningf("device %s receive loop exit: %v", d.Name, err)
			return err
		}
		dispatch(d.ID, data)
	}
}
