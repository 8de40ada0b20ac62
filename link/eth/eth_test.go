// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package eth

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/jokerwyt/NS-Stack/device"
)

type fakeHandle struct {
	mu       sync.Mutex
	injected [][]byte
	inbound  chan []byte
}

func newFakeHandle() *fakeHandle { return &fakeHandle{inbound: make(chan []byte, 16)} }

func (f *fakeHandle) Inject(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, append([]byte(nil), frame...))
	return nil
}

func (f *fakeHandle) ReadPacketData() ([]byte, error) {
	frame, ok := <-f.inbound
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (f *fakeHandle) Close() { close(f.inbound) }

func (f *fakeHandle) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.injected...)
}

var (
	attachOnce sync.Once
	testDev    *device.Device
	testHandle *fakeHandle
)

func testDevice(t *testing.T) (*device.Device, *fakeHandle) {
	t.Helper()
	attachOnce.Do(func() {
		testHandle = newFakeHandle()
		var err error
		testDev, err = device.Attach("eth-test0",
			[6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
			netip.MustParseAddr("10.210.1.1"),
			netip.MustParseAddr("255.255.255.0"),
			testHandle)
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	})
	return testDev, testHandle
}

func TestSendFramePadsToMinimum(t *testing.T) {
	d, h := testDevice(t)

	payload := []byte("hi")
	if err := SendFrame(payload, TypeIPv4, Broadcast, d.ID); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	frames := h.frames()
	frame := frames[len(frames)-1]
	if len(frame) != minFrameLen {
		t.Fatalf("frame length = %d, want %d", len(frame), minFrameLen)
	}
	if !bytes.Equal(frame[0:6], Broadcast[:]) {
		t.Errorf("destination = % x, want broadcast", frame[0:6])
	}
	if !bytes.Equal(frame[6:12], d.MAC[:]) {
		t.Errorf("source = % x, want device MAC", frame[6:12])
	}
	if got := binary.BigEndian.Uint16(frame[12:14]); got != TypeIPv4 {
		t.Errorf("ethertype = %#04x, want %#04x", got, TypeIPv4)
	}
	if !bytes.Equal(frame[headerLen:headerLen+2], payload) {
		t.Errorf("payload = % x, want % x", frame[headerLen:headerLen+2], payload)
	}
	for i, b := range frame[headerLen+2:] {
		if b != 0 {
			t.Errorf("padding byte %d is %#02x, want zero", i, b)
			break
		}
	}
}

func TestSendFrameNoPaddingForFullFrames(t *testing.T) {
	d, h := testDevice(t)

	payload := make([]byte, 200)
	if err := SendFrame(payload, TypeIPv4, Broadcast, d.ID); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	frames := h.frames()
	if got := len(frames[len(frames)-1]); got != headerLen+200+crcLen {
		t.Errorf("frame length = %d, want %d", got, headerLen+200+crcLen)
	}
}

func TestSendFrameRejectsOversize(t *testing.T) {
	d, _ := testDevice(t)
	if err := SendFrame(make([]byte, maxFrameLen), TypeIPv4, Broadcast, d.ID); err == nil {
		t.Errorf("oversize frame should be rejected")
	}
}

func TestSendFrameRejectsBadDevice(t *testing.T) {
	if err := SendFrame([]byte("x"), TypeIPv4, Broadcast, 9999); err == nil {
		t.Errorf("invalid device id should be rejected")
	}
}

func TestDispatch(t *testing.T) {
	d, _ := testDevice(t)

	type seen struct {
		devID   int
		payload []byte
	}
	got := make(chan seen, 1)
	Handle(0x9999, func(devID int, payload []byte) {
		got <- seen{devID, append([]byte(nil), payload...)}
	})

	frame := make([]byte, headerLen+4)
	binary.BigEndian.PutUint16(frame[12:14], 0x9999)
	copy(frame[headerLen:], []byte("abcd"))
	dispatch(d.ID, frame)

	select {
	case s := <-got:
		if s.devID != d.ID {
			t.Errorf("handler saw device %d, want %d", s.devID, d.ID)
		}
		if string(s.payload) != "abcd" {
			t.Errorf("handler saw payload %q, want %q", s.payload, "abcd")
		}
	default:
		t.Fatalf("handler was not invoked")
	}

	// Unknown EtherType and runt frames are dropped without a handler.
	dispatch(d.ID, frameWithType(0x7777))
	dispatch(d.ID, []byte{1, 2, 3})
	select {
	case <-got:
		t.Fatalf("handler invoked for a foreign frame")
	default:
	}
}

func frameWithType(etherType uint16) []byte {
	frame := make([]byte, headerLen)
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	return frame
}

func TestServeDeliversUntilClose(t *testing.T) {
	h := newFakeHandle()
	d, err := device.Attach("eth-test1",
		[6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
		netip.MustParseAddr("10.210.2.1"),
		netip.MustParseAddr("255.255.255.0"),
		h)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	got := make(chan []byte, 4)
	Handle(0x9998, func(_ int, payload []byte) {
		got <- append([]byte(nil), payload...)
	})

	done := make(chan error, 1)
	go func() { done <- Serve(d) }()

	frame := make([]byte, headerLen+3)
	binary.BigEndian.PutUint16(frame[12:14], 0x9998)
	copy(frame[headerLen:], "xyz")
	h.inbound <- frame

	select {
	case p := <-got:
		if string(p) != "xyz" {
			t.Errorf("payload = %q, want %q", p, "xyz")
		}
	case <-time.After(time.Second):
		t.Fatalf("frame was not dispatched")
	}

	h.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Errorf("Serve should report the capture error on close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Serve did not exit after handle close")
	}
}
