// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package device manages the registry of network interfaces the stack is
// attached to. The registry is append-only: a device, once published, never
// changes and is never removed. Readers are lock-free; they observe entries
// up to the atomically published count.
package device

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/util"
)

const maxDevices = 256

// RawHandle is the bidirectional raw-frame transport backing a device. The
// production implementation wraps a promiscuous pcap capture; tests swap in
// loopback fakes.
type RawHandle interface {
	// Inject writes one complete Ethernet frame to the wire.
	Inject(frame []byte) error
	// ReadPacketData blocks until the next frame arrives and returns a
	// buffer owned by the caller.
	ReadPacketData() ([]byte, error)
	Close()
}

// Device is one attached interface. All fields are immutable after Attach.
type Device struct {
	ID   int
	Name string
	MAC  [6]byte
	IP   netip.Addr
	Mask netip.Addr

	handle RawHandle
}

// Inject sends a raw frame on this device.
func (d *Device) Inject(frame []byte) error { return d.handle.Inject(frame) }

// ReadPacketData blocks for the next inbound frame on this device.
func (d *Device) ReadPacketData() ([]byte, error) { return d.handle.ReadPacketData() }

// Close releases the underlying capture handle.
func (d *Device) Close() { d.handle.Close() }

var (
	attachMu sync.Mutex
	count    atomic.Int32
	devices  [maxDevices]*Device
)

// Attach publishes a device built from an already-open handle and returns
// it with its assigned id.
func Attach(name string, mac [6]byte, ip, mask netip.Addr, handle RawHandle) (*Device, error) {
	attachMu.Lock()
	defer attachMu.Unlock()

	id := int(count.Load())
	if id >= maxDevices {
		return nil, fmt.Errorf("device table full (%d devices)", maxDevices)
	}
	d := &Device{ID: id, Name: name, MAC: mac, IP: ip, Mask: mask, handle: handle}
	devices[id] = d
	count.Store(int32(id + 1))

	logger.Infof("added device %s, id=%d, MAC=%s, IP=%s, subnet_mask=%s",
		name, id, util.MACString(mac), ip, mask)
	return d, nil
}

// Add opens name for promiscuous capture, queries its MAC, IPv4 address and
// netmask from the host, and publishes it.
func Add(name string) (*Device, error) {
	mac, ip, mask, err := queryInterface(name)
	if err != nil {
		return nil, err
	}
	handle, err := openLive(name)
	if err != nil {
		return nil, err
	}
	d, err := Attach(name, mac, ip, mask, handle)
	if err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

func queryInterface(name string) (mac [6]byte, ip, mask netip.Addr, err error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return mac, ip, mask, fmt.Errorf("interface %s: %w", name, err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return mac, ip, mask, fmt.Errorf("interface %s has no EUI-48 address", name)
	}
	copy(mac[:], ifi.HardwareAddr)

	addrs, err := ifi.Addrs()
	if err != nil {
		return mac, ip, mask, fmt.Errorf("interface %s addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipn.IP.To4()
		if v4 == nil {
			continue
		}
		ip = netip.AddrFrom4([4]byte(v4))
		ones, _ := ipn.Mask.Size()
		mask = util.PrefixLenToMask(ones)
		return mac, ip, mask, nil
	}
	return mac, ip, mask, fmt.Errorf("interface %s has no IPv4 address", name)
}

// Count returns the number of published devices.
func Count() int { return int(count.Load()) }

// Get returns the device with the given id, or nil for an invalid id.
func Get(id int) *Device {
	if id < 0 || id >= Count() {
		return nil
	}
	return devices[id]
}

// Find returns the device with the given interface name, or nil.
func Find(name string) *Device {
	n := Count()
	for id := 0; id < n; id++ {
		if devices[id].Name == name {
			return devices[id]
		}
	}
	logger.Warningf("fail to find device %s", name)
	return nil
}

// FromSubnet returns the first device whose attached subnet contains ip
// under exactly the given mask, or nil.
func FromSubnet(ip, mask netip.Addr) *Device {
	n := Count()
	for id := 0; id < n; id++ {
		d := devices[id]
		if d.Mask == mask && util.SubnetMatch(ip, d.IP, mask) {
			return d
		}
	}
	return nil
}
