// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"fmt"

	"github.com/google/gopacket/pcap"
)

const captureSnaplen = 65536

// pcapHandle adapts a live gopacket/pcap capture to RawHandle.
type pcapHandle struct {
	h *pcap.Handle
}

func openLive(name string) (RawHandle, error) {
	h, err := pcap.OpenLive(name, captureSnaplen, true /* promisc */, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("pcap open %s: %w", name, err)
	}
	return &pcapHandle{h: h}, nil
}

func (p *pcapHandle) Inject(frame []byte) error {
	return p.h.WritePacketData(frame)
}

func (p *pcapHandle) ReadPacketData() ([]byte, error) {
	data, _, err := p.h.ReadPacketData()
	return data, err
}

func (p *pcapHandle) Close() { p.h.Close() }

// HostDeviceNames enumerates the host interfaces visible to the capture
// facility.
func HostDeviceNames() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}
