// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package arp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// RFC 826 packet for Ethernet/IPv4: fixed 28 bytes, no trailer.
const packetLen = 28

const (
	opRequest uint16 = 1
	opReply   uint16 = 2

	hwEthernet   uint16 = 1
	protoIPv4    uint16 = 0x0800
	hwAddrLen           = 6
	protoAddrLen        = 4
)

type packet struct {
	op        uint16
	senderMAC [6]byte
	senderIP  netip.Addr
	targetMAC [6]byte
	targetIP  netip.Addr
}

func (p *packet) marshal() []byte {
	b := make([]byte, packetLen)
	binary.BigEndian.PutUint16(b[0:2], hwEthernet)
	binary.BigEndian.PutUint16(b[2:4], protoIPv4)
	b[4] = hwAddrLen
	b[5] = protoAddrLen
	binary.BigEndian.PutUint16(b[6:8], p.op)
	copy(b[8:14], p.senderMAC[:])
	sip := p.senderIP.As4()
	copy(b[14:18], sip[:])
	copy(b[18:24], p.targetMAC[:])
	tip := p.targetIP.As4()
	copy(b[24:28], tip[:])
	return b
}

func parsePacket(b []byte) (packet, error) {
	var p packet
	if len(b) < packetLen {
		return p, fmt.Errorf("arp packet too short: %d bytes", len(b))
	}
	if hrd := binary.BigEndian.Uint16(b[0:2]); hrd != hwEthernet {
		return p, fmt.Errorf("unsupported hardware type %d", hrd)
	}
	if pro := binary.BigEndian.Uint16(b[2:4]); pro != protoIPv4 {
		return p, fmt.Errorf("unsupported protocol type %#04x", pro)
	}
	if b[4] != hwAddrLen || b[5] != protoAddrLen {
		return p, fmt.Errorf("unsupported address lengths hln=%d pln=%d", b[4], b[5])
	}
	p.op = binary.BigEndian.Uint16(b[6:8])
	copy(p.senderMAC[:], b[8:14])
	p.senderIP = netip.AddrFrom4([4]byte(b[14:18]))
	copy(p.targetMAC[:], b[18:24])
	p.targetIP = netip.AddrFrom4([4]byte(b[24:28]))
	return p, nil
}
