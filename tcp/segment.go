// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/jokerwyt/NS-Stack/util"
)

const (
	headerLen = 20

	// MaxSegmentSize is the largest payload carried in one segment.
	MaxSegmentSize = 1024
	// SendBufferSize and RecvBufferSize bound the per-connection buffers.
	SendBufferSize = 4096
	RecvBufferSize = 4096
)

// segment bundles the wire bytes of one TCP segment with the addresses the
// pseudo-header checksum is computed over. The buffer is owned: inbound
// frames are copied on parse and never aliased across goroutines.
type segment struct {
	buf      []byte
	src, dst netip.Addr

	srcPort, dstPort uint16
	seq, ack         uint32
	window           uint16
	ackFlag          bool
	syn, fin         bool
}

// parseSegment copies and decodes one inbound segment. The checksum is not
// verified here; callers do that explicitly.
func parseSegment(b []byte, src, dst netip.Addr) (*segment, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("segment too short: %d bytes", len(b))
	}
	doff := int(b[12]>>4) * 4
	if doff < headerLen || doff > len(b) {
		return nil, fmt.Errorf("impossible data offset %d in %d bytes", doff, len(b))
	}
	s := &segment{
		buf: append([]byte(nil), b...),
		src: src,
		dst: dst,
	}
	s.decode()
	return s, nil
}

func (s *segment) decode() {
	s.srcPort = binary.BigEndian.Uint16(s.buf[0:2])
	s.dstPort = binary.BigEndian.Uint16(s.buf[2:4])
	s.seq = binary.BigEndian.Uint32(s.buf[4:8])
	s.ack = binary.BigEndian.Uint32(s.buf[8:12])
	s.ackFlag = s.buf[13]&0x10 != 0
	s.syn = s.buf[13]&0x02 != 0
	s.fin = s.buf[13]&0x01 != 0
	s.window = binary.BigEndian.Uint16(s.buf[14:16])
}

// buildSegment assembles an outbound segment (data offset 5, no options)
// with its checksum filled in.
func buildSegment(local, remote Endpoint, seq, ack uint32, ackFlag, syn, fin bool, window uint16, payload []byte) *segment {
	b := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], local.Port)
	binary.BigEndian.PutUint16(b[2:4], remote.Port)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = headerLen / 4 << 4
	var flags byte
	if ackFlag {
		flags |= 0x10
	}
	if syn {
		flags |= 0x02
	}
	if fin {
		flags |= 0x01
	}
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], window)
	copy(b[headerLen:], payload)

	s := &segment{
		buf: b, src: local.Addr, dst: remote.Addr,
		srcPort: local.Port, dstPort: remote.Port,
		seq: seq, ack: ack, window: window,
		ackFlag: ackFlag, syn: syn, fin: fin,
	}
	s.fillChecksum()
	return s
}

func (s *segment) dataOffset() int { return int(s.buf[12]>>4) * 4 }

func (s *segment) payload() []byte { return s.buf[s.dataOffset():] }

func (s *segment) payloadLen() int { return len(s.buf) - s.dataOffset() }

func (s *segment) hasPayload() bool { return s.payloadLen() > 0 }

// needToACK reports whether this inbound segment consumed sequence space or
// carried data and therefore must be acknowledged.
func (s *segment) needToACK() bool { return s.hasPayload() || s.syn || s.fin }

// checksum computes the RFC 793 checksum over the segment and the IPv4
// pseudo-header, with the checksum field taken as zero.
func (s *segment) checksum() uint16 {
	old0, old1 := s.buf[16], s.buf[17]
	s.buf[16], s.buf[17] = 0, 0
	sum := util.ChecksumSum(s.buf, 0)
	s.buf[16], s.buf[17] = old0, old1

	src, dst := s.src.As4(), s.dst.As4()
	sum = util.ChecksumSum(src[:], sum)
	sum = util.ChecksumSum(dst[:], sum)
	sum += protoTCP
	sum += uint32(len(s.buf))
	return util.ChecksumFold(sum)
}

const protoTCP = 6

func (s *segment) fillChecksum() {
	binary.BigEndian.PutUint16(s.buf[16:18], s.checksum())
}

func (s *segment) verifyChecksum() bool {
	return binary.BigEndian.Uint16(s.buf[16:18]) == s.checksum()
}

// setAckSeq patches the acknowledgment number in place (retransmissions
// refresh it) and recomputes the checksum.
func (s *segment) setAckSeq(ack uint32) {
	s.ack = ack
	binary.BigEndian.PutUint32(s.buf[8:12], ack)
	s.fillChecksum()
}
