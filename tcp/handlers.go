// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tcp

import (
	"net/netip"

	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/stats"
)

// SegmentHandler is the ingress pipeline for every TCP payload the IP layer
// delivers: validate, locate (or create) the TCB, resynchronize on sequence
// mismatch, then dispatch to the per-state handler.
func SegmentHandler(payload []byte, src, dst netip.Addr) {
	mu.Lock()
	defer mu.Unlock()

	seg, err := parseSegment(payload, src, dst)
	if err != nil {
		logger.Warningf("tcp ingress: %v", err)
		return
	}
	if !seg.verifyChecksum() {
		logger.Warningf("tcp ingress: checksum error from %s", src)
		return
	}
	stats.TCPSegmentsReceived.Inc()

	local := Endpoint{Addr: dst, Port: seg.dstPort}
	remote := Endpoint{Addr: src, Port: seg.srcPort}

	// A SYN without ACK opens a connection.
	if seg.syn && !seg.ackFlag {
		logger.Infof("tcp ingress: recv a SYN on port %d from %s", seg.dstPort, remote)
		l, ok := listeners[seg.dstPort]
		if !ok {
			logger.Warningf("tcp ingress: no listening socket on port %d", seg.dstPort)
			return
		}
		tcb, err := open(local, remote, seg)
		if err != nil {
			logger.Warningf("tcp ingress: reject to open a new connection: %v", err)
			return
		}
		stats.TCPPassiveOpens.Inc()
		if err := l.DeliverTCB(tcb); err != nil {
			logger.Warningf("tcp ingress: listener rejected connection: %v", err)
			delete(activeTCBs, pair{local, remote})
			closeLocked(tcb)
		}
		return
	}

	p := pair{local, remote}
	tcb, ok := activeTCBs[p]
	if !ok {
		tcb, ok = orphanedTCBs[p]
	}
	if !ok {
		logger.Warningf("tcp ingress: no connection for %s <- %s", local, remote)
		return
	}
	if tcb.state == StateClosed {
		logger.Warningf("tcb %s: recv a segment when the connection closed", tcb.id)
		return
	}

	// An unexpected sequence number means loss, duplication or a stale
	// peer; drop the segment but take its ACK and restate our progress.
	if tcb.state != StateSynSent && seg.seq != tcb.recv.next {
		if seg.ack > tcb.send.unack {
			tcb.send.unack = seg.ack
			tcb.send.remoteWindow = uint32(seg.window)
		}
		logger.Warningf("tcb %s: seq not consistent (%d != %d), ack back again",
			tcb.id, tcb.recv.next, seg.seq)
		if err := makeSureSendback(tcb); err != nil {
			logger.Warningf("tcb %s: fail to sendback: %v", tcb.id, err)
		}
		return
	}

	switch tcb.state {
	case StateSynSent:
		handleSynSent(tcb, seg)
	case StateSynRecv:
		handleSynRecv(tcb, seg)
	case StateEstablished:
		handleEstablished(tcb, seg)
	case StateFinWait1:
		handleFinWait1(tcb, seg)
	case StateFinWait2:
		handleFinWait2(tcb, seg)
	case StateCloseWait:
		logger.Warningf("tcb %s: drop segment in CLOSE_WAIT", tcb.id)
	case StateClosing:
		handleClosing(tcb, seg)
	case StateLastAck:
		handleLastAck(tcb, seg)
	case StateTimeWait:
		// Nothing to do: a retransmitted FIN has an already-consumed
		// sequence number and is re-ACKed by the mismatch path above.
	default:
		logger.Warningf("tcb %s: segment in invalid state %s", tcb.id, tcb.state)
	}
}

func takeAck(tcb *TCB, seg *segment) {
	if seg.ack > tcb.send.unack {
		logger.Tracef("tcb %s: ack upd. ack_seq=%d, unack=%d", tcb.id, seg.ack, tcb.send.unack)
		tcb.send.unack = seg.ack
		tcb.send.remoteWindow = uint32(seg.window)
	}
}

// handleSynSent expects the peer's SYN+ACK.
func handleSynSent(tcb *TCB, seg *segment) {
	if seg.hasPayload() || !seg.syn || !seg.ackFlag || seg.fin {
		logger.Warningf("tcb %s: not a SYNACK in SYN_SENT", tcb.id)
		return
	}
	if seg.ack != tcb.send.initSeq+1 {
		logger.Warningf("tcb %s: not acking my SYN (ack_seq=%d)", tcb.id, seg.ack)
		return
	}

	tcb.recv.initSeq = seg.seq
	tcb.recv.next = seg.seq + 1
	takeAck(tcb, seg)

	transition(tcb, StateEstablished)
	if err := makeSureSendback(tcb); err != nil {
		logger.Warningf("tcb %s: fail to ack the SYNACK: %v", tcb.id, err)
	}
}

// handleSynRecv expects the pure ACK completing the handshake.
func handleSynRecv(tcb *TCB, seg *segment) {
	if seg.hasPayload() || seg.syn || seg.fin {
		logger.Warningf("tcb %s: not a pure ACK in SYN_RECV", tcb.id)
		return
	}
	if seg.ack != tcb.send.next {
		logger.Warningf("tcb %s: not acking my SYNACK (ack_seq=%d)", tcb.id, seg.ack)
		return
	}
	takeAck(tcb, seg)
	transition(tcb, StateEstablished)
}

func handleEstablished(tcb *TCB, seg *segment) {
	takeAck(tcb, seg)

	if seg.hasPayload() {
		logger.Tracef("tcb %s: recv %d bytes", tcb.id, seg.payloadLen())
		// Whole segments only: accepting a prefix would desync
		// recv.next from the buffer contents.
		if !tcb.recv.buf.PushAll(seg.payload()) {
			logger.Warningf("tcb %s: recv buffer overflow, segment dropped", tcb.id)
			return
		}
		tcb.recv.next += uint32(seg.payloadLen())
	}

	if seg.fin {
		transition(tcb, StateCloseWait)
		tcb.recv.next++
	}

	if seg.needToACK() {
		if err := makeSureSendback(tcb); err != nil {
			logger.Warningf("tcb %s: fail to sendback: %v", tcb.id, err)
		}
	}
}

// handleFinWait1 sees either the peer's FIN, the ACK of our own FIN, or
// both at once.
func handleFinWait1(tcb *TCB, seg *segment) {
	takeAck(tcb, seg)

	if seg.hasPayload() {
		logger.Warningf("tcb %s: unexpected payload in FIN_WAIT1", tcb.id)
		return
	}
	if seg.syn {
		logger.Warningf("tcb %s: strange SYN bit in FIN_WAIT1", tcb.id)
		return
	}

	if seg.fin {
		tcb.recv.next++
		if err := makeSureSendback(tcb); err != nil {
			logger.Warningf("tcb %s: fail to ack the FIN: %v", tcb.id, err)
		}
		transition(tcb, StateClosing)
		// Any advance of unack past our FIN counts as it being acked;
		// then both sides are done and we wait out 2·MSL.
		if !tcb.waitingForAck() {
			transition(tcb, StateTimeWait)
		}
		return
	}

	if tcb.send.buf.Empty() && !tcb.waitingForAck() {
		transition(tcb, StateFinWait2)
		return
	}
	logger.Warningf("tcb %s: unexpected segment in FIN_WAIT1", tcb.id)
}

// handleFinWait2 waits for the peer's FIN.
func handleFinWait2(tcb *TCB, seg *segment) {
	takeAck(tcb, seg)

	if seg.hasPayload() || seg.syn || !seg.fin {
		logger.Warningf("tcb %s: not a pure FIN in FIN_WAIT2", tcb.id)
		return
	}

	tcb.recv.next++
	transition(tcb, StateTimeWait)
	if err := makeSureSendback(tcb); err != nil {
		logger.Warningf("tcb %s: fail to ack the FIN: %v", tcb.id, err)
	}
}

// handleClosing waits for the ACK of our FIN.
func handleClosing(tcb *TCB, seg *segment) {
	if seg.hasPayload() || seg.syn || seg.fin {
		logger.Warningf("tcb %s: not a pure ACK in CLOSING", tcb.id)
		return
	}
	if seg.ack != tcb.send.next {
		logger.Warningf("tcb %s: not acking my FIN (ack_seq=%d)", tcb.id, seg.ack)
		return
	}
	takeAck(tcb, seg)
	transition(tcb, StateTimeWait)
}

// handleLastAck waits for the ACK of our FIN, after which the TCB is done.
func handleLastAck(tcb *TCB, seg *segment) {
	if seg.hasPayload() || seg.syn || seg.fin {
		logger.Warningf("tcb %s: not a pure ACK in LAST_ACK", tcb.id)
		return
	}
	if seg.ack != tcb.send.next {
		logger.Warningf("tcb %s: not acking my FIN (ack_seq=%d)", tcb.id, seg.ack)
		return
	}
	takeAck(tcb, seg)
	transition(tcb, StateClosed)
}
