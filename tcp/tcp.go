// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tcp implements the simplified reliable byte-stream transport:
// per-connection TCBs, an 11-state machine driven by segment arrival, user
// calls and timer ticks, stop-and-wait retransmission, and an orphan reaper
// for graceful teardown.
//
// The whole module is serialized by one mutex. Every public entry point and
// the timer body acquire it; internal helpers assume it is held. This
// trades throughput for tractable correctness and is adequate for the
// intended scale.
package tcp

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jokerwyt/NS-Stack/ip"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/stats"
	"github.com/rs/xid"
)

// Tunables. Tests shorten these.
var (
	// MSL is the maximum segment lifetime; TIME_WAIT holds for twice this.
	MSL = time.Second
	// RetransTimeout is how long an unacknowledged segment waits before
	// being re-emitted.
	RetransTimeout = time.Second
	// MaxRetrans closes the connection after this many retransmissions.
	MaxRetrans = 100
	// timerTick is the granularity of the per-connection timer.
	timerTick = 10 * time.Millisecond
)

// ErrConnExists is returned when the 4-tuple is already in use.
var ErrConnExists = errors.New("tcp: connection already exists")

// Listener receives the TCBs created by inbound SYNs on a registered port.
type Listener interface {
	// DeliverTCB hands over a newborn TCB in SYN_RECV. An error (for
	// example a full backlog) rejects the connection.
	DeliverTCB(*TCB) error
}

var (
	mu sync.Mutex // the module-wide TCP mutex

	activeTCBs   = map[pair]*TCB{}
	orphanedTCBs = map[pair]*TCB{}
	listeners    = map[uint16]Listener{}
)

// ipSend is stubbable in test.
var ipSend = ip.SendPacket

// Open actively opens a connection: the TCB starts in SYN_SENT and a SYN is
// emitted. The caller polls StateOf for establishment.
func Open(local, remote Endpoint) (*TCB, error) {
	mu.Lock()
	defer mu.Unlock()
	tcb, err := open(local, remote, nil)
	if err != nil {
		return nil, err
	}
	stats.TCPActiveOpens.Inc()
	return tcb, nil
}

// open creates and registers a TCB. A nil syn means active open; otherwise
// the TCB is the passive end answering that SYN. Assumes mu is held.
func open(local, remote Endpoint, syn *segment) (*TCB, error) {
	startReaper()

	p := pair{local, remote}
	if _, ok := activeTCBs[p]; ok {
		return nil, fmt.Errorf("%w (active): %s -> %s", ErrConnExists, local, remote)
	}
	if _, ok := orphanedTCBs[p]; ok {
		return nil, fmt.Errorf("%w (orphaned): %s -> %s", ErrConnExists, local, remote)
	}

	tcb := &TCB{
		id:        xid.New(),
		local:     local,
		remote:    remote,
		timerStop: make(chan struct{}),
		timerDone: make(chan struct{}),
	}
	tcb.send.initSeq = uint32(rand.Intn(10000))
	tcb.send.next = tcb.send.initSeq
	tcb.send.unack = tcb.send.initSeq
	tcb.send.buf = newRing[sendUnit](SendBufferSize)
	tcb.recv.buf = newRing[byte](RecvBufferSize)

	if syn == nil {
		tcb.state = StateSynSent
	} else {
		tcb.state = StateSynRecv
		tcb.passive = true
		tcb.recv.initSeq = syn.seq
		tcb.recv.next = syn.seq + 1 // the SYN consumed one sequence number
		tcb.send.remoteWindow = uint32(syn.window)
	}

	activeTCBs[p] = tcb
	logger.Debugf("tcb %s registered: %s -> %s, passive=%t", tcb.id, local, remote, tcb.passive)

	go runTimer(tcb)

	// Both open flavors start by emitting a SYN (the passive side's one
	// is sent with ACK, everything after SYN_SENT is).
	if err := sendCtrl(tcb, sendUnit{syn: true}); err != nil {
		logger.Warningf("tcb %s: fail to send SYN: %v", tcb.id, err)
		transition(tcb, StateClosed)
		return nil, err
	}
	return tcb, nil
}

func transition(tcb *TCB, to State) {
	logger.Debugf("tcb %s: state trans: %s -> %s", tcb.id, tcb.state, to)
	tcb.state = to
}

// RegisterListener claims port for l. Listening ports are unique.
func RegisterListener(l Listener, port uint16) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := listeners[port]; ok {
		return fmt.Errorf("tcp: port %d already has a listener", port)
	}
	listeners[port] = l
	return nil
}

// UnregisterListener releases port, which must be held by l.
func UnregisterListener(l Listener, port uint16) error {
	mu.Lock()
	defer mu.Unlock()
	cur, ok := listeners[port]
	if !ok {
		return fmt.Errorf("tcp: port %d has no listener", port)
	}
	if cur != l {
		return fmt.Errorf("tcp: port %d held by another listener", port)
	}
	delete(listeners, port)
	return nil
}

// Send enqueues as much of buf as fits and returns the number of bytes
// taken. Non-blocking; only valid in ESTABLISHED.
func Send(tcb *TCB, buf []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()

	if tcb.state != StateEstablished {
		return 0, fmt.Errorf("tcp send: not in ESTABLISHED state (%s)", tcb.state)
	}

	n := 0
	for _, b := range buf {
		if !tcb.send.buf.Push(sendUnit{b: b}) {
			break
		}
		n++
	}
	if err := makeSureSendback(tcb); err != nil {
		logger.Warningf("tcb %s: send: fail to sendback: %v", tcb.id, err)
		return n, err
	}
	return n, nil
}

// Receive drains up to len(buf) bytes from the receive buffer regardless of
// state. Non-blocking.
func Receive(tcb *TCB, buf []byte) int {
	mu.Lock()
	defer mu.Unlock()
	return tcb.recv.buf.TryPop(buf)
}

// Close detaches the TCB from its socket and initiates the state-
// appropriate shutdown; the orphan reaper destroys it once the protocol
// finishes. Idempotent in terminal states.
func Close(tcb *TCB) error {
	mu.Lock()
	defer mu.Unlock()

	// The exit path iterates activeTCBs and calls closeLocked directly,
	// so the map removal stays out here.
	delete(activeTCBs, pair{tcb.local, tcb.remote})
	return closeLocked(tcb)
}

func closeLocked(tcb *TCB) error {
	switch tcb.state {
	case StateClosed, StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
		// Teardown already in progress.

	case StateSynSent, StateListen:
		transition(tcb, StateClosed)

	case StateSynRecv, StateEstablished:
		transition(tcb, StateFinWait1)
		if err := sendCtrl(tcb, sendUnit{fin: true}); err != nil {
			logger.Warningf("tcb %s: close: fail to send FIN: %v", tcb.id, err)
			return err
		}

	case StateCloseWait:
		transition(tcb, StateLastAck)
		if err := sendCtrl(tcb, sendUnit{fin: true}); err != nil {
			logger.Warningf("tcb %s: close: fail to send FIN: %v", tcb.id, err)
			return err
		}
	}

	orphanedTCBs[pair{tcb.local, tcb.remote}] = tcb
	orphanQueue <- tcb
	return nil
}

// PeerAddress returns the remote endpoint.
func PeerAddress(tcb *TCB) Endpoint {
	mu.Lock()
	defer mu.Unlock()
	return tcb.remote
}

// StateOf returns the current connection state.
func StateOf(tcb *TCB) State {
	mu.Lock()
	defer mu.Unlock()
	return tcb.state
}

// sendPureACK emits a bare acknowledgment. Pure ACKs consume no sequence
// space, are not cached and are never retransmitted.
func sendPureACK(tcb *TCB) error {
	seg := buildSegment(tcb.local, tcb.remote, tcb.send.next, tcb.recv.next,
		true /* ack */, false, false, uint16(tcb.recv.buf.RestCapacity()), nil)
	logger.Tracef("tcb %s: pure ACK sent, ack_seq=%d", tcb.id, tcb.recv.next)
	stats.TCPSegmentsSent.Inc()
	return ipSend(seg.src, seg.dst, ip.ProtoTCP, seg.buf)
}

// sendSegment assembles the next segment from the send buffer and emits it.
// With a segment already in flight, or nothing buffered, it degrades to a
// pure ACK. Control units travel alone; data units are batched up to
// MaxSegmentSize.
func sendSegment(tcb *TCB) error {
	if tcb.waitingForAck() || tcb.send.buf.Empty() {
		return sendPureACK(tcb)
	}

	var payload []byte
	var syn, fin bool
	if u, _ := tcb.send.buf.Peek(); u.isCtrl() {
		tcb.send.buf.Pop()
		syn, fin = u.syn, u.fin
	} else {
		payload = make([]byte, 0, MaxSegmentSize)
		for len(payload) < MaxSegmentSize {
			u, ok := tcb.send.buf.Peek()
			if !ok || u.isCtrl() {
				break
			}
			tcb.send.buf.Pop()
			payload = append(payload, u.b)
		}
	}

	// The very first SYN of an active open carries no ACK; every later
	// segment does.
	ackFlag := tcb.state != StateSynSent
	seg := buildSegment(tcb.local, tcb.remote, tcb.send.next, tcb.recv.next,
		ackFlag, syn, fin, uint16(tcb.recv.buf.RestCapacity()), payload)

	tcb.send.retransCount = 0
	tcb.send.lastSentTime = time.Now()
	tcb.send.next += uint32(len(payload))
	if syn || fin {
		tcb.send.next++
	}
	tcb.send.lastSeg = seg

	logger.Tracef("tcb %s: segment sent. seq=%d, payload_len=%d, syn=%t, fin=%t",
		tcb.id, seg.seq, len(payload), syn, fin)
	stats.TCPSegmentsSent.Inc()
	return ipSend(seg.src, seg.dst, ip.ProtoTCP, seg.buf)
}

// makeSureSendback guarantees some segment will carry the TCB's latest
// state (ack progress included) to the remote.
func makeSureSendback(tcb *TCB) error {
	if !tcb.waitingForAck() {
		return sendSegment(tcb)
	}
	// A segment is in flight; its retransmission will carry the update.
	return nil
}

// sendCtrl queues a control unit and triggers a transmit.
func sendCtrl(tcb *TCB, u sendUnit) error {
	if !tcb.send.buf.Push(u) {
		return errors.New("send buffer full")
	}
	return makeSureSendback(tcb)
}
