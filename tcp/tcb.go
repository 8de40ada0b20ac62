// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"
)

// State is the RFC 793 connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimeWait
)

var stateNames = map[State]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRecv:     "SYN_RECV",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT1",
	StateFinWait2:    "FIN_WAIT2",
	StateClosing:     "CLOSING",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NoDataIncoming reports that a connection in s can produce no further
// inbound data; a drained receive buffer then means end of stream.
func NoDataIncoming(s State) bool {
	switch s {
	case StateClosed, StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// CanSend reports whether the local sending side is still open in s
// (ESTABLISHED or CLOSE_WAIT). Send itself accepts new data only in
// ESTABLISHED.
func CanSend(s State) bool {
	return s == StateEstablished || s == StateCloseWait
}

// Endpoint is one side of a connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Addr, e.Port) }

type pair struct {
	local, remote Endpoint
}

// sendUnit is one element of the send buffer: a control marker or a single
// data byte. Control units are always emitted in a segment of their own.
type sendUnit struct {
	syn, fin bool
	b        byte
}

func (u sendUnit) isCtrl() bool { return u.syn || u.fin }

// TCB is the per-connection control block. Every field is guarded by the
// module mutex; the timer goroutine and the reaper borrow it under that
// same lock.
type TCB struct {
	id      xid.ID // correlates log lines across goroutines
	state   State
	passive bool

	local, remote Endpoint

	send struct {
		initSeq uint32
		next    uint32 // next sequence number to emit
		unack   uint32 // oldest sequence number not yet acknowledged
		// remoteWindow is tracked from inbound segments but does not
		// gate transmission (stop-and-wait already limits us to one
		// segment in flight).
		remoteWindow uint32
		buf          *ring[sendUnit]
		lastSeg      *segment // cached wire bytes for retransmission
		lastSentTime time.Time
		retransCount int
	}

	recv struct {
		initSeq uint32
		next    uint32 // next sequence number expected
		buf     *ring[byte]
	}

	timerStop chan struct{}
	timerDone chan struct{}
	stopOnce  sync.Once
}

// waitingForAck reports whether a segment is in flight. Stop-and-wait: no
// new data segment is emitted while true.
func (t *TCB) waitingForAck() bool { return t.send.unack < t.send.next }

// stopTimer signals the timer goroutine; safe to call more than once.
func (t *TCB) stopTimer() {
	t.stopOnce.Do(func() { close(t.timerStop) })
}
