// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tcp

import (
	"sync"
	"time"

	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/stats"
)

// runTimer drives one TCB: retransmission and the TIME_WAIT countdown.
// Each tick is serialized through the module mutex, so the state machine
// never races with segment arrival or user calls.
func runTimer(tcb *TCB) {
	defer close(tcb.timerDone)
	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()
	for {
		select {
		case <-tcb.timerStop:
			return
		case <-ticker.C:
			mu.Lock()
			if tcb.state == StateClosed {
				mu.Unlock()
				return
			}
			tick(tcb)
			mu.Unlock()
		}
	}
}

// tick runs one timer pass. Assumes mu is held.
func tick(tcb *TCB) {
	if tcb.state == StateTimeWait {
		if time.Since(tcb.send.lastSentTime) >= 2*MSL {
			transition(tcb, StateClosed)
		}
		return
	}

	if !tcb.waitingForAck() || time.Since(tcb.send.lastSentTime) < RetransTimeout {
		return
	}

	if tcb.send.retransCount >= MaxRetrans {
		logger.Warningf("tcb %s: retransmission limit reached, closing", tcb.id)
		transition(tcb, StateClosed)
		return
	}

	logger.Warningf("tcb %s: retransmission timeout, re-emit seq=%d (attempt %d)",
		tcb.id, tcb.send.lastSeg.seq, tcb.send.retransCount+1)

	// The cached segment is refreshed with our current ack progress.
	tcb.send.lastSeg.setAckSeq(tcb.recv.next)
	tcb.send.lastSentTime = time.Now()
	tcb.send.retransCount++
	stats.TCPRetransmissions.Inc()

	seg := tcb.send.lastSeg
	if err := ipSend(seg.src, seg.dst, protoTCP, seg.buf); err != nil {
		logger.Warningf("tcb %s: fail to retransmit: %v", tcb.id, err)
	}
}

const orphanQueueDepth = 100

var (
	orphanQueue = make(chan *TCB, orphanQueueDepth)
	reaperOnce  sync.Once
	reaperStop  = make(chan struct{})
	reaperDone  = make(chan struct{})
)

func startReaper() {
	reaperOnce.Do(func() { go reaper() })
}

// reaper destroys orphaned TCBs once their protocol teardown reaches
// CLOSED. A TCB that is still closing is parked back on the queue; its
// timer eventually drives it to CLOSED.
func reaper() {
	defer close(reaperDone)
	for {
		select {
		case <-reaperStop:
			drainOrphans()
			return
		case tcb := <-orphanQueue:
			mu.Lock()
			done := tcb.state == StateClosed
			mu.Unlock()
			if !done {
				time.Sleep(timerTick)
				orphanQueue <- tcb
				continue
			}
			finalize(tcb)
		}
	}
}

// finalize stops and joins the TCB's timer and removes it from the orphan
// map. Only the reaper observes a CLOSED TCB before destruction.
func finalize(tcb *TCB) {
	tcb.stopTimer()
	<-tcb.timerDone

	mu.Lock()
	delete(orphanedTCBs, pair{tcb.local, tcb.remote})
	mu.Unlock()

	stats.TCPOrphansReaped.Inc()
	logger.Infof("tcb %s reaped (%s -> %s)", tcb.id, tcb.local, tcb.remote)
}

// drainOrphans force-finalizes whatever is still queued at shutdown.
func drainOrphans() {
	for {
		select {
		case tcb := <-orphanQueue:
			mu.Lock()
			if tcb.state != StateClosed {
				transition(tcb, StateClosed)
			}
			mu.Unlock()
			finalize(tcb)
		default:
			return
		}
	}
}

// Shutdown forcibly closes every active connection and stops the reaper
// after it drains the queue. Called once from the exit hook.
func Shutdown() {
	mu.Lock()
	for p, tcb := range activeTCBs {
		logger.Infof("shutdown: closing tcb %s", tcb.id)
		delete(activeTCBs, p)
		if err := closeLocked(tcb); err != nil {
			logger.Warningf("shutdown: close tcb %s: %v", tcb.id, err)
		}
	}
	mu.Unlock()

	startReaper() // the queue drain below needs it alive
	close(reaperStop)
	<-reaperDone
}
