// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package socket exposes the stack through a POSIX-shaped API. Descriptors
// at or above MinFD belong to the stack; anything below is forwarded to the
// host's real syscalls, so applications can mix both worlds.
package socket

import (
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jokerwyt/NS-Stack/device"
	"github.com/jokerwyt/NS-Stack/lib/logger"
	"github.com/jokerwyt/NS-Stack/stack"
	"github.com/jokerwyt/NS-Stack/tcp"
)

// MinFD is the first descriptor owned by the stack.
const MinFD = 1000

// pollInterval paces the blocking loops layered over the non-blocking TCP
// primitives.
const pollInterval = 10 * time.Millisecond

type sockState int

const (
	stateDefault sockState = iota + 1
	stateActive
	statePassiveBinded
	statePassiveListening
	stateClosed
)

// SocketBlock is the bookkeeping for one stack-owned descriptor.
type SocketBlock struct {
	fd    int
	addr  tcp.Endpoint
	state sockState

	// tcb is set only in stateActive.
	tcb *tcp.TCB

	// Pending connections of a listening socket, capped at backlog.
	backlog   int
	acceptMu  sync.Mutex
	accepting []*tcp.TCB
}

// DeliverTCB implements tcp.Listener: a newborn SYN_RECV TCB joins the
// backlog, or is rejected when the backlog is full.
func (sb *SocketBlock) DeliverTCB(t *tcp.TCB) error {
	sb.acceptMu.Lock()
	defer sb.acceptMu.Unlock()
	if sb.state != statePassiveListening {
		return unix.EINVAL
	}
	if len(sb.accepting) >= sb.backlog {
		logger.Warningf("socket %d: backlog full, rejecting connection", sb.fd)
		return unix.ECONNREFUSED
	}
	sb.accepting = append(sb.accepting, t)
	logger.Infof("a new connection is pending on socket %d", sb.fd)
	return nil
}

var (
	nextFD    atomic.Int32
	socketsMu sync.Mutex
	sockets   = map[int]*SocketBlock{}
)

func init() { nextFD.Store(MinFD) }

func lookup(fd int) *SocketBlock {
	socketsMu.Lock()
	defer socketsMu.Unlock()
	return sockets[fd]
}

func install(sb *SocketBlock) {
	socketsMu.Lock()
	defer socketsMu.Unlock()
	sockets[sb.fd] = sb
}

// Socket allocates a descriptor. Anything but (AF_INET, SOCK_STREAM, 0) is
// passed through to the host. The first stack-owned socket brings the whole
// stack up.
func Socket(domain, typ, proto int) (int, error) {
	if domain != unix.AF_INET || typ != unix.SOCK_STREAM || proto != 0 {
		return unix.Socket(domain, typ, proto)
	}

	if err := stack.Up(); err != nil {
		logger.Errorf("stack bring-up failed: %v", err)
		return -1, err
	}

	sb := &SocketBlock{
		fd:    int(nextFD.Add(1)) - 1,
		state: stateDefault,
	}
	install(sb)
	return sb.fd, nil
}

// Bind attaches a local port to a default socket. The address is always the
// stack's device 0; only the port is taken from the caller.
func Bind(fd int, sa unix.Sockaddr) error {
	if fd < MinFD {
		return unix.Bind(fd, sa)
	}
	sb := lookup(fd)
	if sb == nil {
		return unix.EBADF
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		logger.Warningf("bind: not an AF_INET address")
		return unix.EINVAL
	}
	if sb.state != stateDefault {
		logger.Warningf("cannot bind a non-default socket")
		return unix.EINVAL
	}
	d := device.Get(0)
	if d == nil {
		logger.Warningf("bind: device 0 is not initialized")
		return unix.EINVAL
	}
	sb.addr = tcp.Endpoint{Addr: d.IP, Port: uint16(sa4.Port)}
	sb.state = statePassiveBinded
	return nil
}

// Listen registers the bound socket as the port's listener.
func Listen(fd, backlog int) error {
	if fd < MinFD {
		return unix.Listen(fd, backlog)
	}
	sb := lookup(fd)
	if sb == nil {
		return unix.EBADF
	}
	if backlog <= 0 {
		logger.Warningf("listen: invalid backlog %d", backlog)
		return unix.EINVAL
	}
	if sb.state != statePassiveBinded {
		logger.Warningf("cannot listen on a non-binded socket")
		return unix.EINVAL
	}
	sb.backlog = backlog
	sb.state = statePassiveListening
	if err := tcp.RegisterListener(sb, sb.addr.Port); err != nil {
		sb.state = statePassiveBinded
		logger.Warningf("fail to register listening socket: %v", err)
		return unix.EINVAL
	}
	return nil
}

// Connect opens an active connection from an ephemeral local port and
// blocks until it is established. A connection torn down before
// establishment (retransmission limit) fails with ETIMEDOUT.
func Connect(fd int, sa unix.Sockaddr) error {
	if fd < MinFD {
		return unix.Connect(fd, sa)
	}
	sb := lookup(fd)
	if sb == nil {
		return unix.EBADF
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		logger.Warningf("connect: not an AF_INET address")
		return unix.EINVAL
	}
	if sb.state != stateDefault {
		logger.Warningf("only a default socket can connect")
		return unix.EINVAL
	}
	d := device.Get(0)
	if d == nil {
		logger.Warningf("connect: device 0 is not initialized")
		return unix.EINVAL
	}

	// Ephemeral port; conflicts are ignored for simplicity (Open fails
	// on a genuine 4-tuple collision).
	sb.addr = tcp.Endpoint{Addr: d.IP, Port: uint16(rand.Intn(10000) + 10000)}
	remote := tcp.Endpoint{Addr: netip.AddrFrom4(sa4.Addr), Port: uint16(sa4.Port)}

	t, err := tcp.Open(sb.addr, remote)
	if err != nil {
		logger.Warningf("fail to open a TCP connection: %v", err)
		return unix.EINVAL
	}
	sb.tcb = t
	sb.state = stateActive

	for {
		switch tcp.StateOf(t) {
		case tcp.StateEstablished:
			return nil
		case tcp.StateClosed:
			return unix.ETIMEDOUT
		}
		time.Sleep(pollInterval)
	}
}

// Accept blocks until a backlog connection reaches ESTABLISHED, wraps it in
// a fresh active socket, and returns the new descriptor and the peer.
func Accept(fd int) (int, unix.Sockaddr, error) {
	if fd < MinFD {
		nfd, sa, err := unix.Accept(fd)
		return nfd, sa, err
	}
	sb := lookup(fd)
	if sb == nil {
		return -1, nil, unix.EBADF
	}
	if sb.state != statePassiveListening {
		logger.Warningf("only a passive-listening socket can accept")
		return -1, nil, unix.EINVAL
	}

	var conn *tcp.TCB
	for conn == nil {
		// Snapshot first: the TCP mutex must never be taken while
		// holding acceptMu, or we deadlock against DeliverTCB.
		sb.acceptMu.Lock()
		pending := append([]*tcp.TCB(nil), sb.accepting...)
		sb.acceptMu.Unlock()

		var ready *tcp.TCB
		for _, t := range pending {
			if tcp.StateOf(t) == tcp.StateEstablished {
				ready = t
				break
			}
		}
		if ready != nil {
			sb.acceptMu.Lock()
			for i, t := range sb.accepting {
				if t == ready {
					sb.accepting = append(sb.accepting[:i], sb.accepting[i+1:]...)
					conn = ready
					break
				}
			}
			sb.acceptMu.Unlock()
		}
		if conn == nil {
			time.Sleep(pollInterval)
		}
	}

	nsb := &SocketBlock{
		fd:    int(nextFD.Add(1)) - 1,
		addr:  sb.addr,
		state: stateActive,
		tcb:   conn,
	}
	install(nsb)

	peer := tcp.PeerAddress(conn)
	sa := &unix.SockaddrInet4{Port: int(peer.Port), Addr: peer.Addr.As4()}
	return nsb.fd, sa, nil
}

// Read blocks until data is available or the peer can send no more, in
// which case it returns 0 (end of stream).
func Read(fd int, buf []byte) (int, error) {
	if fd < MinFD {
		return unix.Read(fd, buf)
	}
	sb := lookup(fd)
	if sb == nil {
		return -1, unix.EBADF
	}
	if sb.state != stateActive {
		logger.Warningf("only an active socket can read")
		return -1, unix.EINVAL
	}

	for {
		if n := tcp.Receive(sb.tcb, buf); n > 0 {
			return n, nil
		}
		if tcp.NoDataIncoming(tcp.StateOf(sb.tcb)) {
			return 0, nil
		}
		time.Sleep(pollInterval)
	}
}

// Write blocks until all of buf is enqueued, returning short only when the
// connection can no longer send.
func Write(fd int, buf []byte) (int, error) {
	if fd < MinFD {
		return unix.Write(fd, buf)
	}
	sb := lookup(fd)
	if sb == nil {
		return -1, unix.EBADF
	}
	if sb.state != stateActive {
		logger.Warningf("only an active socket can write")
		return -1, unix.EINVAL
	}

	done := 0
	for done < len(buf) {
		n, err := tcp.Send(sb.tcb, buf[done:])
		if err != nil {
			return done, unix.EPIPE
		}
		done += n
		if n == 0 {
			if !tcp.CanSend(tcp.StateOf(sb.tcb)) {
				return done, nil
			}
			time.Sleep(pollInterval)
		}
	}
	return done, nil
}

// Close tears the socket down: active sockets close their connection,
// listening sockets unregister and close everything still in the backlog.
func Close(fd int) error {
	if fd < MinFD {
		return unix.Close(fd)
	}
	sb := lookup(fd)
	if sb == nil {
		return unix.EBADF
	}

	switch sb.state {
	case stateActive:
		if err := tcp.Close(sb.tcb); err != nil {
			logger.Warningf("fail to close a TCP connection: %v", err)
			return unix.EINVAL
		}
	case statePassiveBinded, statePassiveListening:
		if sb.state == statePassiveListening {
			if err := tcp.UnregisterListener(sb, sb.addr.Port); err != nil {
				logger.Warningf("fail to unregister listener: %v", err)
			}
		}
		sb.acceptMu.Lock()
		pending := sb.accepting
		sb.accepting = nil
		sb.state = stateClosed
		sb.acceptMu.Unlock()
		for _, t := range pending {
			if err := tcp.Close(t); err != nil {
				logger.Warningf("fail to close a pending connection: %v", err)
			}
		}
		return nil
	default:
		logger.Warningf("close a socket with invalid state")
		return unix.EINVAL
	}

	sb.state = stateClosed
	return nil
}

// SetSockOpt is accepted and ignored for stack sockets; host descriptors
// pass through.
func SetSockOpt(fd, level, opt, value int) error {
	if fd < MinFD {
		return unix.SetsockoptInt(fd, level, opt, value)
	}
	logger.Warningf("setsockopt is not implemented for stack sockets")
	return nil
}

// GetAddrInfo resolves a host and service with the host resolver; the
// stack has no resolver of its own.
func GetAddrInfo(node, service string) ([]*net.TCPAddr, error) {
	port := 0
	if service != "" {
		p, err := net.LookupPort("tcp", service)
		if err != nil {
			return nil, err
		}
		port = p
	}
	if node == "" {
		return []*net.TCPAddr{{IP: net.IPv4zero, Port: port}}, nil
	}
	ips, err := net.LookupIP(node)
	if err != nil {
		return nil, err
	}
	out := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out, nil
}

