// Package peerlink implements the one-peer TCP transport: a passive listener
// that accepts a single inbound connection, or an active dialer, plus
// serialized framed send/receive and lock-free close semantics.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"intercomd/internal/wire"
)

const (
	sendBudget = 20 * time.Millisecond
	recvBudget = 50 * time.Millisecond
	sockBuf    = 32 * 1024
)

// ErrBusy is returned by Accept/Connect when a PeerSession is already active.
var ErrBusy = errors.New("peerlink: a peer session is already active")

// ErrUnreachable is returned by Connect on dial failure or timeout.
var ErrUnreachable = errors.New("peerlink: peer unreachable")

// PeerSession is the single active TCP counterparty of this endpoint.
type PeerSession struct {
	conn       atomic.Pointer[net.TCPConn]
	addr       string
	lastPingMs atomic.Int64
	streaming  atomic.Bool
	sendMu     sync.Mutex
}

// Addr returns the remote peer's address string.
func (s *PeerSession) Addr() string { return s.addr }

// Streaming reports whether the call-engine has marked this session as
// actively streaming audio.
func (s *PeerSession) Streaming() bool { return s.streaming.Load() }

// SetStreaming flips the streaming flag; only the net task should call this.
func (s *PeerSession) SetStreaming(v bool) { s.streaming.Store(v) }

func (s *PeerSession) socket() *net.TCPConn {
	return s.conn.Load()
}

func (s *PeerSession) isClosed() bool {
	return s.socket() == nil
}

// PeerLink owns the listening socket and the single active PeerSession.
type PeerLink struct {
	mu       sync.Mutex
	listener *net.TCPListener
	session  *PeerSession
}

// New constructs an idle PeerLink.
func New() *PeerLink {
	return &PeerLink{}
}

// Listen opens a listening socket with SO_REUSEADDR. The listen backlog is
// the OS default, not one; the one-peer-at-a-time rule is enforced by
// Accept, which rejects connections that arrive while a session is active.
func (p *PeerLink) Listen(port int) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("peerlink: listen: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("peerlink: listener is not TCP")
	}
	p.mu.Lock()
	p.listener = tcpLn
	p.mu.Unlock()
	return nil
}

// CloseListener shuts down the listening socket.
func (p *PeerLink) CloseListener() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	err := p.listener.Close()
	p.listener = nil
	return err
}

// Accept waits for one inbound connection, always pulling it off the
// listen backlog so a busy endpoint can still respond on the new socket.
// If a session is already active, the accepted connection is rejected
// with ERROR{BUSY} and closed, and Accept returns ErrBusy; the caller
// should loop to accept the next pending connection.
func (p *PeerLink) Accept() (*PeerSession, error) {
	p.mu.Lock()
	ln := p.listener
	p.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("peerlink: not listening")
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("peerlink: accept: %w", err)
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tuneSocket(tcpConn); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("peerlink: tune socket: %w", err)
	}

	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		rejectBusy(tcpConn)
		return nil, ErrBusy
	}
	session := &PeerSession{addr: tcpConn.RemoteAddr().String()}
	session.conn.Store(tcpConn)
	p.session = session
	p.mu.Unlock()

	return session, nil
}

// rejectBusy is the accept-time counterpart of the ERROR{BUSY} response:
// a best-effort framed error followed by an immediate close.
func rejectBusy(conn *net.TCPConn) {
	if encoded, err := wire.Encode(wire.Error, wire.FlagNone, []byte{byte(wire.ReasonBusy)}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Millisecond))
		_, _ = conn.Write(encoded)
	}
	_ = conn.Close()
}

// Connect dials a peer with a bounded timeout, classifying any failure as
// ErrUnreachable.
func (p *PeerLink) Connect(host string, port int, timeout time.Duration) (*PeerSession, error) {
	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tuneSocket(tcpConn); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	session := &PeerSession{addr: tcpConn.RemoteAddr().String()}
	session.conn.Store(tcpConn)

	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		tcpConn.Close()
		return nil, ErrBusy
	}
	p.session = session
	p.mu.Unlock()

	return session, nil
}

// ListenAddr returns the resolved listening address, or nil if Listen has
// not been called (useful for picking up an OS-assigned ephemeral port
// after Listen(0)).
func (p *PeerLink) ListenAddr() *net.TCPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr().(*net.TCPAddr)
}

// Active returns the current session, or nil if none exists.
func (p *PeerLink) Active() *PeerSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Send serializes a framed write behind the session's send mutex so control
// and audio frames never interleave and stay globally ordered on the wire. Partial writes retry within a bounded budget; exceeding the
// budget returns failure without closing the socket.
func (p *PeerLink) Send(session *PeerSession, msgType, flags byte, payload []byte) error {
	if session == nil || session.isClosed() {
		return fmt.Errorf("peerlink: send on closed session")
	}
	encoded, err := wire.Encode(msgType, flags, payload)
	if err != nil {
		return err
	}

	session.sendMu.Lock()
	defer session.sendMu.Unlock()

	conn := session.socket()
	if conn == nil {
		return fmt.Errorf("peerlink: send on closed session")
	}

	deadline := time.Now().Add(sendBudget)
	written := 0
	for written < len(encoded) {
		slice := 5 * time.Millisecond
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
		if slice <= 0 {
			return fmt.Errorf("peerlink: send budget exhausted")
		}
		_ = conn.SetWriteDeadline(time.Now().Add(slice))
		n, err := conn.Write(encoded[written:])
		written += n
		if n > 0 {
			deadline = time.Now().Add(sendBudget)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("peerlink: write: %w", err)
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

// Recv reads exactly one framed message from the session's socket.
func (p *PeerLink) Recv(session *PeerSession) (wire.Frame, error) {
	conn := session.socket()
	if conn == nil {
		return wire.Frame{}, wire.ErrClosed
	}
	return wire.DecodeStream(conn, recvBudget)
}

// Close performs the lock-free swap-to-none close protocol: atomically
// detach the socket handle so no other task can race to close the same fd,
// attempt a best-effort STOP send on the detached handle, shut down both
// directions, then close.
func (p *PeerLink) Close(session *PeerSession) {
	if session == nil {
		return
	}
	conn := session.conn.Swap(nil)
	if conn == nil {
		return // another task already closed it
	}

	if encoded, err := wire.Encode(wire.Stop, wire.FlagNone, nil); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Millisecond))
		_, _ = conn.Write(encoded)
	}
	_ = conn.SetDeadline(time.Time{})
	_ = conn.CloseRead()
	_ = conn.CloseWrite()
	_ = conn.Close()

	p.mu.Lock()
	if p.session == session {
		p.session = nil
	}
	p.mu.Unlock()
}

func tuneSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetReadBuffer(sockBuf); err != nil {
		return err
	}
	if err := conn.SetWriteBuffer(sockBuf); err != nil {
		return err
	}
	return nil
}
