// Package proxyloop implements the readiness loop and per-connection
// I/O step of spec.md §4.1–§4.2: a single-threaded, non-blocking
// byte-pump coupling each accepted client to a fixed upstream.
//
// Grounded on the teacher's graceful_restarts/SocketHandoff experiment,
// which is the one place in Ankit-Kulkarni-go-experiments that reaches
// for syscall.RawConn to touch a raw fd directly; this package
// generalizes that single introspection call into the proxy's entire
// I/O strategy, since net.Conn's own blocking Read/Write has no
// "is-it-ready" query the spec's two-phase gather needs.
package proxyloop

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spencertipping/sockpuppet/internal/connid"
	"github.com/spencertipping/sockpuppet/internal/timing"
	"github.com/spencertipping/sockpuppet/internal/trace"
)

// Proxy owns the listening socket and the set of live connections, and
// runs the readiness loop (spec.md §2, §4.1).
type Proxy struct {
	listener   net.Listener
	listenFD   int
	upstream   string // host:port to dial for each new connection
	hostHeader string // value substituted into the rewritten Host header

	ids    *connid.Generator
	writer *trace.Writer
	timers *timing.Set

	conns map[int64]*Connection

	// liveConns mirrors len(conns); it exists solely so ConnCount can be
	// read from the admin server's own goroutine without touching the
	// conns map the readiness loop owns.
	liveConns int64

	// PollTimeoutMillis governs both readiness waits per iteration.
	// -1 blocks indefinitely, matching the reference implementation
	// (spec.md §4.1).
	PollTimeoutMillis int
}

// ListenLoopback binds a plain TCP listener on loopback per spec.md §6
// (address reuse, platform backlog). Used when no restart coordinator
// is in play; main.go may instead obtain a listener from
// internal/restart's tableflip.Upgrader and pass it to New directly.
func ListenLoopback(port int) (*net.TCPListener, error) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("proxyloop: listen: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("proxyloop: listener is not *net.TCPListener")
	}
	return tcpLn, nil
}

// New wraps an already-bound listener (either ListenLoopback's plain
// TCP listener or a restart.Coordinator's upgrade-aware one) and
// resolves the upstream address once at startup.
func New(ln net.Listener, upstream string, writer *trace.Writer, timers *timing.Set) (*Proxy, error) {
	if _, err := net.ResolveTCPAddr("tcp", upstream); err != nil {
		return nil, fmt.Errorf("proxyloop: resolve upstream %q: %w", upstream, err)
	}

	connLn, ok := ln.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("proxyloop: listener does not expose a raw fd")
	}
	lfd, _, err := fdOf(connLn)
	if err != nil {
		return nil, err
	}

	return &Proxy{
		listener:          ln,
		listenFD:          lfd,
		upstream:          upstream,
		hostHeader:        upstream,
		ids:               connid.New(),
		writer:            writer,
		timers:            timers,
		conns:             make(map[int64]*Connection),
		PollTimeoutMillis: -1,
	}, nil
}

// Addr reports the bound listen address.
func (p *Proxy) Addr() net.Addr { return p.listener.Addr() }

// ConnCount reports the number of currently live connections. Safe to
// call from another goroutine (e.g. the admin server): it reads an
// atomic mirror of len(conns) rather than the map itself, which only
// the readiness loop goroutine ever touches.
func (p *Proxy) ConnCount() int { return int(atomic.LoadInt64(&p.liveConns)) }

// Close releases the listen socket and every live connection.
func (p *Proxy) Close() {
	for _, c := range p.conns {
		c.shutdown(nil)
	}
	_ = p.listener.Close()
}

// Run drives the readiness loop until stop is closed or a fatal error
// occurs (a trace-writer failure, or a listener setup error).
// Exceptions during any per-connection I/O step are caught and logged
// per spec.md §4.1 / §7; they never terminate the loop.
func (p *Proxy) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		order, readFds := p.buildReadErrPollSet()
		p.timers.Readiness.Start()
		if err := unix.Poll(readFds, p.PollTimeoutMillis); err != nil && err != unix.EINTR {
			p.timers.Readiness.Stop()
			return fmt.Errorf("proxyloop: poll(read): %w", err)
		}
		rs := classify(order, readFds)

		writeOrder, writeFds := p.buildWritePollSet(rs)
		if len(writeFds) > 0 {
			if err := unix.Poll(writeFds, p.PollTimeoutMillis); err != nil && err != unix.EINTR {
				p.timers.Readiness.Stop()
				return fmt.Errorf("proxyloop: poll(write): %w", err)
			}
			mergeWrite(rs, writeOrder, writeFds)
		}
		p.timers.Readiness.Stop()

		for id, c := range p.conns {
			out := p.safeStep(c, rs)
			if out.fatal != nil {
				return out.fatal
			}
			if !out.alive {
				delete(p.conns, id)
				atomic.StoreInt64(&p.liveConns, int64(len(p.conns)))
			}
		}

		if rs.read[p.listenFD] {
			p.acceptOne()
		}
	}
}

// safeStep recovers from a panic in a single connection's I/O step so
// that one misbehaving connection cannot take down the loop -- the
// Go-native analogue of spec.md §4.1's "exceptions ... are caught and
// logged; they must not terminate the loop".
func (p *Proxy) safeStep(c *Connection, rs readySets) (out stepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[conn %d] recovered panic in I/O step: %v", c.ID, r)
			out = c.shutdown(nil)
		}
	}()
	return c.Step(rs)
}

func (p *Proxy) buildReadErrPollSet() ([]int, []unix.PollFd) {
	order := make([]int, 0, 1+2*len(p.conns))
	fds := make([]unix.PollFd, 0, cap(order))
	add := func(fd int) {
		order = append(order, fd)
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP})
	}
	add(p.listenFD)
	for _, c := range p.conns {
		add(c.clientFD)
		add(c.serverFD)
	}
	return order, fds
}

// buildWritePollSet implements spec.md §4.1's backpressure rule: the
// client fd is marked writable-interest only if the server fd was
// readable on the first pass, and vice versa.
func (p *Proxy) buildWritePollSet(rs readySets) ([]int, []unix.PollFd) {
	var order []int
	var fds []unix.PollFd
	for _, c := range p.conns {
		if rs.read[c.serverFD] {
			order = append(order, c.clientFD)
			fds = append(fds, unix.PollFd{Fd: int32(c.clientFD), Events: unix.POLLOUT})
		}
		if rs.read[c.clientFD] {
			order = append(order, c.serverFD)
			fds = append(fds, unix.PollFd{Fd: int32(c.serverFD), Events: unix.POLLOUT})
		}
	}
	return order, fds
}

func classify(order []int, fds []unix.PollFd) readySets {
	rs := readySets{read: map[int]bool{}, err: map[int]bool{}, write: map[int]bool{}}
	for i, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			rs.read[order[i]] = true
		}
		if fd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			rs.err[order[i]] = true
		}
	}
	return rs
}

func mergeWrite(rs readySets, order []int, fds []unix.PollFd) {
	for i, fd := range fds {
		if fd.Revents&unix.POLLOUT != 0 {
			rs.write[order[i]] = true
		}
		if fd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			rs.err[order[i]] = true
		}
	}
}

// acceptOne accepts at most one new client per loop iteration (spec.md
// §4.1), dials the upstream, and registers a new Connection.
func (p *Proxy) acceptOne() {
	client, err := acceptNonblocking(p.listenFD)
	if err != nil {
		if err == ErrWouldBlock {
			return
		}
		log.Printf("[proxy] accept: %v", err)
		return
	}

	server, err := net.DialTimeout("tcp", p.upstream, 5*time.Second)
	if err != nil {
		log.Printf("[proxy] dial upstream %s: %v", p.upstream, err)
		_ = client.Close()
		return
	}

	id := p.ids.Next()
	conn, err := newConnection(id, client, server, p.hostHeader, p.writer, &p.timers.Parse, &p.timers.Rewrite)
	if err != nil {
		log.Printf("[proxy] setup conn %d: %v", id, err)
		_ = client.Close()
		_ = server.Close()
		return
	}
	p.conns[id] = conn
	atomic.StoreInt64(&p.liveConns, int64(len(p.conns)))
	log.Printf("[proxy] accepted conn %d from %s", id, client.RemoteAddr())
}

func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
