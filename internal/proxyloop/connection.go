package proxyloop

import (
	"errors"
	"log"
	"net"
	"syscall"

	"github.com/spencertipping/sockpuppet/internal/stream"
	"github.com/spencertipping/sockpuppet/internal/timing"
	"github.com/spencertipping/sockpuppet/internal/trace"
)

// BufLimit is the per-direction buffer bound of spec.md §3 and §5.
const BufLimit = 65536

// preLatchReadChunk is the fallback read size used before the HTTP
// rewrite latch fires once the buffer has already reached BufLimit --
// spec.md §4.2 requires accumulating "regardless of current buffer
// size" until the header terminator is found, since a header block can
// legitimately run past one read's worth of bytes.
const preLatchReadChunk = 4096

// Connection is one accepted client paired with its upstream socket,
// per spec.md §3.
type Connection struct {
	ID int64

	clientConn net.Conn
	serverConn net.Conn
	clientFD   int
	serverFD   int
	clientRaw  syscall.RawConn
	serverRaw  syscall.RawConn

	uplinkBuf   []byte
	downlinkBuf []byte

	httpRewritten bool
	hostHeader    string

	uplink   *stream.Follower
	downlink *stream.Follower

	rewriteTimer *timing.Timer

	alive bool
}

// newConnection constructs a Connection from a freshly accepted client
// socket and an already-dialed upstream socket, cross-pairing its two
// followers per spec.md §9. rewriteTimer accumulates time spent inside
// rewriteHTTPRequest, reported under the "rewrite" category of the
// timing summary (spec.md §6).
func newConnection(id int64, client, server net.Conn, hostHeader string, w *trace.Writer, parseTimer, rewriteTimer *timing.Timer) (*Connection, error) {
	cfd, craw, err := fdOf(client.(syscall.Conn))
	if err != nil {
		return nil, err
	}
	sfd, sraw, err := fdOf(server.(syscall.Conn))
	if err != nil {
		return nil, err
	}

	c := &Connection{
		ID:           id,
		clientConn:   client,
		serverConn:   server,
		clientFD:     cfd,
		serverFD:     sfd,
		clientRaw:    craw,
		serverRaw:    sraw,
		hostHeader:   hostHeader,
		uplink:       stream.New(w, id, trace.Uplink, parseTimer),
		downlink:     stream.New(w, id, trace.Downlink, parseTimer),
		rewriteTimer: rewriteTimer,
		alive:        true,
	}
	stream.Pair(c.uplink, c.downlink)
	return c, nil
}

// readySets is the outcome of one readiness gather, indexed by fd.
type readySets struct {
	read  map[int]bool
	err   map[int]bool
	write map[int]bool
}

// stepOutcome tells the Proxy what happened to a connection during
// Step, distinguishing an ordinary close from a trace-writer failure
// that must abort the whole process (spec.md §7).
type stepOutcome struct {
	alive bool
	fatal error
}

// Step performs one I/O step for this connection given the combined
// readiness results, exactly as spec.md §4.2 describes: downlink
// read/write, then uplink read (with one-shot rewrite) and uplink
// write (only after the rewrite latch has fired).
func (c *Connection) Step(rs readySets) stepOutcome {
	if rs.err[c.clientFD] || rs.err[c.serverFD] {
		return c.shutdown(nil)
	}

	if rs.read[c.serverFD] && len(c.downlinkBuf) < BufLimit {
		room := BufLimit - len(c.downlinkBuf)
		buf := make([]byte, room)
		n, err := rawRead(c.serverRaw, buf)
		switch {
		case errors.Is(err, ErrWouldBlock):
		case err != nil:
			return c.shutdown(nil)
		case n == 0:
			return c.shutdown(nil)
		default:
			c.downlinkBuf = append(c.downlinkBuf, buf[:n]...)
			if ferr := c.downlink.Data(buf[:n]); ferr != nil {
				if out, done := c.handleFollowerError(ferr); done {
					return out
				}
			}
		}
	}

	if rs.write[c.clientFD] && len(c.downlinkBuf) > 0 {
		n, err := rawWrite(c.clientRaw, c.downlinkBuf)
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return c.shutdown(nil)
		}
		if n > 0 {
			c.downlinkBuf = c.downlinkBuf[n:]
		}
	}

	if rs.read[c.clientFD] {
		var room int
		if !c.httpRewritten {
			room = BufLimit - len(c.uplinkBuf)
			if room <= 0 {
				room = preLatchReadChunk
			}
		} else {
			room = BufLimit - len(c.uplinkBuf)
		}
		if room > 0 {
			buf := make([]byte, room)
			n, err := rawRead(c.clientRaw, buf)
			switch {
			case errors.Is(err, ErrWouldBlock):
			case err != nil:
				return c.shutdown(nil)
			case n == 0:
				return c.shutdown(nil)
			default:
				c.uplinkBuf = append(c.uplinkBuf, buf[:n]...)
				c.uplink.Ping()
				if !c.httpRewritten {
					if c.rewriteTimer != nil {
						c.rewriteTimer.Start()
					}
					rewritten, found := rewriteHTTPRequest(c.uplinkBuf, c.hostHeader)
					if c.rewriteTimer != nil {
						c.rewriteTimer.Stop()
					}
					if found {
						c.uplinkBuf = rewritten
						c.httpRewritten = true
					}
				}
			}
		}
	}

	if c.httpRewritten && rs.write[c.serverFD] && len(c.uplinkBuf) > 0 {
		n, err := rawWrite(c.serverRaw, c.uplinkBuf)
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return c.shutdown(nil)
		}
		if n > 0 {
			written := c.uplinkBuf[:n]
			c.uplinkBuf = c.uplinkBuf[n:]
			if ferr := c.uplink.Data(written); ferr != nil {
				if out, done := c.handleFollowerError(ferr); done {
					return out
				}
			}
		}
	}

	return stepOutcome{alive: true}
}

// handleFollowerError classifies an error from Follower.Data: a fatal
// trace-writer failure propagates to the caller to abort the process;
// any other error (an invariant violation, per spec.md §7) is fatal
// only to this connection.
func (c *Connection) handleFollowerError(err error) (stepOutcome, bool) {
	var fatalWrite *trace.FatalWriteError
	if errors.As(err, &fatalWrite) {
		return stepOutcome{alive: false, fatal: err}, true
	}
	log.Printf("[conn %d] follower error: %v", c.ID, err)
	return c.shutdown(nil), true
}

// shutdown performs spec.md §4.2's close sequence: flush residual
// uplink bytes to the server and downlink bytes to the client on a
// best-effort basis, feed uplink residue to its follower, close both
// followers, and close both sockets.
func (c *Connection) shutdown(fatal error) stepOutcome {
	if !c.alive {
		return stepOutcome{alive: false, fatal: fatal}
	}
	c.alive = false

	if len(c.uplinkBuf) > 0 {
		if ferr := c.uplink.Data(c.uplinkBuf); ferr != nil {
			if fatal == nil {
				var fw *trace.FatalWriteError
				if errors.As(ferr, &fw) {
					fatal = ferr
				}
			}
		}
		_, _ = rawWrite(c.serverRaw, c.uplinkBuf)
		c.uplinkBuf = nil
	}
	if len(c.downlinkBuf) > 0 {
		_, _ = rawWrite(c.clientRaw, c.downlinkBuf)
		c.downlinkBuf = nil
	}

	if ferr := c.uplink.Close(); ferr != nil && fatal == nil {
		var fw *trace.FatalWriteError
		if errors.As(ferr, &fw) {
			fatal = ferr
		}
	}
	if ferr := c.downlink.Close(); ferr != nil && fatal == nil {
		var fw *trace.FatalWriteError
		if errors.As(ferr, &fw) {
			fatal = ferr
		}
	}

	_ = c.clientConn.Close()
	_ = c.serverConn.Close()

	return stepOutcome{alive: false, fatal: fatal}
}
