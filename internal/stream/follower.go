// Package stream implements the per-direction protocol parser of
// spec.md §4.3–§4.5: the Follower, its state-function table, and the
// HTTP/WebSocket state machines driven over it.
//
// Grounded on the teacher's flat, table-driven style (no class
// taxonomy anywhere in Ankit-Kulkarni-go-experiments); the state table
// itself is the Go-native rendering of spec.md §9's "state table keyed
// by name" design note.
package stream

import (
	"fmt"
	"log"
	"time"

	"github.com/spencertipping/sockpuppet/internal/timing"
	"github.com/spencertipping/sockpuppet/internal/trace"
)

// Follower is the per-direction parser/event-emitter pinned to one half
// of a TCP connection (spec.md §3, §4.5).
type Follower struct {
	writer *trace.Writer
	connID int64
	dir    trace.Direction
	peer   *Follower // non-owning back-reference, see spec.md §9

	parseTimer *timing.Timer

	state string
	buf   []byte

	begin time.Time
	end   time.Time

	// --- HTTP scratch, mutually exclusive with the WebSocket scratch
	// below by construction: a Follower is in exactly one state family
	// at a time. ---
	statusLine    string
	headerBlock   []byte
	postBodyState string
	decoder       decoderKind
	contentLength int
	chunkAccum    []byte

	// --- WebSocket scratch (spec.md §4.4) ---
	wsDataStart  time.Time
	wsCtrlStart  time.Time
	wsFragHeader []byte
	wsFragType   string
	wsAccum      []byte
}

// New constructs a Follower in the initial "http" state. Use Pair to
// cross-link two followers belonging to the same connection after both
// are constructed.
func New(w *trace.Writer, connID int64, dir trace.Direction, parseTimer *timing.Timer) *Follower {
	return &Follower{
		writer:     w,
		connID:     connID,
		dir:        dir,
		parseTimer: parseTimer,
		state:      "http",
	}
}

// Pair cross-links a and b as each other's non-owning peer reference,
// per spec.md §9 ("Follower pair references must be non-owning
// back-references").
func Pair(a, b *Follower) {
	a.peer = b
	b.peer = a
}

// Peer returns the cross-paired follower for inspection. Callers must
// never use this to extend b's lifetime.
func (f *Follower) Peer() *Follower { return f.peer }

// State reports the current state name.
func (f *Follower) State() string { return f.state }

// BufferedLen reports the number of unparsed bytes currently held.
func (f *Follower) BufferedLen() int { return len(f.buf) }

func warnf(format string, args ...interface{}) {
	log.Printf("[stream] warning: "+format, args...)
}

// ErrDataAfterClose is returned by Data when bytes arrive after the
// follower has transitioned to "closed" -- an invariant violation per
// spec.md §3 and §7.
type ErrDataAfterClose struct{ ConnID int64 }

func (e *ErrDataAfterClose) Error() string {
	return fmt.Sprintf("stream: data arrived on closed follower (conn %d)", e.ConnID)
}

// Data feeds newly-arrived bytes to the follower, per spec.md §4.5: the
// end-timestamp is set to now (and begin too, if unset), the bytes are
// appended, and the current state function is driven until it signals
// "need more bytes". Each successful transition collapses the pending
// timeframe (begin := end).
func (f *Follower) Data(b []byte) error {
	now := time.Now()
	if f.begin.IsZero() {
		f.begin = now
	}
	f.end = now
	f.buf = append(f.buf, b...)

	if f.parseTimer != nil {
		f.parseTimer.Start()
		defer f.parseTimer.Stop()
	}

	for {
		fn, ok := states[f.state]
		if !ok {
			return fmt.Errorf("stream: unknown state %q", f.state)
		}
		res := fn(f)
		if res.err != nil {
			return res.err
		}
		if res.needMore {
			return nil
		}
		f.state = res.next
		f.begin = f.end
	}
}

// Ping sets the begin-timestamp (if unset) and refreshes the
// end-timestamp to now, without consuming bytes. Used so a follower's
// begin-time reflects the moment bytes first arrived even while they
// are still being buffered upstream (e.g. during HTTP request rewrite).
func (f *Follower) Ping() {
	now := time.Now()
	if f.begin.IsZero() {
		f.begin = now
	}
	f.end = now
}

// eventFields is the subset of trace.Event a state function supplies;
// ConnID, Dir, State, Begin and End are filled in by the Follower.
type eventFields struct {
	Notes    string
	Headings []byte
	Body     []byte
}

// emit writes a trace event timed with the follower's current pending
// begin/end window.
func (f *Follower) emit(ev eventFields) error {
	return f.emitAt(ev, f.begin, f.end)
}

// emitAt writes a trace event with explicit begin/end timestamps,
// used by the WebSocket reassembler's independent data/control
// begin-times (spec.md §4.4).
func (f *Follower) emitAt(ev eventFields, begin, end time.Time) error {
	return f.writer.Write(trace.Event{
		Begin:    begin,
		End:      end,
		ConnID:   f.connID,
		Dir:      f.dir,
		State:    f.state,
		Notes:    ev.Notes,
		Headings: ev.Headings,
		Body:     ev.Body,
	})
}

// resetHTTPScratch clears the HTTP-parsing scratch fields after a
// message completes, so the next message on this follower starts
// clean.
func (f *Follower) resetHTTPScratch() {
	f.statusLine = ""
	f.headerBlock = nil
	f.postBodyState = ""
	f.decoder = decodeIdentity
	f.contentLength = 0
	f.chunkAccum = nil
}

// initWebSocketScratch clears the WebSocket scratch, called once on
// the http->websocket transition.
func (f *Follower) initWebSocketScratch() {
	f.wsDataStart = time.Time{}
	f.wsCtrlStart = time.Time{}
	f.wsFragHeader = nil
	f.wsFragType = ""
	f.wsAccum = nil
}

// Close finalizes the follower per spec.md §4.5: ping, transition to
// "closed", and if buffered bytes remain, emit one final "unexpected
// EOF" event carrying them.
func (f *Follower) Close() error {
	f.Ping()
	residual := f.buf
	f.state = "closed"
	f.buf = nil
	if len(residual) > 0 {
		if err := f.emit(eventFields{Notes: "unexpected EOF", Body: residual}); err != nil {
			return err
		}
	}
	return nil
}
