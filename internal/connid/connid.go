// Package connid generates the per-run, per-connection identifiers
// described in spec.md §3: the first id at process startup is
// pid * 1e9, and every id after it is strictly increasing within the
// run, so ids from distinct runs fall in visually distinct ranges.
//
// Grounded on the teacher's idGen experiment (id generation as its own
// small concern) and on graceful_restarts/SocketHandoff's
// atomic.AddUint64(&reqSeq, 1) pattern for monotonic per-process
// counters.
package connid

import (
	"os"
	"sync/atomic"
)

// Generator hands out strictly increasing connection ids for one
// process lifetime.
type Generator struct {
	next int64
}

// New returns a Generator seeded from the current process id per
// spec.md §3 and §9.
func New() *Generator {
	return &Generator{next: int64(os.Getpid()) * 1_000_000_000}
}

// Next returns the next connection id, strictly greater than every id
// previously returned by this Generator.
func (g *Generator) Next() int64 {
	return atomic.AddInt64(&g.next, 1) - 1
}
