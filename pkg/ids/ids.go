// Package ids generates the identifiers the RPC layer needs: a
// monotonically increasing 32-bit sequence id per client connection,
// and a process-unique session id for logging and metrics labels.
package ids

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SequenceGenerator hands out 32-bit sequence ids for RPC_METHOD_REQUEST
// frames. It wraps around on overflow, which is safe because a
// wrapped id cannot collide with a still-pending call: a client's
// pending map is bounded by its configured call timeout, many orders
// of magnitude shorter than the time it takes to issue 2^32 calls.
type SequenceGenerator struct {
	next atomic.Uint32
}

// NewSequenceGenerator returns a generator starting at 1 — 0 is
// reserved for frames that carry no meaningful sequence id, such as
// RPC_PROVIDER.
func NewSequenceGenerator() *SequenceGenerator {
	g := &SequenceGenerator{}
	g.next.Store(1)
	return g
}

// Next returns the next sequence id.
func (g *SequenceGenerator) Next() uint32 {
	for {
		v := g.next.Load()
		next := v + 1
		if next == 0 {
			next = 1
		}
		if g.next.CompareAndSwap(v, next) {
			return v
		}
	}
}

// NewSessionID returns a fresh random session identifier, used to tag
// log lines and metrics for one accepted connection.
func NewSessionID() string {
	return uuid.NewString()
}
