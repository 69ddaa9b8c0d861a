// Package accountant implements the send-storage accountant: a
// per-node byte budget for blocks this node accepts because another peer
// asked it to store them. It is the admission-control critical section
// for inbound transfers; its operations are short and serialized behind a
// single mutex.
package accountant

import (
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
)

// Token represents a single reservation; it must be committed or aborted
// exactly once.
type Token struct {
	id   uint64
	size int64
}

// Size returns the number of bytes this token reserved.
func (t Token) Size() int64 { return t.size }

// Accountant tracks total/used bytes for inbound send-requests.
type Accountant struct {
	mu    sync.Mutex
	total int64
	used  int64
	next  uint64
	live  map[uint64]int64 // outstanding (uncommitted, unaborted) reservations

	usedGauge  metrics.Gauge
	totalGauge metrics.Gauge
}

// New returns an Accountant with the given initial ceiling.
func New(totalBytes int64) *Accountant {
	a := &Accountant{
		total:      totalBytes,
		live:       make(map[uint64]int64),
		usedGauge:  metrics.NewGauge(),
		totalGauge: metrics.NewGauge(),
	}
	a.totalGauge.Update(totalBytes)
	return a
}

// Registry exposes the accountant's gauges for a caller that wants to fold
// them into a shared go-metrics registry.
func (a *Accountant) Registry(r metrics.Registry) {
	r.Register("dragoonfly.accountant.used", a.usedGauge)
	r.Register("dragoonfly.accountant.total", a.totalGauge)
}

// Reserve attempts to admit a block of the given size. It is the atomic
// acceptance decision point of the block-transfer protocol: reservation
// happens before payload bytes are received.
func (a *Accountant) Reserve(size int64) (Token, error) {
	if size < 0 {
		return Token{}, dragoonerr.New(dragoonerr.BadRequest, "negative reservation size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.total {
		return Token{}, dragoonerr.New(dragoonerr.InsufficientSpace,
			"need %d bytes, only %d free", size, a.total-a.used)
	}
	a.next++
	tok := Token{id: a.next, size: size}
	a.live[tok.id] = size
	a.used += size
	a.usedGauge.Update(a.used)
	return tok, nil
}

// Commit finalizes a reservation after the payload has been received,
// verified, and persisted.
func (a *Accountant) Commit(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, tok.id)
}

// Abort releases a reservation's bytes back to the budget. Any failure
// between Reserve and Commit must call Abort exactly once.
func (a *Accountant) Abort(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[tok.id]; !ok {
		return // already committed or aborted; abort is idempotent for safety
	}
	delete(a.live, tok.id)
	a.used -= tok.size
	if a.used < 0 {
		a.used = 0
	}
	a.usedGauge.Update(a.used)
}

// Totals is a point-in-time snapshot of the accountant's state.
type Totals struct {
	Total int64
	Used  int64
	Free  int64
}

// Snapshot returns the current total/used/free.
func (a *Accountant) Snapshot() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals()
}

func (a *Accountant) totals() Totals {
	free := a.total - a.used
	if free < 0 {
		free = 0
	}
	return Totals{Total: a.total, Used: a.used, Free: free}
}

// SetTotal changes the ceiling. It does not retroactively evict blocks;
// subsequent Reserve calls see the new ceiling.
func (a *Accountant) SetTotal(newTotal int64) Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = newTotal
	a.totalGauge.Update(newTotal)
	t := a.totals()
	return t
}

// Available returns the currently free byte budget.
func (a *Accountant) Available() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals().Free
}
