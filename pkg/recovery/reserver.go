// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package recovery implements the log-based recovery and backfill engine
// (spec §4.5): once peering computes a missing set, this package drives
// per-object pull/push with priority, reservation, and preemption.
package recovery

import (
	"container/heap"
	"sync"

	"github.com/zeebo/errs"

	"storj.io/pgd/pkg/objectid"
)

// Error is the error class for recovery failures.
var Error = errs.Class("pgd/recovery")

// Priority orders competing recovery reservations: higher values win
// preemption (spec §4.5 "a higher-priority PG... may preempt a
// lower-priority reservation").
type Priority int

// Priority bands. A PG missing more of its acting set, or serving a
// client op blocked on a specific object, recovers at a higher priority.
const (
	PriorityBackground Priority = iota
	PriorityDegraded
	PriorityClientBlocked
)

// reservation is one outstanding slot grant.
type reservation struct {
	pg       objectid.PGID
	priority Priority
	index    int // heap index, maintained by container/heap
	grant    chan struct{}
	yield    chan struct{} // closed to ask the holder to yield after its current object
}

// reservationQueue is a max-heap on priority, ties broken FIFO by
// insertion order (lowest insertion order wins among equal priority).
type reservationQueue struct {
	items []*reservation
	seq   []uint64
	next  uint64
}

func (q *reservationQueue) Len() int { return len(q.items) }
func (q *reservationQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.seq[i] < q.seq[j]
}
func (q *reservationQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.seq[i], q.seq[j] = q.seq[j], q.seq[i]
	q.items[i].index, q.items[j].index = i, j
}
func (q *reservationQueue) Push(x interface{}) {
	r := x.(*reservation)
	r.index = len(q.items)
	q.items = append(q.items, r)
	q.seq = append(q.seq, q.next)
	q.next++
}
func (q *reservationQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	q.seq = q.seq[:n-1]
	return item
}

// Reserver grants a bounded number of concurrent recovery slots, higher
// priority requests preempting lower priority holders (spec §4.5
// "Concurrency controls"). One Reserver instance backs the node-local
// reserver; a distinct Reserver (proxied over the wire) guards each
// remote source peer's outbound bandwidth, matching the spec's "reserve
// slots on the local recovery reserver and on the remote reserver at
// every source peer".
type Reserver struct {
	mu       sync.Mutex
	capacity int
	active   map[objectid.PGID]*reservation
	waiting  reservationQueue
}

// NewReserver constructs a Reserver with the given concurrent slot count.
func NewReserver(capacity int) *Reserver {
	if capacity < 1 {
		capacity = 1
	}
	return &Reserver{capacity: capacity, active: map[objectid.PGID]*reservation{}}
}

// Acquire requests a slot for pg at priority. It returns immediately with
// a grant channel that closes once the slot is held, and a yield channel
// that closes if a higher-priority request later preempts this holder --
// the caller must finish its current object and then call Release,
// matching spec §4.5's "yields after finishing its in-flight object".
func (r *Reserver) Acquire(pg objectid.PGID, priority Priority) (grant <-chan struct{}, yield <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &reservation{pg: pg, priority: priority, grant: make(chan struct{}), yield: make(chan struct{})}
	if len(r.active) < r.capacity {
		r.active[pg] = res
		close(res.grant)
		return res.grant, res.yield
	}

	// At capacity: preempt the single lowest-priority active holder if
	// this request outranks it, otherwise queue.
	var weakest *reservation
	for _, a := range r.active {
		if weakest == nil || a.priority < weakest.priority {
			weakest = a
		}
	}
	if weakest != nil && priority > weakest.priority {
		close(weakest.yield)
		heap.Push(&r.waiting, res)
		return res.grant, res.yield
	}

	heap.Push(&r.waiting, res)
	return res.grant, res.yield
}

// Release frees pg's slot, granting it to the highest-priority waiter, if
// any.
func (r *Reserver) Release(pg objectid.PGID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, pg)
	if r.waiting.Len() == 0 {
		return
	}
	next := heap.Pop(&r.waiting).(*reservation)
	r.active[next.pg] = next
	close(next.grant)
}

// Cancel withdraws a not-yet-granted (or already-granted) request for pg,
// used when a PG abandons recovery (e.g. the acting set changed again).
func (r *Reserver) Cancel(pg objectid.PGID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[pg]; ok {
		delete(r.active, pg)
		return
	}
	for i, res := range r.waiting.items {
		if res.pg == pg {
			heap.Remove(&r.waiting, i)
			return
		}
	}
}
