// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package recovery

import (
	"context"
	"sync"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/wire"
)

var mon = monkit.Package()

// Need is one entry of a PG's missing set: an object some acting member
// lacks at the version the authoritative holder has (spec §3 "Missing
// set", §4.5 "Log-based recovery").
type Need struct {
	Object objectid.ID
	Want   objectid.Version
	Needer string // node missing the object
	Source string // node believed to hold it
}

// PushFunc delivers a pulled object's content to a needer, returning once
// the needer has durably committed it (spec §6 "Pull / push").
type PushFunc func(ctx context.Context, needer string, obj wire.PullPush) error

// PullFunc reads an object's current content from a holder.
type PullFunc func(ctx context.Context, holder string, object objectid.ID, version objectid.Version) (wire.PullPush, error)

// waiter is a client op blocked on one object becoming recovered.
type waiter struct {
	object objectid.ID
	done   chan error
}

// Engine drives log-based recovery for one PG: for every Need, it pulls
// the object from its source and pushes it to its needer, honoring
// reservation priority and letting blocked client ops jump the queue
// (spec §4.5 "Priority: objects currently being read/written by clients
// jump the queue").
type Engine struct {
	log      *zap.Logger
	pg       objectid.PGID
	pull     PullFunc
	push     PushFunc
	local    *Reserver
	remote   func(source string) *Reserver

	mu      sync.Mutex
	pending map[objectid.ID]Need
	waiters map[objectid.ID][]*waiter
	onDone  func() // called once pending becomes empty
}

// NewEngine constructs a recovery Engine for one PG.
func NewEngine(log *zap.Logger, pg objectid.PGID, pull PullFunc, push PushFunc, local *Reserver, remote func(string) *Reserver) *Engine {
	return &Engine{
		log:     log,
		pg:      pg,
		pull:    pull,
		push:    push,
		local:   local,
		remote:  remote,
		pending: map[objectid.ID]Need{},
		waiters: map[objectid.ID][]*waiter{},
	}
}

// SetNeeds replaces the current missing set, as peering's GetMissing
// computes it (spec §4.3). Needs already in flight are left running;
// genuinely new ones are added and stale ones removed.
func (e *Engine) SetNeeds(needs []Need) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fresh := map[objectid.ID]Need{}
	for _, n := range needs {
		fresh[n.Object] = n
	}
	e.pending = fresh
}

// OnComplete registers a callback invoked once the missing set drains to
// empty, letting the owning PG mark itself clean (spec §4.5
// "Termination").
func (e *Engine) OnComplete(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDone = fn
}

// WaitFor suspends until object is no longer in the missing set, modeling
// the "client op blocks on a per-object condition that the recovery
// completion signals" suspension point (spec §4.5, §5). Returns
// immediately if object is not currently pending.
func (e *Engine) WaitFor(ctx context.Context, object objectid.ID) error {
	e.mu.Lock()
	if _, pending := e.pending[object]; !pending {
		e.mu.Unlock()
		return nil
	}
	w := &waiter{object: object, done: make(chan error, 1)}
	e.waiters[object] = append(e.waiters[object], w)
	e.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOne drives a single pending Need to completion at the given
// priority: acquires local and remote reservations, pulls from the
// source, pushes to the needer, and releases. It is safe to call
// concurrently for distinct objects; the PG worker is expected to invoke
// it once per Need with bounded concurrency (spec §4.5 "Concurrency
// controls").
func (e *Engine) RunOne(ctx context.Context, need Need, priority Priority) error {
	defer mon.Task()(&ctx)(nil)

	localGrant, localYield := e.local.Acquire(e.pg, priority)
	select {
	case <-localGrant:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer e.local.Release(e.pg)

	var remoteReserver *Reserver
	if e.remote != nil {
		remoteReserver = e.remote(need.Source)
	}
	var remoteYield <-chan struct{}
	if remoteReserver != nil {
		grant, yield := remoteReserver.Acquire(e.pg, priority)
		select {
		case <-grant:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer remoteReserver.Release(e.pg)
		remoteYield = yield
	}

	select {
	case <-localYield:
		return Error.New("preempted before pull started for %s", need.Object)
	case <-nonNilOr(remoteYield):
		return Error.New("preempted before pull started for %s", need.Object)
	default:
	}

	obj, err := e.pull(ctx, need.Source, need.Object, need.Want)
	if err != nil {
		return Error.New("recovery pull failed for %s from %s: %w", need.Object, need.Source, err)
	}
	if err := e.push(ctx, need.Needer, obj); err != nil {
		return Error.New("recovery push failed for %s to %s: %w", need.Object, need.Needer, err)
	}

	e.complete(need.Object, nil)
	return nil
}

func (e *Engine) complete(object objectid.ID, err error) {
	e.mu.Lock()
	delete(e.pending, object)
	waiters := e.waiters[object]
	delete(e.waiters, object)
	done := len(e.pending) == 0
	onDone := e.onDone
	e.mu.Unlock()

	for _, w := range waiters {
		w.done <- err
	}
	if done && onDone != nil {
		onDone()
	}
}

// MarkLost resolves object out of the missing set without pulling it from
// anywhere, the admin "mark unfound lost" verb (spec §6 "Process-level
// surface"): used when every acting member has genuinely lost the object
// and recovery can never succeed. Waiters are released with no error,
// matching the PG log's "lost-mark" op kind rather than a recovery
// failure. Reports whether object was pending.
func (e *Engine) MarkLost(object objectid.ID) bool {
	e.mu.Lock()
	_, pending := e.pending[object]
	e.mu.Unlock()
	if !pending {
		return false
	}
	e.complete(object, nil)
	return true
}

// RunAllPending drives every currently pending Need to completion at
// PriorityBackground, used by the admin "force-recover" verb to kick a
// stalled PG's recovery immediately instead of waiting for its normal
// scheduling. Returns the first error encountered, after attempting every
// need.
func (e *Engine) RunAllPending(ctx context.Context) error {
	var firstErr error
	for _, need := range e.Pending() {
		if err := e.RunOne(ctx, need, PriorityBackground); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending returns a snapshot of the current missing set, for admin
// inspection.
func (e *Engine) Pending() []Need {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Need, 0, len(e.pending))
	for _, n := range e.pending {
		out = append(out, n)
	}
	return out
}

func nonNilOr(ch <-chan struct{}) <-chan struct{} {
	if ch != nil {
		return ch
	}
	return make(chan struct{}) // never fires
}
