// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package replication implements the primary write dispatch, reply
// aggregation, and ack policy described in spec §4.4: a client mutation
// becomes a durable, totally-ordered update on every acting member before
// the primary acknowledges commit.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/pglog"
	"storj.io/pgd/pkg/wire"
)

// Error is the error class for write-path failures.
var Error = errs.Class("pgd/replication")

var mon = monkit.Package()

// Transient, stale-epoch, and not-active are classified per spec §7: none
// of them ever surface as a hard failure the client can't retry.
var (
	ErrTransientPeer = Error.New("peer transiently unreachable")
	ErrStaleEpoch    = Error.New("stale epoch: refresh map and retry")
	ErrNotActive     = Error.New("pg not active")
)

// ObjectLocker serializes writes to the same object FIFO among
// contenders, preserving client-observed ordering (spec §4.4 step 2).
type ObjectLocker interface {
	// Lock blocks (via ctx, not a parked thread -- callers running on a
	// PG worker must not call this synchronously; see pkg/pg for the
	// suspension-point wiring) until the write lock for id is held.
	Lock(ctx context.Context, id objectid.ID) (unlock func(), err error)
}

// PeerSender dispatches a sub-op write to one replica and reports the ack
// asynchronously via the returned channel, modeling "sends are in version
// order on each peer link" (spec §4.4 step 5).
type PeerSender interface {
	SendSubOp(ctx context.Context, node string, op wire.SubOpWrite) <-chan SubOpResult
}

// SubOpResult is one replica's reply to a dispatched sub-op.
type SubOpResult struct {
	Node    string
	Version objectid.Version
	OK      bool
	Err     error
}

// Op is a client mutation submitted to the primary.
type Op struct {
	Request objectid.RequestID
	Object  objectid.ID
	Epoch   uint64
	Tx      objectstore.Transaction
	Mutate  func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) // computes the mutation + user version
}

// Result is what the write path returns once the operation is fully
// resolved (committed, replayed, or failed with a retriable error).
type Result struct {
	Version   objectid.Version
	Replayed  bool
	Committed bool
	Payload   []byte
}

// VersionAllocator assigns the next (epoch, counter) under the PG's
// current epoch (spec §3 "Version", §4.4 step 4). Counter allocation is
// owned by WritePath so concurrent ops on the same PG never collide; the
// caller's worker-affinity (spec §5) already guarantees only one op calls
// this at a time per PG.
type VersionAllocator struct {
	mu      sync.Mutex
	epoch   uint64
	counter uint64
}

// SetEpoch updates the current epoch; called by peering on every map
// advance while Active.
func (a *VersionAllocator) SetEpoch(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch = epoch
}

// Epoch returns the current epoch under lock, so a concurrent SetEpoch
// from a map advance can never race a reader.
func (a *VersionAllocator) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Next allocates the next version.
func (a *VersionAllocator) Next() objectid.Version {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	return objectid.Version{Epoch: a.epoch, Counter: a.counter}
}

// AckPolicy decides when a write is committed: spec §4.4 step 8 requires
// *every* acting member to ack durably, including the primary itself, but
// a member that drops out of the acting set mid-write (map shrink) is no
// longer required (spec §4.4 "Edge cases").
type AckPolicy struct {
	mu       sync.Mutex
	required map[string]bool
	acked    map[string]bool
}

// NewAckPolicy builds a policy requiring an ack from every node in acting,
// including self.
func NewAckPolicy(acting []string) *AckPolicy {
	required := make(map[string]bool, len(acting))
	for _, n := range acting {
		required[n] = true
	}
	return &AckPolicy{required: required, acked: map[string]bool{}}
}

// Ack records a durable ack from node. Committed reports whether every
// still-required member has now acked.
func (p *AckPolicy) Ack(node string) (committed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked[node] = true
	return p.isCommittedLocked()
}

// Drop removes a member from the required set, used when the acting set
// shrinks mid-write and the dropped member had not yet acked (spec §4.4
// "Edge cases").
func (p *AckPolicy) Drop(node string) (committed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.required, node)
	return p.isCommittedLocked()
}

// Grow adds a new member to the acting set without requiring its ack for
// this already-in-flight write: a member joining mid-write starts peering
// and fetches the missed entry later (spec §4.4 "Edge cases").
func (p *AckPolicy) Grow(node string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Intentionally not added to required: see doc comment.
	_ = node
}

func (p *AckPolicy) isCommittedLocked() bool {
	for n := range p.required {
		if !p.acked[n] {
			return false
		}
	}
	return true
}

// Committed reports whether every still-required member has acked.
func (p *AckPolicy) Committed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isCommittedLocked()
}

// ClientMutation computes the delta a client mutation applies, given the
// object's current stat, returning the user-visible version it produces.
// Defined here (rather than in pkg/pg, which imports this package) so
// Backend can name it without an import cycle; pkg/pg.ClientMutation is a
// type alias for this type, so pkg/pg's backends satisfy Backend for free.
type ClientMutation func(stat objectstore.Stat) (objectstore.Transaction, uint64, error)

// Backend is the subset of pkg/pg's PgBackend the write path needs: turning
// a client mutation into the transaction this node commits locally (spec
// §9 "Polymorphic backends"). Submit dispatches through it instead of
// applying op.Mutate directly, so an erasure-coded backend's stripe encoding
// actually runs on the write path rather than being bypassed.
type Backend interface {
	SubmitTransaction(ctx context.Context, stat objectstore.Stat, mutate ClientMutation) (objectstore.Transaction, uint64, error)
}

// subOpRetryBackoff is the fixed delay before a nacked sub-op is
// re-dispatched to the same node at the same version (spec §4.4 "Edge
// cases": "the primary treats as transient and retries after a short
// backoff -- but never reorders").
const subOpRetryBackoff = 20 * time.Millisecond

// WritePath drives one PG's primary write dispatch.
type WritePath struct {
	log     *zap.Logger
	pgID    objectid.PGID
	store   objectstore.Store
	coll    objectstore.CollectionKey
	pglog   *pglog.Log
	locker  ObjectLocker
	sender  PeerSender
	backend Backend
	alloc   *VersionAllocator
	selfID  string
}

// New constructs a WritePath for one PG.
func New(log *zap.Logger, pgID objectid.PGID, store objectstore.Store, coll objectstore.CollectionKey,
	plog *pglog.Log, locker ObjectLocker, sender PeerSender, backend Backend, selfID string) *WritePath {
	return &WritePath{
		log:     log,
		pgID:    pgID,
		store:   store,
		coll:    coll,
		pglog:   plog,
		locker:  locker,
		sender:  sender,
		backend: backend,
		alloc:   &VersionAllocator{},
		selfID:  selfID,
	}
}

// SetEpoch advances the version allocator's epoch, called by the owning
// PG whenever peering installs a new map epoch (spec §3 "Version").
func (w *WritePath) SetEpoch(epoch uint64) { w.alloc.SetEpoch(epoch) }

// Epoch reports the map epoch this write path currently assumes.
func (w *WritePath) Epoch() uint64 { return w.alloc.Epoch() }

// Submit runs the full write path for op against actingSet (spec §4.4
// steps 1-9). isActive must already have been checked by the caller
// (step 1's epoch/peering refusal); Submit only implements steps 2-9.
func (w *WritePath) Submit(ctx context.Context, op Op, actingSet []string) (Result, error) {
	defer mon.Task()(&ctx)(nil)

	if result, found := w.pglog.FindRequest(op.Request); found {
		w.log.Debug("replaying duplicate request", zap.String("pg", w.pgID.String()), zap.String("req", op.Request.String()))
		return Result{Replayed: true, Payload: result}, nil
	}

	unlock, err := w.locker.Lock(ctx, op.Object)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	defer unlock()

	// Re-check for the duplicate under the lock: another op for the same
	// request id may have committed while this one waited (spec §4.4
	// step 3).
	if result, found := w.pglog.FindRequest(op.Request); found {
		return Result{Replayed: true, Payload: result}, nil
	}

	stat, err := w.store.Stat(ctx, w.coll, op.Object)
	if err != nil {
		stat = objectstore.Stat{}
	}
	tx, userVersion, err := w.backend.SubmitTransaction(ctx, stat, ClientMutation(op.Mutate))
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	version := w.alloc.Next()
	prior := w.pglog.Head()
	entry := pglog.Entry{
		Version:      version,
		PriorVersion: prior,
		Object:       op.Object,
		Op:           pglog.OpModify,
		Request:      op.Request,
		UserVersion:  userVersion,
		Mtime:        time.Now(),
	}

	ack := NewAckPolicy(actingSet)
	results := make(chan SubOpResult, len(actingSet))
	for _, node := range actingSet {
		if node == w.selfID {
			continue
		}
		w.dispatch(ctx, node, version, op, tx, results)
	}

	if err := w.store.Commit(ctx, w.coll, tx); err != nil {
		return Result{}, Error.New("object store commit failed (fatal for this pg): %w", err)
	}
	if err := w.pglog.Append(entry); err != nil {
		return Result{}, Error.Wrap(err)
	}

	// The write must be durable on every acting member before the primary
	// may acknowledge commit (spec §3, §4.4 step 8): block here, retrying
	// nacked nodes at the same version with a short backoff, until
	// AckPolicy reports every required member has acked.
	committed := ack.Ack(w.selfID)
	for !committed {
		select {
		case <-ctx.Done():
			return Result{}, Error.Wrap(ctx.Err())
		case r := <-results:
			if r.Err != nil {
				w.log.Debug("sub-op nack, retrying after backoff", zap.String("node", r.Node), zap.Error(r.Err))
				w.retryAfterBackoff(ctx, r.Node, version, op, tx, results)
				continue
			}
			committed = ack.Ack(r.Node)
		}
	}

	return Result{Version: version, Committed: true}, nil
}

// retryAfterBackoff re-dispatches a nacked sub-op to node at the same
// version after subOpRetryBackoff, preserving per-node version order
// since only one attempt for this version is ever in flight on the node
// at a time (spec §4.4 "Edge cases": "retries after a short backoff --
// but never reorders").
func (w *WritePath) retryAfterBackoff(ctx context.Context, node string, version objectid.Version, op Op, tx objectstore.Transaction, out chan<- SubOpResult) {
	go func() {
		select {
		case <-time.After(subOpRetryBackoff):
		case <-ctx.Done():
			out <- SubOpResult{Node: node, Err: ctx.Err()}
			return
		}
		w.dispatch(ctx, node, version, op, tx, out)
	}()
}

func (w *WritePath) dispatch(ctx context.Context, node string, version objectid.Version, op Op, tx objectstore.Transaction, out chan<- SubOpResult) {
	wireTx := toWireTransaction(tx)
	ch := w.sender.SendSubOp(ctx, node, wire.SubOpWrite{
		Epoch:   w.alloc.Epoch(),
		PG:      w.pgID,
		Version: version,
		Request: op.Request,
		Tx:      wireTx,
	})
	go func() {
		select {
		case r := <-ch:
			out <- r
		case <-ctx.Done():
			out <- SubOpResult{Node: node, Err: ctx.Err()}
		}
	}()
}

func toWireTransaction(tx objectstore.Transaction) wire.TransactionWire {
	out := wire.TransactionWire{Object: tx.Object}
	for _, op := range tx.Ops {
		out.Primitives = append(out.Primitives, wire.TxPrimitive{
			Kind:   wire.TxPrimitiveKind(op.Kind),
			Offset: op.Offset,
			Data:   op.Data,
			Key:    op.Key,
		})
	}
	return out
}
