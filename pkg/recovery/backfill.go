// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package recovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/wire"
)

// ObjectLister streams a PG's object namespace in ascending Compare
// order, the order backfill must walk in so the pointer's "replicated
// below, unreplicated above" split is well defined (spec §4.5
// "Backfill").
type ObjectLister func(ctx context.Context, after objectid.ID, limit int) ([]objectid.ID, error)

// Backfill walks a PG's object namespace from the beginning, pushing each
// object whole to one target and advancing a pointer atomically with
// each push-ack (spec §4.5 "Backfill"). Chosen instead of log-based
// Engine when the target has no log overlap with the primary at all.
type Backfill struct {
	log    *zap.Logger
	pg     objectid.PGID
	target string
	list   ObjectLister
	read   func(ctx context.Context, object objectid.ID) (wire.PullPush, error)
	push   PushFunc

	mu      sync.Mutex
	pointer objectid.ID
	started bool
	done    bool
	onDone  func()
}

// NewBackfill constructs a Backfill targeting one node.
func NewBackfill(log *zap.Logger, pg objectid.PGID, target string, list ObjectLister,
	read func(context.Context, objectid.ID) (wire.PullPush, error), push PushFunc) *Backfill {
	return &Backfill{log: log, pg: pg, target: target, list: list, read: read, push: push}
}

// OnComplete registers a callback invoked when the pointer reaches the
// end of the object space (spec §4.5 "Termination").
func (b *Backfill) OnComplete(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDone = fn
}

// Pointer returns the current backfill pointer: every object ordered at
// or before it is present on the target.
func (b *Backfill) Pointer() objectid.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pointer
}

// Below reports whether object falls in the already-replicated region,
// i.e. writes to it must also go to the backfill target (spec §4.5
// "Writes to objects below the pointer go to it normally").
func (b *Backfill) Below(object objectid.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return true
	}
	return b.started && object.Compare(b.pointer) <= 0
}

// Done reports whether the pointer has reached the end of the namespace.
func (b *Backfill) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Run drives the walk to completion, one batch of objects at a time,
// pushing each in namespace order and advancing the pointer after every
// push-ack. It returns when the namespace is exhausted or ctx is done.
func (b *Backfill) Run(ctx context.Context, batchSize int) error {
	for {
		b.mu.Lock()
		after := b.pointer
		started := b.started
		b.mu.Unlock()

		var listFrom objectid.ID
		if started {
			listFrom = after
		}
		batch, err := b.list(ctx, listFrom, batchSize)
		if err != nil {
			return Error.Wrap(err)
		}
		if len(batch) == 0 {
			b.finish()
			return nil
		}

		for _, obj := range batch {
			payload, err := b.read(ctx, obj)
			if err != nil {
				return Error.New("backfill read failed for %s: %w", obj, err)
			}
			if err := b.push(ctx, b.target, payload); err != nil {
				return Error.New("backfill push failed for %s to %s: %w", obj, b.target, err)
			}
			b.advance(obj)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (b *Backfill) advance(obj objectid.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pointer = obj
	b.started = true
}

func (b *Backfill) finish() {
	b.mu.Lock()
	b.done = true
	onDone := b.onDone
	b.mu.Unlock()
	if onDone != nil {
		onDone()
	}
}
