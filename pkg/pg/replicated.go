// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pg

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/wire"
)

// Error is the error class for pg composition failures.
var Error = errs.Class("pgd/pg")

// ReplicatedBackend is the PgBackend for pools with ReplicaCount > 0 and
// no erasure coding: every acting member holds a full copy (spec §4.4
// replicated write path).
type ReplicatedBackend struct {
	store objectstore.Store
	coll  objectstore.CollectionKey
}

// NewReplicatedBackend constructs a ReplicatedBackend writing into coll.
func NewReplicatedBackend(store objectstore.Store, coll objectstore.CollectionKey) *ReplicatedBackend {
	return &ReplicatedBackend{store: store, coll: coll}
}

// SubmitTransaction for a replicated pool is simply the client's own
// mutation: no read-modify-write quorum is needed (spec §4.4).
func (b *ReplicatedBackend) SubmitTransaction(ctx context.Context, stat objectstore.Stat, mutate ClientMutation) (objectstore.Transaction, uint64, error) {
	tx, userVersion, err := mutate(stat)
	if err != nil {
		return objectstore.Transaction{}, 0, Error.Wrap(err)
	}
	return tx, userVersion, nil
}

// HandleSubOp commits a primary-dispatched transaction verbatim.
func (b *ReplicatedBackend) HandleSubOp(ctx context.Context, op wire.SubOpWrite) error {
	tx := objectstore.Transaction{Object: op.Tx.Object}
	for _, p := range op.Tx.Primitives {
		tx.Ops = append(tx.Ops, objectstore.TxOp{
			Kind:   objectstore.TxKind(p.Kind),
			Offset: p.Offset,
			Data:   p.Data,
			Key:    p.Key,
		})
	}
	if err := b.store.Commit(ctx, b.coll, tx); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Pull reads an object's full content plus its extended attributes.
func (b *ReplicatedBackend) Pull(ctx context.Context, object objectid.ID, version objectid.Version) (wire.PullPush, error) {
	stat, err := b.store.Stat(ctx, b.coll, object)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	rr, err := b.store.Read(ctx, b.coll, object, 0, stat.Size)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	return wire.PullPush{Object: object, Version: version, Data: rr.Data, ShardIndex: objectid.NoShard}, nil
}

// Push writes a pulled object's content as a fresh full-object
// transaction.
func (b *ReplicatedBackend) Push(ctx context.Context, payload wire.PullPush) error {
	tx := objectstore.Transaction{
		Object: payload.Object,
		Ops: []objectstore.TxOp{
			{Kind: objectstore.TxCreate},
			{Kind: objectstore.TxWrite, Offset: 0, Data: payload.Data},
		},
	}
	if err := b.store.Commit(ctx, b.coll, tx); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// RollbackLogEntry reverses a write by re-writing the prior extent over
// the mutated range (spec §4.2's divergence reconciliation).
func (b *ReplicatedBackend) RollbackLogEntry(ctx context.Context, entry objectid.Version, rollback []byte, offset, length int64) error {
	_ = entry
	tx := objectstore.Transaction{
		Ops: []objectstore.TxOp{
			{Kind: objectstore.TxWrite, Offset: offset, Data: rollback[:min64(length, int64(len(rollback)))]},
		},
	}
	if err := b.store.Commit(ctx, b.coll, tx); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// RecoverObject for a replicated pool just takes any one holder's copy:
// all copies are supposed to be bit-identical at the same version.
func (b *ReplicatedBackend) RecoverObject(ctx context.Context, object objectid.ID, holders map[string]wire.PullPush) (wire.PullPush, error) {
	for _, p := range holders {
		return p, nil
	}
	return wire.PullPush{}, Error.New("no holder available to recover %s", object)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
