// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pg

import (
	"context"

	"storj.io/pgd/pkg/ec"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/wire"
)

// ShardFetcher reads another shard's current copy of an object, used for
// the read side of a read-modify-write and for EC reconstruction (spec
// §4.4(a), §4.4(b)).
type ShardFetcher func(ctx context.Context, object objectid.ID, version objectid.Version) (wire.PullPush, error)

// ErasureCodedBackend is the PgBackend for one shard of an erasure-coded
// pool. One instance exists per PG id (a PG id names pool+seq+shard), so
// this backend stores and serves exactly shard Index's fragment of every
// stripe (spec §4.4 erasure-coded write path).
type ErasureCodedBackend struct {
	store  objectstore.Store
	coll   objectstore.CollectionKey
	scheme *ec.Scheme
	index  int
	fetch  ShardFetcher
}

// NewErasureCodedBackend constructs the backend for shard index of the
// given (k, m) scheme.
func NewErasureCodedBackend(store objectstore.Store, coll objectstore.CollectionKey, scheme *ec.Scheme, index int, fetch ShardFetcher) *ErasureCodedBackend {
	return &ErasureCodedBackend{store: store, coll: coll, scheme: scheme, index: index, fetch: fetch}
}

// SubmitTransaction handles both cases named in spec §4.4(a): a
// full-stripe write encodes and writes this shard directly via
// EncodeStripe; anything else is a read-modify-write this backend cannot
// yet service on its own -- it would need to first read the current
// stripe from a shard quorum -- so it is rejected rather than silently
// committing an un-encoded client delta as if it were this shard's
// fragment.
func (b *ErasureCodedBackend) SubmitTransaction(ctx context.Context, stat objectstore.Stat, mutate ClientMutation) (objectstore.Transaction, uint64, error) {
	tx, userVersion, err := mutate(stat)
	if err != nil {
		return objectstore.Transaction{}, 0, Error.Wrap(err)
	}
	payload, ok := fullStripePayload(tx)
	if !ok {
		return objectstore.Transaction{}, 0, Error.New("erasure-coded read-modify-write is not supported for object %s: only full-stripe writes can be encoded", tx.Object)
	}
	shardTx, _, err := b.EncodeStripe(ctx, tx.Object, payload)
	if err != nil {
		return objectstore.Transaction{}, 0, Error.Wrap(err)
	}
	return shardTx, userVersion, nil
}

// fullStripePayload recognizes the two-op {TxCreate, TxWrite at offset 0}
// shape a full-object write produces and returns its payload, the only
// transaction shape EncodeStripe knows how to turn into this shard's
// fragment (spec §4.4(a)).
func fullStripePayload(tx objectstore.Transaction) ([]byte, bool) {
	if len(tx.Ops) != 2 {
		return nil, false
	}
	if tx.Ops[0].Kind != objectstore.TxCreate {
		return nil, false
	}
	write := tx.Ops[1]
	if write.Kind != objectstore.TxWrite || write.Offset != 0 {
		return nil, false
	}
	return write.Data, true
}

// EncodeStripe splits a full-stripe payload into this scheme's shards,
// returning only this backend's own shard's fragment plus a rollback
// descriptor capturing what this shard held before (spec §4.4(a) "writes
// all shards with a rollback descriptor so that a mid-write crash can be
// reversed").
func (b *ErasureCodedBackend) EncodeStripe(ctx context.Context, object objectid.ID, payload []byte) (objectstore.Transaction, []byte, error) {
	shards, err := b.scheme.Encode(payload)
	if err != nil {
		return objectstore.Transaction{}, nil, Error.Wrap(err)
	}
	if b.index >= len(shards) {
		return objectstore.Transaction{}, nil, Error.New("shard index %d out of range for scheme with %d total shards", b.index, len(shards))
	}

	prior, _ := b.Pull(ctx, object, objectid.Version{})
	tx := objectstore.Transaction{
		Object: object,
		Ops: []objectstore.TxOp{
			{Kind: objectstore.TxCreate},
			{Kind: objectstore.TxWrite, Offset: 0, Data: shards[b.index].Data},
		},
	}
	return tx, prior.Data, nil
}

// HandleSubOp commits a primary-dispatched shard write.
func (b *ErasureCodedBackend) HandleSubOp(ctx context.Context, op wire.SubOpWrite) error {
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

// Pull returns this shard's own fragment for object.
func (b *ErasureCodedBackend) Pull(ctx context.Context, object objectid.ID, version objectid.Version) (wire.PullPush, error) {
	stat, err := b.store.Stat(ctx, b.coll, object)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	rr, err := b.store.Read(ctx, b.coll, object, 0, stat.Size)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	return wire.PullPush{Object: object, Version: version, Data: rr.Data, IsEC: true, ShardIndex: int32(b.index)}, nil
}

// Push writes a recovered shard fragment.
func (b *ErasureCodedBackend) Push(ctx context.Context, payload wire.PullPush) error {
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

// RollbackLogEntry restores this shard's prior fragment, reversing a
// mid-write crash (spec §4.4(a)).
func (b *ErasureCodedBackend) RollbackLogEntry(ctx context.Context, entry objectid.Version, rollback []byte, offset, length int64) error {
	_ = entry
	_ = offset
	_ = length
	tx := objectstore.Transaction{
		Ops: []objectstore.TxOp{
			{Kind: objectstore.TxWrite, Offset: 0, Data: rollback},
		},
	}
	if err := b.store.Commit(ctx, b.coll, tx); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// RecoverObject reconstructs this shard's fragment by re-reading k
// shards from holders and re-encoding, rather than pulling a copy from a
// single peer -- erasure-coded pools have no peer with an identical
// fragment to pull from (spec §4.4(b) "any shard missing more than a
// threshold number of entries must be recovered by re-reading k shards
// and re-encoding").
func (b *ErasureCodedBackend) RecoverObject(ctx context.Context, object objectid.ID, holders map[string]wire.PullPush) (wire.PullPush, error) {
	if !b.scheme.Required(len(holders)) {
		return wire.PullPush{}, Error.New("EC reconstruction impossible for %s: have %d shards, need %d", object, len(holders), b.scheme.K())
	}
	var shards []ec.Shard
	var shardLen int
	for _, p := range holders {
		shards = append(shards, ec.Shard{Index: int(p.ShardIndex), Data: p.Data})
		if len(p.Data) > shardLen {
			shardLen = len(p.Data)
		}
	}
	// No unpadded length is recorded for the object (EncodeStripe writes no
	// xattr), so the full padded stripe length is used.
	originalLen := shardLen * b.scheme.K()
	payload, err := b.scheme.Decode(shards, originalLen)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	reencoded, err := b.scheme.Encode(payload)
	if err != nil {
		return wire.PullPush{}, Error.Wrap(err)
	}
	if b.index >= len(reencoded) {
		return wire.PullPush{}, Error.New("shard index %d out of range", b.index)
	}
	return wire.PullPush{Object: object, Data: reencoded[b.index].Data, IsEC: true, ShardIndex: int32(b.index)}, nil
}
