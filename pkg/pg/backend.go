// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package pg composes a placement group from its backend, log, peering
// machine, and recovery engine (spec §9 "Polymorphic backends"): a PG is
// built by composition, with the transaction-shape differences between
// replicated and erasure-coded pools confined to the PgBackend variant
// chosen at construction.
package pg

import (
	"context"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/replication"
	"storj.io/pgd/pkg/wire"
)

// PgBackend is the capability set that differs between a replicated PG and
// an erasure-coded PG: how a client mutation becomes a transaction, how a
// sub-op is applied, how an object is pulled/pushed/rolled back, and how a
// missing object is reconstructed (spec §9).
type PgBackend interface {
	// SubmitTransaction turns a client mutation into the object-store
	// transaction(s) this node must apply locally, given the object's
	// current stat. For a replicated backend this is exactly the
	// client's delta; for an erasure-coded backend it may require a
	// read-modify-write across a shard quorum (spec §4.4).
	SubmitTransaction(ctx context.Context, stat objectstore.Stat, mutate ClientMutation) (objectstore.Transaction, uint64, error)

	// HandleSubOp applies a primary-dispatched sub-op locally and reports
	// the durable result.
	HandleSubOp(ctx context.Context, op wire.SubOpWrite) error

	// Pull reads an object's current content for recovery or peering log
	// pull.
	Pull(ctx context.Context, object objectid.ID, version objectid.Version) (wire.PullPush, error)
	// Push applies a recovered object's content locally.
	Push(ctx context.Context, payload wire.PullPush) error

	// RollbackLogEntry reverses a log entry's effect using its rollback
	// descriptor, used during divergence reconciliation instead of full
	// recovery when possible (spec §4.2, §4.4).
	RollbackLogEntry(ctx context.Context, entry objectid.Version, rollback []byte, offset, length int64) error

	// RecoverObject reconstructs object from whatever the backend needs:
	// a single peer copy for replicated, or re-reading k shards and
	// re-encoding for erasure-coded (spec §4.4 "EC reconstruction").
	RecoverObject(ctx context.Context, object objectid.ID, holders map[string]wire.PullPush) (wire.PullPush, error)
}

// ClientMutation computes the delta a client mutation applies, given the
// object's current stat, returning the user-visible version it produces.
// This is a type alias (not a new named type) for replication.ClientMutation
// so that PgBackend's SubmitTransaction method is exactly type-identical to
// replication.Backend's, letting ReplicatedBackend and ErasureCodedBackend
// satisfy replication.Backend without any adapter code (pkg/replication
// cannot import pkg/pg, which imports pkg/replication, so the shared type
// has to live on the replication side).
type ClientMutation = replication.ClientMutation
