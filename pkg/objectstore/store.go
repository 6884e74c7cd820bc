// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package objectstore defines the narrow contract pgd uses to talk to the
// local on-disk object store (spec §1, §6): collections, transactions,
// and the read primitives. The production object store is out of scope;
// this package only specifies the interface plus a boltdb-backed reference
// implementation good enough for tests and for running a single pgd node.
package objectstore

import (
	"context"

	"storj.io/pgd/pkg/objectid"
)

// TxKind enumerates the transaction primitives named in spec §6.
type TxKind int

// Transaction primitive kinds.
const (
	TxCreate TxKind = iota
	TxRemove
	TxWrite
	TxTruncate
	TxZeroRange
	TxCloneRange
	TxSetXattr
	TxOmapSet
	TxOmapRemove
	TxOmapRangeRemove
)

// TxOp is one primitive within a Transaction.
type TxOp struct {
	Kind     TxKind
	Offset   int64
	Data     []byte
	Key      string            // xattr/omap key
	CloneSrc objectid.ID       // source object for TxCloneRange
	Omap     map[string][]byte // bulk omap-set payload
}

// Transaction is an ordered list of primitives applied atomically against
// one object: all-or-nothing, durable once Commit returns (spec §6).
type Transaction struct {
	Object objectid.ID
	Ops    []TxOp
}

// CollectionKey identifies one PG's collection: every object, and every
// per-collection metadata key (info/biginfo/epoch/log/dup/missing), lives
// under one collection per spec §6 "On-disk layout".
type CollectionKey struct {
	PG objectid.PGID
}

// ReadRange is a byte-range read result.
type ReadRange struct {
	Offset int64
	Data   []byte
}

// Stat is the minimal metadata the store reports for an object.
type Stat struct {
	Size  int64
	Mtime int64 // unix nanos
}

// Store is the narrow contract pgd requires from the external object
// store. Collections are created lazily; a Store implementation must make
// every Commit atomic and durable, and must guarantee that after a crash
// any committed transaction is visible and any uncommitted one is fully
// absent (spec §6).
type Store interface {
	// Commit applies tx atomically within coll. Metadata writes (PG info,
	// log append) are expected to ride in the same transaction as the
	// data mutation they accompany (spec §4.2 "Append").
	Commit(ctx context.Context, coll CollectionKey, tx Transaction) error

	// Stat returns the object's size and mtime, or ErrNotFound.
	Stat(ctx context.Context, coll CollectionKey, id objectid.ID) (Stat, error)
	// Read returns length bytes starting at offset.
	Read(ctx context.Context, coll CollectionKey, id objectid.ID, offset, length int64) (ReadRange, error)
	// GetXattr returns one extended attribute value.
	GetXattr(ctx context.Context, coll CollectionKey, id objectid.ID, key string) ([]byte, error)
	// OmapGet returns one omap value.
	OmapGet(ctx context.Context, coll CollectionKey, id objectid.ID, key string) ([]byte, error)
	// OmapIterate calls fn for every omap key/value pair on id, in key
	// order, stopping early if fn returns false.
	OmapIterate(ctx context.Context, coll CollectionKey, id objectid.ID, fn func(key string, value []byte) bool) error

	// MetaSet/MetaGet/MetaDelete implement the per-collection metadata
	// keys named in spec §6: info, biginfo, epoch, log/<version>,
	// dup/<request-id>, missing/<object-id>.
	MetaSet(ctx context.Context, coll CollectionKey, key string, value []byte) error
	MetaGet(ctx context.Context, coll CollectionKey, key string) ([]byte, error)
	MetaDelete(ctx context.Context, coll CollectionKey, key string) error
	// MetaIteratePrefix calls fn for every metadata key with the given
	// prefix, in key order.
	MetaIteratePrefix(ctx context.Context, coll CollectionKey, prefix string, fn func(key string, value []byte) bool) error

	// Remove deletes an object entirely (data + xattrs + omap).
	Remove(ctx context.Context, coll CollectionKey, id objectid.ID) error
	// RemoveCollection deletes an entire PG collection, used when a PG is
	// removed from this node (spec §3 "Lifecycle").
	RemoveCollection(ctx context.Context, coll CollectionKey) error
}
