// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTest(t)

	coll := objectstore.CollectionKey{PG: objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}}
	obj := objectid.ID{PoolID: 1, Name: []byte("x")}

	err := store.Commit(ctx, coll, objectstore.Transaction{
		Object: obj,
		Ops: []objectstore.TxOp{
			{Kind: objectstore.TxCreate},
			{Kind: objectstore.TxWrite, Offset: 0, Data: []byte("hello")},
		},
	})
	require.NoError(t, err)

	rr, err := store.Read(ctx, coll, obj, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rr.Data)

	stat, err := store.Stat(ctx, coll, obj)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Size)
}

func TestMetaKeysForPeeringRecords(t *testing.T) {
	ctx := context.Background()
	store := openTest(t)
	coll := objectstore.CollectionKey{PG: objectid.PGID{PoolID: 2, Seq: 9, Shard: objectid.NoShard}}

	require.NoError(t, store.MetaSet(ctx, coll, "info", []byte("info-bytes")))
	require.NoError(t, store.MetaSet(ctx, coll, "log/0000000001", []byte("entry-1")))
	require.NoError(t, store.MetaSet(ctx, coll, "log/0000000002", []byte("entry-2")))

	v, err := store.MetaGet(ctx, coll, "info")
	require.NoError(t, err)
	assert.Equal(t, []byte("info-bytes"), v)

	var keys []string
	err = store.MetaIteratePrefix(ctx, coll, "log/", func(key string, value []byte) bool {
		keys = append(keys, key)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"log/0000000001", "log/0000000002"}, keys)
}

func TestRemoveCollection(t *testing.T) {
	ctx := context.Background()
	store := openTest(t)
	coll := objectstore.CollectionKey{PG: objectid.PGID{PoolID: 3, Seq: 1, Shard: objectid.NoShard}}
	obj := objectid.ID{PoolID: 3, Name: []byte("y")}

	require.NoError(t, store.Commit(ctx, coll, objectstore.Transaction{
		Object: obj,
		Ops:    []objectstore.TxOp{{Kind: objectstore.TxCreate}},
	}))
	require.NoError(t, store.RemoveCollection(ctx, coll))

	_, err := store.Stat(ctx, coll, obj)
	assert.Error(t, err)
}
