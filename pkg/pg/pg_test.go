// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/peering"
	"storj.io/pgd/pkg/pglog"
	"storj.io/pgd/pkg/recovery"
	"storj.io/pgd/pkg/replication"
)

// stubLocker grants every lock immediately, sufficient for a single
// in-process writer exercising the write path sequentially.
type stubLocker struct{}

func (stubLocker) Lock(ctx context.Context, id objectid.ID) (func(), error) {
	return func() {}, nil
}

type stubService struct{}

func (stubService) SelfNode() string                             { return "A" }
func (stubService) LocalReserver() *recovery.Reserver             { return recovery.NewReserver(4) }
func (stubService) RemoteReserver(node string) *recovery.Reserver { return nil }
func (stubService) PastIntervals(id objectid.PGID) clustermap.PastIntervals {
	return clustermap.PastIntervals{}
}

type boltHandle struct {
	store objectstore.Store
	coll  objectstore.CollectionKey
}

func newSoloPG(t *testing.T) (*PG, boltHandle) {
	t.Helper()
	log := zaptest.NewLogger(t)
	pgID := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}

	store, coll := openBackendStore(t)
	handle := boltHandle{store: store, coll: coll}

	backend := NewReplicatedBackend(store, coll)
	plog := pglog.NewLog(log, pgID, 1000, 1000)
	write := replication.New(log, pgID, store, coll, plog, stubLocker{}, nil, backend, "A")
	recov := recovery.NewEngine(log, pgID, nil, nil, recovery.NewReserver(4), nil)

	p := New(log, pgID, "A", stubService{}, backend, plog, write, recov)
	return p, handle
}

// TestPGSubmitRefusesUntilActive covers spec §4.4 step 1: a PG must
// refuse client writes before peering reaches Active.
func TestPGSubmitRefusesUntilActive(t *testing.T) {
	p, _ := newSoloPG(t)
	_, err := p.Submit(context.Background(), replication.Op{
		Request: objectid.RequestID{ClientID: "c", Tid: 1},
		Object:  objectid.ID{PoolID: 1, Name: []byte("obj")},
		Mutate: func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) {
			return objectstore.Transaction{}, 1, nil
		},
	})
	assert.ErrorIs(t, err, replication.ErrNotActive)
}

// TestPGSoloNodeActivatesAndSubmits drives a solo-node PG (no peers, no
// past intervals) all the way to Active, then exercises a real client
// write through the composed backend + log + write path (spec §4.3's
// happy path collapsed to the single-node case, spec §4.4 steps 1-9).
func TestPGSoloNodeActivatesAndSubmits(t *testing.T) {
	p, handle := newSoloPG(t)

	m := clustermap.NewMap(5,
		map[int64]clustermap.PoolDef{1: {PoolID: 1, ReplicaCount: 1}},
		map[string]clustermap.NodeStatus{"A": {NodeID: "A", Up: true, In: true}},
		map[objectid.PGID][]string{p.ID(): {"A"}},
	)
	p.HandleMapAdvance(m)
	require.Equal(t, "Primary/Peering/WaitUpThru", p.StateName())

	p.React(peering.EventUpThruAcked{Epoch: 5})
	require.Equal(t, "Primary/Active", p.StateName())

	obj := objectid.ID{PoolID: 1, Name: []byte("obj")}
	result, err := p.Submit(context.Background(), replication.Op{
		Request: objectid.RequestID{ClientID: "c", Tid: 1},
		Object:  obj,
		Mutate: func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) {
			return objectstore.Transaction{
				Object: obj,
				Ops: []objectstore.TxOp{
					{Kind: objectstore.TxCreate},
					{Kind: objectstore.TxWrite, Offset: 0, Data: []byte("hello")},
				},
			}, 1, nil
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.True(t, result.Committed)
	assert.Equal(t, uint64(5), result.Version.Epoch)

	rr, err := handle.store.Read(context.Background(), handle.coll, obj, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rr.Data)

	// Resubmitting the same request id replays instead of re-applying.
	replay, err := p.Submit(context.Background(), replication.Op{
		Request: objectid.RequestID{ClientID: "c", Tid: 1},
		Object:  obj,
		Mutate: func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) {
			t.Fatal("mutate must not run for a replayed request")
			return objectstore.Transaction{}, 0, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}
