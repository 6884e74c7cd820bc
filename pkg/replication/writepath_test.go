// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/objectstore/boltstore"
	"storj.io/pgd/pkg/pglog"
	"storj.io/pgd/pkg/wire"
)

type stubLocker struct{}

func (stubLocker) Lock(ctx context.Context, id objectid.ID) (func(), error) {
	return func() {}, nil
}

// passthroughBackend is the Backend test double standing in for
// pkg/pg.ReplicatedBackend, whose own tests live in pkg/pg (which imports
// this package).
type passthroughBackend struct{}

func (passthroughBackend) SubmitTransaction(ctx context.Context, stat objectstore.Stat, mutate ClientMutation) (objectstore.Transaction, uint64, error) {
	return mutate(stat)
}

func newOp(client string, tid uint64, obj objectid.ID) Op {
	return Op{
		Request: objectid.RequestID{ClientID: client, Tid: tid},
		Object:  obj,
		Mutate: func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) {
			return objectstore.Transaction{
				Object: obj,
				Ops: []objectstore.TxOp{
					{Kind: objectstore.TxCreate},
					{Kind: objectstore.TxWrite, Offset: 0, Data: []byte("v")},
				},
			}, 1, nil
		},
	}
}

func newWritePath(t *testing.T, sender PeerSender) (*WritePath, objectstore.Store, objectstore.CollectionKey) {
	t.Helper()
	log := zaptest.NewLogger(t)
	pgID := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	store, err := boltstore.Open(t.TempDir() + "/objects.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	coll := objectstore.CollectionKey{PG: pgID}
	plog := pglog.NewLog(log, pgID, 1000, 1000)
	w := New(log, pgID, store, coll, plog, stubLocker{}, sender, passthroughBackend{}, "A")
	w.SetEpoch(7)
	return w, store, coll
}

// TestSubmitSoloNodeCommitsImmediately covers the degenerate one-member
// acting set: AckPolicy is satisfied by the primary's own ack, so Submit
// must return Committed without waiting on any peer.
func TestSubmitSoloNodeCommitsImmediately(t *testing.T) {
	w, _, _ := newWritePath(t, nil)
	obj := objectid.ID{PoolID: 1, Name: []byte("a")}

	result, err := w.Submit(context.Background(), newOp("c", 1, obj), []string{"A"})
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.False(t, result.Replayed)
	assert.Equal(t, uint64(7), result.Version.Epoch)
}

// TestSubmitReplaysDuplicateRequest covers spec §4.4 step 3's idempotent
// replay, which must not re-run Mutate or wait on any ack.
func TestSubmitReplaysDuplicateRequest(t *testing.T) {
	w, _, _ := newWritePath(t, nil)
	obj := objectid.ID{PoolID: 1, Name: []byte("a")}

	_, err := w.Submit(context.Background(), newOp("c", 1, obj), []string{"A"})
	require.NoError(t, err)

	replay, err := w.Submit(context.Background(), Op{
		Request: objectid.RequestID{ClientID: "c", Tid: 1},
		Object:  obj,
		Mutate: func(stat objectstore.Stat) (objectstore.Transaction, uint64, error) {
			t.Fatal("mutate must not run for a replayed request")
			return objectstore.Transaction{}, 0, nil
		},
	}, []string{"A"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}

// ackOnceSender nacks a sub-op's first attempt per node then acks the
// retry, used to exercise Submit's retry-without-reorder path (spec §4.4
// "Edge cases").
type ackOnceSender struct {
	mu       sync.Mutex
	attempts map[string]int
}

func newAckOnceSender() *ackOnceSender {
	return &ackOnceSender{attempts: map[string]int{}}
}

func (s *ackOnceSender) attemptCount(node string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[node]
}

func (s *ackOnceSender) SendSubOp(ctx context.Context, node string, op wire.SubOpWrite) <-chan SubOpResult {
	ch := make(chan SubOpResult, 1)
	s.mu.Lock()
	s.attempts[node]++
	attempt := s.attempts[node]
	s.mu.Unlock()
	go func() {
		if attempt == 1 {
			ch <- SubOpResult{Node: node, Err: Error.New("transient")}
			return
		}
		ch <- SubOpResult{Node: node, Version: op.Version, OK: true}
	}()
	return ch
}

// TestSubmitBlocksUntilFullyCommitted covers the bug spec §4.4 step 8 and
// the §3 durability invariant guard against: Submit must not return until
// every acting member -- including one that nacks on its first attempt --
// has truly acked, and Committed must be true on return.
func TestSubmitBlocksUntilFullyCommitted(t *testing.T) {
	sender := newAckOnceSender()
	w, store, coll := newWritePath(t, sender)
	obj := objectid.ID{PoolID: 1, Name: []byte("a")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := w.Submit(ctx, newOp("c", 1, obj), []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, 2, sender.attemptCount("B"))
	assert.Equal(t, 2, sender.attemptCount("C"))

	_, err = store.Stat(ctx, coll, obj)
	assert.NoError(t, err)
}

// neverAckSender never resolves, so Submit must give up only when ctx is
// canceled -- it must never declare commit success early.
type neverAckSender struct{}

func (neverAckSender) SendSubOp(ctx context.Context, node string, op wire.SubOpWrite) <-chan SubOpResult {
	return make(chan SubOpResult)
}

func TestSubmitNeverCommitsWithoutEveryAck(t *testing.T) {
	w, _, _ := newWritePath(t, neverAckSender{})
	obj := objectid.ID{PoolID: 1, Name: []byte("a")}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := w.Submit(ctx, newOp("c", 1, obj), []string{"A", "B"})
	require.Error(t, err)
}
