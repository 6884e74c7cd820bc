// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pglog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/objectid"
)

func testPGID() objectid.PGID {
	return objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
}

func entryAt(epoch, counter uint64, prior objectid.Version, name string) Entry {
	return Entry{
		Version:      objectid.Version{Epoch: epoch, Counter: counter},
		PriorVersion: prior,
		Object:       objectid.ID{PoolID: 1, Name: []byte(name)},
		Op:           OpModify,
		Request:      objectid.RequestID{ClientID: "c1", Tid: counter},
		UserVersion:  counter,
	}
}

func TestAppendDenseChain(t *testing.T) {
	log := NewLog(zaptest.NewLogger(t), testPGID(), 100, 1000)

	e1 := entryAt(1, 1, objectid.Zero, "x")
	require.NoError(t, log.Append(e1))

	e2 := entryAt(1, 2, e1.Version, "y")
	require.NoError(t, log.Append(e2))

	assert.Equal(t, e2.Version, log.Head())
	assert.Equal(t, e1.Version, log.Tail())
	assert.Equal(t, 2, log.Len())
}

func TestAppendRejectsGap(t *testing.T) {
	log := NewLog(zaptest.NewLogger(t), testPGID(), 100, 1000)

	e1 := entryAt(1, 1, objectid.Zero, "x")
	require.NoError(t, log.Append(e1))

	bogus := entryAt(1, 3, objectid.Version{Epoch: 1, Counter: 2}, "z")
	err := log.Append(bogus)
	assert.Error(t, err)
}

func TestFindRequestIdempotence(t *testing.T) {
	log := NewLog(zaptest.NewLogger(t), testPGID(), 100, 1000)

	e1 := entryAt(1, 1, objectid.Zero, "x")
	require.NoError(t, log.Append(e1))

	_, found := log.FindRequest(e1.Request)
	assert.True(t, found, "live entry must be found as a duplicate")

	_, found = log.FindRequest(objectid.RequestID{ClientID: "other", Tid: 99})
	assert.False(t, found)
}

func TestTrimConvertsToDupAndPreservesRequestID(t *testing.T) {
	log := NewLog(zaptest.NewLogger(t), testPGID(), 2, 1000)

	prior := objectid.Zero
	var last Entry
	for i := uint64(1); i <= 5; i++ {
		e := entryAt(1, i, prior, "x")
		require.NoError(t, log.Append(e))
		prior = e.Version
		last = e
	}

	assert.LessOrEqual(t, log.Len(), 2)
	assert.Equal(t, last.Version, log.Head())

	// The oldest request ids should now live in dups, not the live log.
	firstReq := objectid.RequestID{ClientID: "c1", Tid: 1}
	_, found := log.FindRequest(firstReq)
	assert.True(t, found, "request id must survive trim via dups")
}

func TestDupLimitDropsOldestDup(t *testing.T) {
	log := NewLog(zaptest.NewLogger(t), testPGID(), 1, 2)

	prior := objectid.Zero
	for i := uint64(1); i <= 5; i++ {
		e := entryAt(1, i, prior, "x")
		require.NoError(t, log.Append(e))
		prior = e.Version
	}

	assert.LessOrEqual(t, len(log.Dups()), 2)

	// The very first request id should have aged out of the dup window.
	firstReq := objectid.RequestID{ClientID: "c1", Tid: 1}
	_, found := log.FindRequest(firstReq)
	assert.False(t, found, "request id older than the dup window must not be found")
}
