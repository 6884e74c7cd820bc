// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgd/pkg/objectid"
)

// TestLogEntryRoundTrip exercises the serialize/deserialize round-trip
// testable property from spec §8: a log entry survives Marshal/Unmarshal
// unchanged.
func TestLogEntryRoundTrip(t *testing.T) {
	original := &LogEntryWire{
		Version:      objectid.Version{Epoch: 3, Counter: 7},
		PriorVersion: objectid.Version{Epoch: 3, Counter: 6},
		Object:       objectid.ID{PoolID: 9, Name: []byte("obj"), Hash: 0xdeadbeef},
		Op:           1,
		Request:      objectid.RequestID{ClientID: "client-a", Tid: 42},
		UserVersion:  5,
		HasRollback:  true,
		RollbackData: []byte("prior-bytes"),
		RollbackOff:  128,
		RollbackLen:  64,
		MtimeUnixNs:  time.Now().UnixNano(),
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded LogEntryWire
	require.NoError(t, Unmarshal(b, &decoded))

	assert.Equal(t, *original, decoded)
}

func TestLogEntryRoundTripNoRollback(t *testing.T) {
	original := &LogEntryWire{
		Version:      objectid.Version{Epoch: 1, Counter: 1},
		PriorVersion: objectid.Zero,
		Object:       objectid.ID{PoolID: 1, Name: []byte("x")},
		Request:      objectid.RequestID{ClientID: "c", Tid: 1},
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded LogEntryWire
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestPGInfoRoundTrip(t *testing.T) {
	original := &PGInfo{
		PG:           objectid.PGID{PoolID: 2, Seq: 5, Shard: objectid.NoShard},
		Epoch:        11,
		LastUpdate:   objectid.Version{Epoch: 11, Counter: 100},
		LastComplete: objectid.Version{Epoch: 11, Counter: 99},
		LogTail:      objectid.Version{Epoch: 9, Counter: 1},
		LogHead:      objectid.Version{Epoch: 11, Counter: 100},
		LogLength:    42,
		Complete:     false,
		HistoryEpoch: 8,
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded PGInfo
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestPingPongRoundTrip(t *testing.T) {
	original := &Ping{Partner: "node-b", Stamp: 12345, Link: "front"}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded Ping
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)

	originalPong := &Pong{Partner: "node-b", Stamp: 12345, Link: "front"}
	b, err = Marshal(originalPong)
	require.NoError(t, err)
	var decodedPong Pong
	require.NoError(t, Unmarshal(b, &decodedPong))
	assert.Equal(t, *originalPong, decodedPong)
}

func TestPGQueryRoundTrip(t *testing.T) {
	original := &PGQuery{
		Epoch: 4,
		PG:    objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
		Type:  QueryMissing,
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded PGQuery
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestPGNotifyRoundTrip(t *testing.T) {
	original := &PGNotify{
		From: objectid.RequestID{ClientID: "node-b", Tid: 7},
		Info: PGInfo{
			PG:         objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
			Epoch:      4,
			LastUpdate: objectid.Version{Epoch: 4, Counter: 9},
			Complete:   true,
		},
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded PGNotify
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestPGLogRoundTrip(t *testing.T) {
	original := &PGLog{
		PG: objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
		Entries: []LogEntryWire{
			{
				Version:     objectid.Version{Epoch: 1, Counter: 1},
				Object:      objectid.ID{PoolID: 1, Name: []byte("obj")},
				Request:     objectid.RequestID{ClientID: "c", Tid: 1},
				MtimeUnixNs: 42,
			},
		},
		Missing: []MissingEntry{
			{Object: objectid.ID{PoolID: 1, Name: []byte("obj2")}, Need: objectid.Version{Epoch: 1, Counter: 2}, Source: "node-c"},
		},
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded PGLog
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestSubOpWriteAckRoundTrip(t *testing.T) {
	originalWrite := &SubOpWrite{
		Epoch:   4,
		PG:      objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
		Version: objectid.Version{Epoch: 4, Counter: 3},
		Request: objectid.RequestID{ClientID: "c", Tid: 9},
		Tx: TransactionWire{
			Object: objectid.ID{PoolID: 1, Name: []byte("obj")},
			Primitives: []TxPrimitive{
				{Kind: TxCreate},
				{Kind: TxWrite, Offset: 0, Data: []byte("hello")},
			},
		},
	}

	b, err := Marshal(originalWrite)
	require.NoError(t, err)
	var decodedWrite SubOpWrite
	require.NoError(t, Unmarshal(b, &decodedWrite))
	assert.Equal(t, *originalWrite, decodedWrite)

	originalAck := &SubOpAck{
		Epoch:   4,
		PG:      objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
		Version: objectid.Version{Epoch: 4, Counter: 3},
		OK:      false,
		Err:     "nacked",
	}
	b, err = Marshal(originalAck)
	require.NoError(t, err)
	var decodedAck SubOpAck
	require.NoError(t, Unmarshal(b, &decodedAck))
	assert.Equal(t, *originalAck, decodedAck)
}

func TestPullPushRoundTrip(t *testing.T) {
	original := &PullPush{
		Object:     objectid.ID{PoolID: 1, Name: []byte("obj")},
		Version:    objectid.Version{Epoch: 1, Counter: 1},
		Data:       []byte("payload"),
		Xattrs:     map[string][]byte{"b-key": []byte("2"), "a-key": []byte("1")},
		IsEC:       true,
		ShardIndex: 2,
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded PullPush
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestBackfillProgressRoundTrip(t *testing.T) {
	original := &BackfillProgress{
		PG:        objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard},
		Pointer:   objectid.ID{PoolID: 1, Name: []byte("last")},
		ObjectsOK: 9000,
		Done:      true,
	}

	b, err := Marshal(original)
	require.NoError(t, err)

	var decoded BackfillProgress
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, *original, decoded)
}
