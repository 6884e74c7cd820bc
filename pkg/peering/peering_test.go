// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package peering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/wire"
)

func testMap(epoch uint64, pg objectid.PGID, order []string, up map[string]bool) *clustermap.Map {
	nodes := map[string]clustermap.NodeStatus{}
	for _, n := range order {
		nodes[n] = clustermap.NodeStatus{NodeID: n, Up: up[n], In: up[n], Weight: 1}
	}
	return clustermap.NewMap(epoch,
		map[int64]clustermap.PoolDef{pg.PoolID: {PoolID: pg.PoolID, ReplicaCount: len(order)}},
		nodes,
		map[objectid.PGID][]string{pg: order},
	)
}

// TestPrimaryHappyPath drives a primary through Reset -> GetInfo -> GetLog
// -> GetMissing -> WaitUpThru -> Active, matching scenario 1 of spec §8.
func TestPrimaryHappyPath(t *testing.T) {
	pg := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	var activated bool
	deps := Deps{
		Activate: func() { activated = true },
	}
	m := NewMachine(zaptest.NewLogger(t), pg, "A", deps)

	m.React(EventMapAdvance{Map: testMap(5, pg, []string{"A", "B", "C"}, map[string]bool{"A": true, "B": true, "C": true})})
	require.Equal(t, "Primary/Peering/GetInfo", m.StateName())
	assert.Equal(t, RolePrimary, m.Role)

	m.React(EventNotify{From: "B", Notify: wire.PGNotify{Info: wire.PGInfo{LastUpdate: objectid.Version{Epoch: 5, Counter: 2}}}})
	m.React(EventNotify{From: "C", Notify: wire.PGNotify{Info: wire.PGInfo{LastUpdate: objectid.Version{Epoch: 5, Counter: 2}}}})
	require.Equal(t, "Primary/Peering/GetLog", m.StateName())

	m.React(EventLogPulled{From: "B"})
	require.Equal(t, "Primary/Peering/GetMissing", m.StateName())

	m.React(EventLogPulled{From: "B"})
	m.React(EventLogPulled{From: "C"})
	require.Equal(t, "Primary/Peering/WaitUpThru", m.StateName())

	m.React(EventUpThruAcked{Epoch: 5})
	require.Equal(t, "Primary/Active", m.StateName())
	assert.True(t, activated)
}

// TestReplicaBecomesStray exercises the replica side of the same change.
func TestReplicaBecomesStray(t *testing.T) {
	pg := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	var stray bool
	m := NewMachine(zaptest.NewLogger(t), pg, "B", Deps{BecomeStray: func() { stray = true }})

	m.React(EventMapAdvance{Map: testMap(5, pg, []string{"A", "B", "C"}, map[string]bool{"A": true, "B": true, "C": true})})
	assert.Equal(t, "Stray", m.StateName())
	assert.Equal(t, RoleReplica, m.Role)
	assert.True(t, stray)
}

// TestMapAdvanceSupersedesPeering exercises spec §5's cancellation rule: a
// newer map discards in-flight peering and restarts from Reset.
func TestMapAdvanceSupersedesPeering(t *testing.T) {
	pg := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	m := NewMachine(zaptest.NewLogger(t), pg, "A", Deps{})

	m.React(EventMapAdvance{Map: testMap(5, pg, []string{"A", "B", "C"}, map[string]bool{"A": true, "B": true, "C": true})})
	require.Equal(t, "Primary/Peering/GetInfo", m.StateName())
	startInterval := m.IntervalID

	m.React(EventMapAdvance{Map: testMap(6, pg, []string{"A", "B", "C"}, map[string]bool{"A": true, "B": true, "C": true})})
	assert.Equal(t, "Primary/Peering/GetInfo", m.StateName())
	assert.Greater(t, m.IntervalID, startInterval)
}

// TestIncompleteWhenTooFewRespond covers spec §8 scenario 6: an acting set
// of just {A} cannot prove completeness without enough respondents.
func TestIncompleteWhenTooFewRespond(t *testing.T) {
	pg := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	var incompleteReason string
	m := NewMachine(zaptest.NewLogger(t), pg, "A", Deps{
		MarkIncomplete: func(reason string) { incompleteReason = reason },
		PastIntervalPeers: func(sinceEpoch uint64) []string { return []string{"B", "C"} },
	})

	m.React(EventMapAdvance{Map: testMap(5, pg, []string{"A"}, map[string]bool{"A": true})})
	require.Equal(t, "Primary/Peering/GetInfo", m.StateName())

	m.React(EventPeerDown{Node: "B"})
	m.React(EventPeerDown{Node: "C"})
	require.Equal(t, "Incomplete", m.StateName())
	assert.NotEmpty(t, incompleteReason)
	assert.True(t, m.Incomplete)
}
