// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/pg"
	"storj.io/pgd/pkg/recovery"
)

type stubService struct{}

func (stubService) SelfNode() string                          { return "A" }
func (stubService) LocalReserver() *recovery.Reserver          { return nil }
func (stubService) RemoteReserver(string) *recovery.Reserver   { return nil }
func (stubService) PastIntervals(objectid.PGID) clustermap.PastIntervals {
	return clustermap.PastIntervals{}
}

func TestRegistryPutGetRemove(t *testing.T) {
	log := zaptest.NewLogger(t)
	r := NewRegistry(log, 4)

	id := objectid.PGID{PoolID: 1, Seq: 7}
	p := pg.New(log, id, "A", stubService{}, nil, nil, nil, nil)

	r.Put(p)
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, id, got.ID())

	r.Remove(id)
	_, ok = r.Get(id)
	assert.False(t, ok)
}

func TestRegistryShardingIsDeterministic(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 8)
	id := objectid.PGID{PoolID: 2, Seq: 99}
	a := r.ShardFor(id)
	b := r.ShardFor(id)
	assert.Equal(t, a, b)
}
