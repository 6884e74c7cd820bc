// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/objectid"
)

func TestSchedulerPrefersHeavierWeightUnderContention(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t), DefaultClassWeights, nil)
	pgID := objectid.PGID{PoolID: 1, Seq: 1}

	var ranClient, ranScrub int
	for i := 0; i < 4; i++ {
		s.Submit(Task{PG: pgID, Class: ClassClient, Run: func(ctx context.Context) { ranClient++ }})
	}
	for i := 0; i < 4; i++ {
		s.Submit(Task{PG: pgID, Class: ClassScrub, Run: func(ctx context.Context) { ranScrub++ }})
	}

	// Client's weight (8) covers all four client tasks in the first round,
	// so they run before any scrub task (weight 1).
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RunOne(context.Background()))
	}
	assert.Equal(t, 4, ranClient)
	assert.Equal(t, 0, ranScrub)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RunOne(context.Background()))
	}
	assert.Equal(t, 4, ranClient)
	assert.Equal(t, 4, ranScrub)
}

func TestSchedulerDiscardsStaleEpochOp(t *testing.T) {
	pgID := objectid.PGID{PoolID: 1, Seq: 1}
	s := NewScheduler(zaptest.NewLogger(t), DefaultClassWeights, func(objectid.PGID) uint64 { return 5 })

	var ran bool
	s.Submit(Task{PG: pgID, Class: ClassClient, Epoch: 3, Run: func(ctx context.Context) { ran = true }})
	require.NoError(t, s.RunOne(context.Background()))
	assert.False(t, ran)
}

func TestSchedulerPendingCount(t *testing.T) {
	pgID := objectid.PGID{PoolID: 1, Seq: 1}
	s := NewScheduler(zaptest.NewLogger(t), DefaultClassWeights, nil)
	s.Submit(Task{PG: pgID, Class: ClassClient, Run: func(context.Context) {}})
	s.Submit(Task{PG: pgID, Class: ClassRecovery, Run: func(context.Context) {}})
	assert.Equal(t, 2, s.Pending())
}
