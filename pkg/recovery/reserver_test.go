// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/pgd/pkg/objectid"
)

func TestReserverGrantsWithinCapacity(t *testing.T) {
	r := NewReserver(2)
	pgA := objectid.PGID{PoolID: 1, Seq: 1}
	pgB := objectid.PGID{PoolID: 1, Seq: 2}

	grantA, _ := r.Acquire(pgA, PriorityBackground)
	grantB, _ := r.Acquire(pgB, PriorityBackground)

	select {
	case <-grantA:
	default:
		t.Fatal("expected immediate grant for A")
	}
	select {
	case <-grantB:
	default:
		t.Fatal("expected immediate grant for B")
	}
}

func TestReserverPreemptsLowerPriority(t *testing.T) {
	r := NewReserver(1)
	pgLow := objectid.PGID{PoolID: 1, Seq: 1}
	pgHigh := objectid.PGID{PoolID: 1, Seq: 2}

	lowGrant, lowYield := r.Acquire(pgLow, PriorityBackground)
	select {
	case <-lowGrant:
	default:
		t.Fatal("expected immediate grant")
	}

	highGrant, _ := r.Acquire(pgHigh, PriorityClientBlocked)
	select {
	case <-highGrant:
		t.Fatal("high priority must wait for the preempted holder to yield")
	default:
	}

	select {
	case <-lowYield:
	default:
		t.Fatal("expected low-priority holder to be asked to yield")
	}

	r.Release(pgLow)
	select {
	case <-highGrant:
	default:
		t.Fatal("expected high priority grant after release")
	}
}

func TestReserverQueuesAtEqualPriority(t *testing.T) {
	r := NewReserver(1)
	pgA := objectid.PGID{PoolID: 1, Seq: 1}
	pgB := objectid.PGID{PoolID: 1, Seq: 2}

	grantA, _ := r.Acquire(pgA, PriorityDegraded)
	require.NotNil(t, grantA)
	grantB, _ := r.Acquire(pgB, PriorityDegraded)

	select {
	case <-grantB:
		t.Fatal("equal priority must queue, not preempt")
	default:
	}

	r.Release(pgA)
	select {
	case <-grantB:
	default:
		t.Fatal("expected queued request granted after release")
	}
	assert.True(t, true)
}
