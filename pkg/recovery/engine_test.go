// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/wire"
)

func TestEngineRecoversSingleObjectAndSignalsWaiter(t *testing.T) {
	log := zaptest.NewLogger(t)
	pg := objectid.PGID{PoolID: 1, Seq: 1, Shard: objectid.NoShard}
	obj := objectid.ID{PoolID: 1, Name: []byte("x")}

	pushed := make(chan wire.PullPush, 1)
	pull := func(ctx context.Context, holder string, object objectid.ID, version objectid.Version) (wire.PullPush, error) {
		return wire.PullPush{Object: object, Version: version, Data: []byte("v1")}, nil
	}
	push := func(ctx context.Context, needer string, p wire.PullPush) error {
		pushed <- p
		return nil
	}

	local := NewReserver(2)
	e := NewEngine(log, pg, pull, push, local, nil)
	e.SetNeeds([]Need{{Object: obj, Want: objectid.Version{Epoch: 1, Counter: 1}, Needer: "B", Source: "A"}})

	var completed bool
	e.OnComplete(func() { completed = true })

	waitDone := make(chan error, 1)
	go func() { waitDone <- e.WaitFor(context.Background(), obj) }()

	require.NoError(t, e.RunOne(context.Background(), Need{Object: obj, Want: objectid.Version{Epoch: 1, Counter: 1}, Needer: "B", Source: "A"}, PriorityDegraded))

	select {
	case p := <-pushed:
		assert.Equal(t, "v1", string(p.Data))
	case <-time.After(time.Second):
		t.Fatal("expected push to happen")
	}

	select {
	case err := <-waitDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be signaled")
	}
	assert.True(t, completed)
	assert.Empty(t, e.Pending())
}

func TestEngineWaitForReturnsImmediatelyWhenNotPending(t *testing.T) {
	log := zaptest.NewLogger(t)
	pg := objectid.PGID{PoolID: 1, Seq: 1}
	e := NewEngine(log, pg, nil, nil, NewReserver(1), nil)

	err := e.WaitFor(context.Background(), objectid.ID{PoolID: 1, Name: []byte("y")})
	assert.NoError(t, err)
}
