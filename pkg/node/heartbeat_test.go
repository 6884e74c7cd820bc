// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"
)

type fakePinger struct {
	mu  sync.Mutex
	err map[string]error
}

func (f *fakePinger) Ping(ctx context.Context, partner, link string, deadline time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err[partner]
}

func (f *fakePinger) setErr(partner string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err[partner] = err
}

func TestHeartbeatDeclaresDownAfterConsecutiveFailures(t *testing.T) {
	pinger := &fakePinger{err: map[string]error{}}
	h := NewHeartbeat(zaptest.NewLogger(t), pinger, time.Second, 3)
	h.Watch("B")

	var downCount int
	h.OnDown(func(partner string) { downCount++ })

	pinger.setErr("B", errs.New("unreachable"))
	h.ProbeOnce(context.Background())
	assert.False(t, h.IsDown("B"))
	h.ProbeOnce(context.Background())
	assert.False(t, h.IsDown("B"))
	h.ProbeOnce(context.Background())
	assert.True(t, h.IsDown("B"))
	assert.Equal(t, 1, downCount)

	pinger.setErr("B", nil)
	var upCount int
	h.OnUp(func(partner string) { upCount++ })
	h.ProbeOnce(context.Background())
	assert.False(t, h.IsDown("B"))
	assert.Equal(t, 1, upCount)
}
