// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package node implements the node-wide shared layer a PG is composed
// against: the sharded PG registry, the per-shard weighted-fair op
// scheduler, and the heartbeat subsystem (spec §4.1).
package node

import (
	"hash/fnv"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/pg"
)

// Error is the error class for node-service failures.
var Error = errs.Class("pgd/node")

// Registry maps PG id to its in-memory PG instance, sharded across N
// worker threads by a hash on PG id so a PG's mutable state is always
// touched from exactly one goroutine (spec §4.1 "PG registry", §5
// "Scheduling").
type Registry struct {
	log    *zap.Logger
	shards []*shard
}

type shard struct {
	mu  sync.Mutex
	pgs map[objectid.PGID]*pg.PG
}

// NewRegistry constructs a Registry with the given shard count (spec §4.1
// "sharded across N worker threads (N ≈ CPU count)").
func NewRegistry(log *zap.Logger, shardCount int) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	r := &Registry{log: log, shards: make([]*shard, shardCount)}
	for i := range r.shards {
		r.shards[i] = &shard{pgs: map[objectid.PGID]*pg.PG{}}
	}
	return r
}

// ShardFor returns the worker shard index that owns pgID, a pure
// function of the id so every caller agrees on ownership without
// consulting the registry.
func (r *Registry) ShardFor(pgID objectid.PGID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pgID.String()))
	return int(h.Sum32()) % len(r.shards)
}

// Put registers p under its own id, on its owning shard.
func (r *Registry) Put(p *pg.PG) {
	s := r.shards[r.ShardFor(p.ID())]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pgs[p.ID()] = p
}

// Get looks up the PG for id, if this node hosts it.
func (r *Registry) Get(id objectid.PGID) (*pg.PG, bool) {
	s := r.shards[r.ShardFor(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pgs[id]
	return p, ok
}

// Remove drops id from the registry, e.g. after the map removes this node
// from the PG's up set (spec §3 "Lifecycle").
func (r *Registry) Remove(id objectid.PGID) {
	s := r.shards[r.ShardFor(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pgs, id)
}

// All returns every locally hosted PG, for admin listing and heartbeat
// fan-out. The order is unspecified.
func (r *Registry) All() []*pg.PG {
	var out []*pg.PG
	for _, s := range r.shards {
		s.mu.Lock()
		for _, p := range s.pgs {
			out = append(out, p)
		}
		s.mu.Unlock()
	}
	return out
}

// Count returns the number of locally hosted PGs.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.pgs)
		s.mu.Unlock()
	}
	return n
}
