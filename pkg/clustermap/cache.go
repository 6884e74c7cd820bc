// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package clustermap

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// Error is the error class for clustermap failures.
var Error = errs.Class("pgd/clustermap")

var mon = monkit.Package()

// Source fetches map epochs this node doesn't have, bridging gaps in the
// subscription stream by asking the monitor service or a peer for a range
// (spec §4.1 "Map cache").
type Source interface {
	// FetchRange returns every epoch in [from, to], inclusive, in order.
	FetchRange(ctx context.Context, from, to uint64) ([]*Map, error)
}

// Cache holds an ordered sequence of immutable cluster-map epochs,
// read-mostly and copy-on-write: readers take a reference to an immutable
// map snapshot, and Advance holds the write lock only long enough to
// install the new epoch (spec §5 "Shared resources").
type Cache struct {
	log    *zap.Logger
	source Source

	mu      sync.RWMutex
	epochs  map[uint64]*Map
	latest  uint64
	oldest  uint64
	pinned  map[uint64]int // reference counts keeping an epoch from being trimmed
}

// NewCache constructs an empty map cache seeded with the given starting
// epoch.
func NewCache(log *zap.Logger, source Source, seed *Map) *Cache {
	c := &Cache{
		log:    log,
		source: source,
		epochs: map[uint64]*Map{seed.Epoch: seed},
		latest: seed.Epoch,
		oldest: seed.Epoch,
		pinned: map[uint64]int{},
	}
	return c
}

// Latest returns the newest known map epoch.
func (c *Cache) Latest() *Map {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[c.latest]
}

// Get returns the map at the given epoch, fetching any gap from Source if
// necessary.
func (c *Cache) Get(ctx context.Context, epoch uint64) (*Map, error) {
	defer mon.Task()(&ctx)(nil)

	c.mu.RLock()
	if m, ok := c.epochs[epoch]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	latest := c.latest
	c.mu.RUnlock()

	if epoch > latest {
		if err := c.fillGap(ctx, latest+1, epoch); err != nil {
			return nil, err
		}
	} else {
		if err := c.fillGap(ctx, epoch, epoch); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.epochs[epoch]
	if !ok {
		return nil, Error.New("epoch %d unavailable after fetch", epoch)
	}
	return m, nil
}

func (c *Cache) fillGap(ctx context.Context, from, to uint64) error {
	maps, err := c.source.FetchRange(ctx, from, to)
	if err != nil {
		return Error.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range maps {
		c.epochs[m.Epoch] = m
		if m.Epoch > c.latest {
			c.latest = m.Epoch
		}
		if m.Epoch < c.oldest {
			c.oldest = m.Epoch
		}
	}
	return nil
}

// Advance installs a newly received map epoch, extending the latest known
// epoch. If the incoming epoch leaves a gap after the current latest, the
// gap is filled from Source before Advance returns (spec §3 "gaps are
// filled by requesting ranges from peers").
func (c *Cache) Advance(ctx context.Context, m *Map) error {
	defer mon.Task()(&ctx)(nil)

	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()

	if m.Epoch > latest+1 {
		if err := c.fillGap(ctx, latest+1, m.Epoch-1); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.epochs[m.Epoch] = m
	if m.Epoch > c.latest {
		c.latest = m.Epoch
	}
	c.mu.Unlock()
	c.log.Debug("map advanced", zap.Uint64("epoch", m.Epoch))
	return nil
}

// Pin increments the reference count protecting epoch from trim. Used
// while a PG's past-interval graph references an epoch outside the
// otherwise-trimmable range (spec §9 "Cyclic references").
func (c *Cache) Pin(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[epoch]++
}

// Unpin releases a reference taken by Pin.
func (c *Cache) Unpin(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[epoch] > 0 {
		c.pinned[epoch]--
		if c.pinned[epoch] == 0 {
			delete(c.pinned, epoch)
		}
	}
}

// TrimBelow removes cached epochs older than minReferenced, except those
// still pinned, implementing "maps older than the oldest epoch any PG
// still references are trimmed" (spec §4.1).
func (c *Cache) TrimBelow(minReferenced uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var kept []uint64
	for epoch := range c.epochs {
		if epoch >= minReferenced || c.pinned[epoch] > 0 {
			kept = append(kept, epoch)
			continue
		}
		delete(c.epochs, epoch)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	if len(kept) > 0 {
		c.oldest = kept[0]
	}
}
