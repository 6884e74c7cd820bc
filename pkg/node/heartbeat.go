// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/pgd/pkg/wire"
)

// Pinger sends a ping to partner over the named link ("front" or "back")
// and reports whether a pong arrived before the deadline (spec §4.1
// "Heartbeat", §6 "Ping / pong").
type Pinger interface {
	Ping(ctx context.Context, partner, link string, deadline time.Duration) error
}

// Heartbeat tracks liveness of this node's peers over both the front
// (client-facing) and back (cluster-internal) networks, feeding
// EventPeerDown into affected PGs' peering machines once a peer fails
// enough consecutive probes (spec §4.1 "Heartbeat").
type Heartbeat struct {
	log      *zap.Logger
	ping     Pinger
	interval time.Duration
	failAt   int // consecutive failures before declaring a peer down

	mu      sync.Mutex
	streaks map[string]int
	down    map[string]bool
	onDown  func(partner string)
	onUp    func(partner string)
}

// NewHeartbeat constructs a Heartbeat prober.
func NewHeartbeat(log *zap.Logger, ping Pinger, interval time.Duration, failAt int) *Heartbeat {
	if failAt < 1 {
		failAt = 1
	}
	return &Heartbeat{
		log:      log,
		ping:     ping,
		interval: interval,
		failAt:   failAt,
		streaks:  map[string]int{},
		down:     map[string]bool{},
	}
}

// OnDown registers a callback invoked the moment a partner is newly
// declared down, matching the "proof that the peer is down" input peering
// uses in Primary/Peering/GetInfo (spec §4.3).
func (h *Heartbeat) OnDown(fn func(partner string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDown = fn
}

// OnUp registers a callback invoked when a previously-down partner
// answers again.
func (h *Heartbeat) OnUp(fn func(partner string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUp = fn
}

// Watch adds partner to the probe set, starting its streak at zero.
func (h *Heartbeat) Watch(partner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streaks[partner]; !ok {
		h.streaks[partner] = 0
	}
}

// Forget removes partner from the probe set, e.g. once no locally hosted
// PG has it in any acting or up set.
func (h *Heartbeat) Forget(partner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streaks, partner)
	delete(h.down, partner)
}

// IsDown reports whether partner is currently believed down.
func (h *Heartbeat) IsDown(partner string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down[partner]
}

// ProbeOnce pings every watched partner on both links once. Intended to
// be driven by an EventTimer tick (spec §4.3 "Timers are only for
// liveness"), never itself a source of correctness.
func (h *Heartbeat) ProbeOnce(ctx context.Context) {
	h.mu.Lock()
	partners := make([]string, 0, len(h.streaks))
	for p := range h.streaks {
		partners = append(partners, p)
	}
	h.mu.Unlock()

	for _, partner := range partners {
		h.probe(ctx, partner)
	}
}

func (h *Heartbeat) probe(ctx context.Context, partner string) {
	// A probe fails only when the partner misses both links.
	err := h.ping.Ping(ctx, partner, "back", h.interval)
	if frontErr := h.ping.Ping(ctx, partner, "front", h.interval); frontErr == nil {
		err = nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.streaks[partner]++
		if h.streaks[partner] >= h.failAt && !h.down[partner] {
			h.down[partner] = true
			h.log.Warn("peer declared down", zap.String("partner", partner))
			if h.onDown != nil {
				onDown := h.onDown
				h.mu.Unlock()
				onDown(partner)
				h.mu.Lock()
			}
		}
		return
	}

	h.streaks[partner] = 0
	if h.down[partner] {
		h.down[partner] = false
		h.log.Info("peer recovered", zap.String("partner", partner))
		if h.onUp != nil {
			onUp := h.onUp
			h.mu.Unlock()
			onUp(partner)
			h.mu.Lock()
		}
	}
}

// WirePing builds the wire.Ping this node sends for one probe.
func WirePing(partner string, stampUnixNanos int64, link string) wire.Ping {
	return wire.Ping{Partner: partner, Stamp: stampUnixNanos, Link: link}
}
