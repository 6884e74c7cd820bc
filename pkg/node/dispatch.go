// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"context"

	"go.uber.org/zap"

	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/peering"
	"storj.io/pgd/pkg/wire"
)

// Dispatcher routes decoded client and peer wire messages to the locally
// hosted PG they target, keyed by hashed PG id (spec §2 "Dispatcher").
// Registry.ShardFor already computes that hash for registry ownership, so
// Dispatcher is a thin decode-then-Registry.Get layer rather than a
// second hashing scheme: the transport that hands it decoded messages is
// out of scope (spec §1 "Messenger"), but routing them once decoded is
// not.
type Dispatcher struct {
	log      *zap.Logger
	registry *Registry
}

// NewDispatcher constructs a Dispatcher over registry.
func NewDispatcher(log *zap.Logger, registry *Registry) *Dispatcher {
	return &Dispatcher{log: log, registry: registry}
}

// DispatchSubOpWrite applies a primary-dispatched sub-op to the PG it
// names and reports the durable result, giving PgBackend.HandleSubOp
// (spec §4.4 step 7) its reachable path in the live process.
func (d *Dispatcher) DispatchSubOpWrite(ctx context.Context, op wire.SubOpWrite) wire.SubOpAck {
	p, ok := d.registry.Get(op.PG)
	if !ok {
		return wire.SubOpAck{Epoch: op.Epoch, PG: op.PG, Version: op.Version, OK: false, Err: Error.New("pg %s not hosted here", op.PG).Error()}
	}
	if err := p.HandleSubOp(ctx, op); err != nil {
		d.log.Debug("sub-op apply failed", zap.String("pg", op.PG.String()), zap.Error(err))
		return wire.SubOpAck{Epoch: op.Epoch, PG: op.PG, Version: op.Version, OK: false, Err: err.Error()}
	}
	return wire.SubOpAck{Epoch: op.Epoch, PG: op.PG, Version: op.Version, OK: true}
}

// DispatchNotify routes a peer's PGNotify reply into the queried PG's
// peering machine (spec §4.3). It reports false if this node does not
// host the named PG.
func (d *Dispatcher) DispatchNotify(from string, notify wire.PGNotify) bool {
	p, ok := d.registry.Get(notify.Info.PG)
	if !ok {
		return false
	}
	p.React(peering.EventNotify{From: from, Notify: notify})
	return true
}

// DispatchPull answers a peer's pull request for object against pgID's
// backend, for recovery and peering log pull (spec §4.5, §4.3).
func (d *Dispatcher) DispatchPull(ctx context.Context, pgID objectid.PGID, object objectid.ID, version objectid.Version) (wire.PullPush, error) {
	p, ok := d.registry.Get(pgID)
	if !ok {
		return wire.PullPush{}, Error.New("pg %s not hosted here", pgID)
	}
	return p.HandlePull(ctx, object, version)
}

// DispatchPush applies a peer-pushed object against pgID's backend, for
// recovery and backfill.
func (d *Dispatcher) DispatchPush(ctx context.Context, pgID objectid.PGID, payload wire.PullPush) error {
	p, ok := d.registry.Get(pgID)
	if !ok {
		return Error.New("pg %s not hosted here", pgID)
	}
	return p.HandlePush(ctx, payload)
}
