// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pg

import (
	"context"
	"sync"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/peering"
	"storj.io/pgd/pkg/pglog"
	"storj.io/pgd/pkg/recovery"
	"storj.io/pgd/pkg/replication"
	"storj.io/pgd/pkg/wire"
)

var mon = monkit.Package()

// Service is the handle a PG holds back to the node service (spec §9
// "Cyclic references": "PG→service as an immutable reference established
// at construction"). It exposes exactly what a PG needs from its shared
// layer, never the registry itself.
type Service interface {
	SelfNode() string
	LocalReserver() *recovery.Reserver
	RemoteReserver(node string) *recovery.Reserver
	PastIntervals(pg objectid.PGID) clustermap.PastIntervals
}

// PG is one placement group: backend + log + peering + recovery,
// composed rather than inherited so the same orchestration code serves
// both replicated and erasure-coded pools (spec §9 "Polymorphic
// backends").
type PG struct {
	log     *zap.Logger
	id      objectid.PGID
	service Service

	mu      sync.Mutex
	backend PgBackend
	pglog   *pglog.Log
	machine *peering.Machine
	write   *replication.WritePath
	recov   *recovery.Engine
	backfill *recovery.Backfill

	clean bool
}

// New constructs a PG and wires its peering machine's Deps to drive the
// log, recovery, and backend through this PG's own methods -- the
// concrete glue spec §9 describes as issuing I/O asynchronously and
// re-entering the PG's worker on completion.
func New(log *zap.Logger, id objectid.PGID, selfNode string, service Service, backend PgBackend,
	plog *pglog.Log, write *replication.WritePath, recov *recovery.Engine) *PG {
	p := &PG{
		log:     log,
		id:      id,
		service: service,
		backend: backend,
		pglog:   plog,
		write:   write,
		recov:   recov,
	}

	deps := peering.Deps{
		Activate: p.onActivate,
		BecomeStray: p.onBecomeStray,
		MarkIncomplete: p.onMarkIncomplete,
		PastIntervalPeers: func(sinceEpoch uint64) []string {
			return service.PastIntervals(id).MightHaveAccepted(sinceEpoch, p.machine.UpSet)
		},
	}
	p.machine = peering.NewMachine(log, id, selfNode, deps)

	if recov != nil {
		recov.OnComplete(p.onRecoveryComplete)
	}
	return p
}

// ID returns this PG's identifier.
func (p *PG) ID() objectid.PGID { return p.id }

// HandleMapAdvance feeds a new map epoch to the peering machine,
// discarding any in-flight peering interval per spec §5 "Cancellation and
// timeouts".
func (p *PG) HandleMapAdvance(m *clustermap.Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machine.React(peering.EventMapAdvance{Map: m})
	if p.write != nil {
		p.write.SetEpoch(m.Epoch)
	}
}

// React forwards an arbitrary peering event, used by the node dispatcher
// once it has decoded a wire message into the right Event type.
func (p *PG) React(ev peering.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machine.React(ev)
}

// StateName reports the current peering state, for admin output.
func (p *PG) StateName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.StateName()
}

// Epoch reports the map epoch this PG's write path currently assumes,
// used by the scheduler to discard ops queued against a stale epoch (spec
// §4.1 "if the PG has advanced past that epoch the op is re-queued or
// discarded").
func (p *PG) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.write == nil {
		return 0
	}
	return p.write.Epoch()
}

// Submit runs the write path for a client op against the current acting
// set, refusing if the PG isn't Active (spec §4.4 step 1).
func (p *PG) Submit(ctx context.Context, op replication.Op) (replication.Result, error) {
	defer mon.Task()(&ctx)(nil)

	p.mu.Lock()
	active := p.machine.StateName() == "Primary/Active"
	acting := append([]string(nil), p.machine.ActingSet...)
	p.mu.Unlock()

	if !active {
		return replication.Result{}, replication.ErrNotActive
	}
	return p.write.Submit(ctx, op, acting)
}

// HandleSubOp applies a primary-dispatched sub-op against this PG's
// backend (spec §4.4 step 7), reached from the live process through the
// node dispatcher's hashed-PG-id routing rather than only from tests.
func (p *PG) HandleSubOp(ctx context.Context, op wire.SubOpWrite) error {
	defer mon.Task()(&ctx)(nil)
	p.mu.Lock()
	backend := p.backend
	p.mu.Unlock()
	return backend.HandleSubOp(ctx, op)
}

// HandlePull answers a peer's pull request for object with this backend's
// current copy (or shard fragment), used by recovery and peering log pull.
func (p *PG) HandlePull(ctx context.Context, object objectid.ID, version objectid.Version) (wire.PullPush, error) {
	p.mu.Lock()
	backend := p.backend
	p.mu.Unlock()
	return backend.Pull(ctx, object, version)
}

// HandlePush applies a peer-pushed object's content locally, used by
// recovery and backfill.
func (p *PG) HandlePush(ctx context.Context, payload wire.PullPush) error {
	p.mu.Lock()
	backend := p.backend
	p.mu.Unlock()
	return backend.Push(ctx, payload)
}

// MarkLost resolves object out of this PG's missing set without
// recovering it, the admin "mark unfound lost" verb (spec §6).
func (p *PG) MarkLost(object objectid.ID) error {
	if p.recov == nil {
		return Error.New("pg %s has no recovery engine", p.id)
	}
	if !p.recov.MarkLost(object) {
		return Error.New("object %s is not in pg %s's missing set", object, p.id)
	}
	return nil
}

// ForceRecover drives this PG's entire pending missing set to completion
// immediately, the admin "force-recover" verb (spec §6).
func (p *PG) ForceRecover(ctx context.Context) error {
	if p.recov == nil {
		return Error.New("pg %s has no recovery engine", p.id)
	}
	return p.recov.RunAllPending(ctx)
}

// ForceBackfill drives this PG's attached backfill target to completion
// immediately, the admin "force-backfill" verb (spec §6). batchSize
// bounds how many objects one Run pass walks per iteration.
func (p *PG) ForceBackfill(ctx context.Context, batchSize int) error {
	p.mu.Lock()
	b := p.backfill
	p.mu.Unlock()
	if b == nil {
		return Error.New("pg %s has no backfill target configured", p.id)
	}
	return b.Run(ctx, batchSize)
}

// WaitForObject suspends until object is no longer in the recovery
// engine's missing set (spec §4.5 "the client op blocks on a per-object
// condition that the recovery completion signals").
func (p *PG) WaitForObject(ctx context.Context, object objectid.ID) error {
	if p.recov == nil {
		return nil
	}
	return p.recov.WaitFor(ctx, object)
}

// SetBackfill attaches a backfill engine once peering decides this PG's
// recovery mode is backfill rather than log-based (spec §4.5 "Backfill").
func (p *PG) SetBackfill(b *recovery.Backfill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backfill = b
	if b != nil {
		b.OnComplete(p.onRecoveryComplete)
	}
}

// Clean reports whether recovery and backfill have both finished (spec
// §4.5 "Termination").
func (p *PG) Clean() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clean
}

func (p *PG) onActivate() {
	p.log.Info("pg active", zap.String("pg", p.id.String()))
}

func (p *PG) onBecomeStray() {
	p.log.Debug("pg stray", zap.String("pg", p.id.String()))
}

func (p *PG) onMarkIncomplete(reason string) {
	p.log.Warn("pg incomplete", zap.String("pg", p.id.String()), zap.String("reason", reason))
}

func (p *PG) onRecoveryComplete() {
	p.mu.Lock()
	p.clean = p.backfill == nil || p.backfill.Done()
	p.mu.Unlock()
	if p.clean {
		p.log.Info("pg clean", zap.String("pg", p.id.String()))
	}
}
