// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Command pgd is the placement-group daemon entrypoint: a single
// long-lived process hosting many PGs behind a shared node service (spec
// §1, §4.1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storj.io/pgd/pkg/admin"
	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/config"
	"storj.io/pgd/pkg/node"
	"storj.io/pgd/pkg/nodedb"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/objectstore"
	"storj.io/pgd/pkg/objectstore/boltstore"
	"storj.io/pgd/pkg/peering"
	"storj.io/pgd/pkg/pg"
	"storj.io/pgd/pkg/pglog"
	"storj.io/pgd/pkg/recovery"
	"storj.io/pgd/pkg/replication"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pgd",
		Short: "placement group daemon",
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the pgd daemon",
		RunE:  runServe,
	}
	config.Flags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfgSource, err := config.Load(logger, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	snapshot := cfgSource.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openObjectStore(snapshot)
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := nodedb.Open(ctx, logger, snapshot.NodeDBPath)
	if err != nil {
		return fmt.Errorf("opening node database: %w", err)
	}
	defer db.Close()

	registry := node.NewRegistry(logger, snapshot.ShardCount)
	live := cfgSource.Live()
	service := node.NewNodeService(snapshot.NodeID, live.RecoveryConcurrency, live.RecoveryConcurrency)
	locker := replication.NewKeyLocker()

	bootstrapMap := bootstrapClusterMap(snapshot)
	hostBootstrapPGs(logger, store, registry, service, locker, bootstrapMap, snapshot.NodeID)

	schedulers := make([]*node.Scheduler, snapshot.ShardCount)
	currentEpoch := func(id objectid.PGID) uint64 {
		if p, ok := registry.Get(id); ok {
			return p.Epoch()
		}
		return 0
	}
	for i := range schedulers {
		schedulers[i] = node.NewScheduler(logger, live.ClassWeights, currentEpoch)
		go runScheduler(ctx, logger, schedulers[i])
	}

	heartbeat := node.NewHeartbeat(logger, noopPinger{}, live.HeartbeatInterval, 3)
	heartbeat.OnDown(func(partner string) {
		logger.Warn("heartbeat declared partner down", zap.String("partner", partner))
	})
	heartbeat.OnUp(func(partner string) {
		logger.Info("heartbeat sees partner up again", zap.String("partner", partner))
	})
	go runHeartbeat(ctx, heartbeat, live.HeartbeatInterval)

	adminSrv := admin.NewServer(logger, snapshot.AdminSocket, admin.Handlers{
		ListPGs: func() []objectid.PGID {
			var ids []objectid.PGID
			for _, p := range registry.All() {
				ids = append(ids, p.ID())
			}
			return ids
		},
		DumpPGInfo: func(id objectid.PGID) (admin.PGInfoView, error) {
			p, ok := registry.Get(id)
			if !ok {
				return admin.PGInfoView{}, fmt.Errorf("pg %s not hosted here", id)
			}
			return admin.PGInfoView{ID: id, State: p.StateName(), Clean: p.Clean()}, nil
		},
		QueryPGState: func(id objectid.PGID) (string, error) {
			p, ok := registry.Get(id)
			if !ok {
				return "", fmt.Errorf("pg %s not hosted here", id)
			}
			return p.StateName(), nil
		},
		MarkLost: func(id objectid.PGID, object objectid.ID) error {
			p, ok := registry.Get(id)
			if !ok {
				return fmt.Errorf("pg %s not hosted here", id)
			}
			return p.MarkLost(object)
		},
		ForceRecover: func(id objectid.PGID) error {
			p, ok := registry.Get(id)
			if !ok {
				return fmt.Errorf("pg %s not hosted here", id)
			}
			return p.ForceRecover(ctx)
		},
		ForceBackfill: func(id objectid.PGID, target string) error {
			p, ok := registry.Get(id)
			if !ok {
				return fmt.Errorf("pg %s not hosted here", id)
			}
			_ = target // the backfill target is the one attached with PG.SetBackfill; this verb only kicks the run
			return p.ForceBackfill(ctx, cfgSource.Live().BackfillBatchSize)
		},
		SetDebug: func(enabled bool) {
			logger.Info("debug logging toggled via admin socket", zap.Bool("enabled", enabled))
		},
	})
	if err := adminSrv.Listen(); err != nil {
		return fmt.Errorf("starting admin socket: %w", err)
	}
	go func() {
		if err := adminSrv.Serve(ctx); err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	defer adminSrv.Close()

	logger.Info("pgd started",
		zap.String("node_id", snapshot.NodeID),
		zap.String("listen_front", snapshot.ListenFront),
		zap.String("listen_back", snapshot.ListenBack),
		zap.Int("shard_count", snapshot.ShardCount),
		zap.Int("pg_count", registry.Count()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("pgd shutting down")
	cancel()
	return nil
}

// bootstrapClusterMap synthesizes the single-node cluster map this
// process serves without a monitor quorum (spec §1 treats the monitor
// quorum as an external collaborator): one pool, this node as sole acting
// member of every PG id in it.
func bootstrapClusterMap(snapshot config.Snapshot) *clustermap.Map {
	pools := map[int64]clustermap.PoolDef{
		snapshot.BootstrapPoolID: {
			PoolID:       snapshot.BootstrapPoolID,
			ReplicaCount: snapshot.BootstrapReplicaCount,
			PGCount:      snapshot.BootstrapPGCount,
		},
	}
	nodes := map[string]clustermap.NodeStatus{
		snapshot.NodeID: {NodeID: snapshot.NodeID, Up: true, In: true, Weight: 1},
	}
	order := make(map[objectid.PGID][]string, snapshot.BootstrapPGCount)
	for seq := uint32(0); seq < snapshot.BootstrapPGCount; seq++ {
		id := objectid.PGID{PoolID: snapshot.BootstrapPoolID, Seq: seq, Shard: objectid.NoShard}
		order[id] = []string{snapshot.NodeID}
	}
	return clustermap.NewMap(1, pools, nodes, order)
}

// hostBootstrapPGs constructs and registers one PG per id in m's placement
// order, then drives each straight to Active: a single-node acting set
// never needs real peering ("up-thru" is trivially already caught up), so
// the synthetic EventUpThruAcked below stands in for what a real
// Primary/Peering round would otherwise establish (spec §4.3).
func hostBootstrapPGs(log *zap.Logger, store objectstore.Store, registry *node.Registry, service *node.NodeService,
	locker replication.ObjectLocker, m *clustermap.Map, selfID string) {
	for id := range mapOrder(m) {
		coll := objectstore.CollectionKey{PG: id}
		backend := pg.NewReplicatedBackend(store, coll)
		plog := pglog.NewLog(log, id, 1000, 1000)
		write := replication.New(log, id, store, coll, plog, locker, nil, backend, selfID)
		recov := recovery.NewEngine(log, id, nil, nil, service.LocalReserver(), service.RemoteReserver)

		p := pg.New(log, id, selfID, service, backend, plog, write, recov)
		registry.Put(p)

		p.HandleMapAdvance(m)
		p.React(peering.EventUpThruAcked{Epoch: m.Epoch})
	}
}

// mapOrder re-derives each bootstrapped PG id's up set from m, since Map
// doesn't export its placement order directly.
func mapOrder(m *clustermap.Map) map[objectid.PGID][]string {
	out := map[objectid.PGID][]string{}
	for pool, def := range m.Pools {
		for seq := uint32(0); seq < def.PGCount; seq++ {
			id := objectid.PGID{PoolID: pool, Seq: seq, Shard: objectid.NoShard}
			out[id] = m.UpSet(id)
		}
	}
	return out
}

// runScheduler drives one worker shard's scheduler loop until ctx is
// done, giving node.Scheduler a live caller instead of only a test one.
func runScheduler(ctx context.Context, log *zap.Logger, s *node.Scheduler) {
	for {
		if err := s.RunOne(ctx); err != nil {
			return
		}
	}
}

// runHeartbeat drives periodic liveness probing of every watched partner.
// No partner is ever watched in the single-node bootstrap configuration,
// so ProbeOnce is a no-op until a real cluster map starts populating other
// nodes' acting-set membership.
func runHeartbeat(ctx context.Context, h *node.Heartbeat, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.ProbeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// noopPinger stands in for the real transport's Pinger (spec §1 treats
// the messenger/transport as out of scope): it is never called unless a
// future cluster map starts watching other nodes.
type noopPinger struct{}

func (noopPinger) Ping(ctx context.Context, partner, link string, deadline time.Duration) error {
	return nil
}

func openObjectStore(snapshot config.Snapshot) (*boltstore.Store, error) {
	if err := os.MkdirAll(snapshot.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := snapshot.DataDir + "/objects.db"
	store, err := boltstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}
	var _ objectstore.Store = store
	return store, nil
}
