// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package clustermap models the cluster map: monotonically increasing
// epochs, per-pool definitions, and the deterministic placement function
// that derives each PG's up set and acting set (spec §3, §4.1).
package clustermap

import (
	"storj.io/pgd/pkg/objectid"
)

// PoolDef is a pool's replication policy, as carried by every map epoch.
type PoolDef struct {
	PoolID       int64
	ReplicaCount int    // for replicated pools
	ECDataShards int    // k, 0 for replicated pools
	ECParity     int    // m, 0 for replicated pools
	PGCount      uint32 // number of PG ids hashed within this pool
}

// IsErasureCoded reports whether this pool stripes with parity rather than
// fully replicating.
func (p PoolDef) IsErasureCoded() bool { return p.ECDataShards > 0 }

// NodeStatus carries a node's up/in flags as of one map epoch.
type NodeStatus struct {
	NodeID string
	Up     bool
	In     bool
	// Weight is this node's placement weight; zero removes it from
	// placement consideration without marking it explicitly down.
	Weight float64
}

// Map is one immutable cluster-map epoch.
type Map struct {
	Epoch uint64
	Pools map[int64]PoolDef
	Nodes map[string]NodeStatus
	// order is the deterministic placement order for a (pool, seq) pair,
	// precomputed by whoever constructs the map (the monitor quorum, in
	// the real system) using a weighted hierarchical placement function.
	// pgd treats placement as a pure function of the map plus PG id, not
	// something it computes itself; order supplies that function's
	// output directly, keeping pgd's own code free of the placement
	// algorithm's weighting detail.
	order map[objectid.PGID][]string
}

// NewMap constructs a map epoch. order supplies the precomputed placement
// order (up set, before down-node filtering) for every PG id this epoch
// cares about.
func NewMap(epoch uint64, pools map[int64]PoolDef, nodes map[string]NodeStatus, order map[objectid.PGID][]string) *Map {
	return &Map{Epoch: epoch, Pools: pools, Nodes: nodes, order: order}
}

// UpSet returns the intended members of pg at this epoch: the placement
// order filtered to nodes marked in+up, without further degradation for
// transient failures.
func (m *Map) UpSet(pg objectid.PGID) []string {
	order := m.order[pg]
	out := make([]string, 0, len(order))
	for _, n := range order {
		if st, ok := m.Nodes[n]; ok && st.Up && st.In {
			out = append(out, n)
		}
	}
	return out
}

// ActingSet returns the members currently responsible for pg. In this
// model the acting set equals the up set; degradation (an acting set
// smaller than the up set) happens only through peering's own judgment of
// which up-set members have actually finished peering, which lives in
// pkg/peering, not here. ActingSet is therefore the placement-only half of
// "acting set" from spec §3; peering narrows it further when members are
// not yet usable.
func (m *Map) ActingSet(pg objectid.PGID) []string {
	return m.UpSet(pg)
}

// Contains reports whether node is a member of pg's up set at this epoch.
func (m *Map) Contains(pg objectid.PGID, node string) bool {
	for _, n := range m.UpSet(pg) {
		if n == node {
			return true
		}
	}
	return false
}
