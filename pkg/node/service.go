// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"sync"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/recovery"
)

// NodeService is the production implementation of pg.Service: the shared
// layer every locally hosted PG is constructed against (spec §9 "Cyclic
// references"). One NodeService is shared by every PG on the node.
type NodeService struct {
	selfID string
	local  *recovery.Reserver

	remoteMu sync.Mutex
	remote   map[string]*recovery.Reserver

	intervalsMu sync.Mutex
	intervals   map[objectid.PGID]*clustermap.PastIntervals

	remoteCapacity int
}

// NewNodeService constructs a NodeService for selfID, with localCapacity
// bounding concurrent local recovery I/O across every hosted PG and
// remoteCapacity bounding concurrent recovery I/O against any one remote
// peer (spec §4.5 "Concurrency controls").
func NewNodeService(selfID string, localCapacity, remoteCapacity int) *NodeService {
	return &NodeService{
		selfID:         selfID,
		local:          recovery.NewReserver(localCapacity),
		remote:         map[string]*recovery.Reserver{},
		intervals:      map[objectid.PGID]*clustermap.PastIntervals{},
		remoteCapacity: remoteCapacity,
	}
}

// SelfNode returns this node's own id.
func (s *NodeService) SelfNode() string { return s.selfID }

// LocalReserver returns the node-wide reservation pool for recovery I/O
// this node performs locally.
func (s *NodeService) LocalReserver() *recovery.Reserver { return s.local }

// RemoteReserver returns the reservation pool against node, creating it
// lazily on first use.
func (s *NodeService) RemoteReserver(node string) *recovery.Reserver {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	r, ok := s.remote[node]
	if !ok {
		r = recovery.NewReserver(s.remoteCapacity)
		s.remote[node] = r
	}
	return r
}

// PastIntervals returns pg's recorded acting-set history, empty if none
// has been recorded yet (a PG that has never changed acting set, as in a
// single-node bootstrap deployment, has nothing to report).
func (s *NodeService) PastIntervals(pg objectid.PGID) clustermap.PastIntervals {
	s.intervalsMu.Lock()
	defer s.intervalsMu.Unlock()
	p, ok := s.intervals[pg]
	if !ok {
		return clustermap.PastIntervals{}
	}
	return *p
}

// RecordInterval appends a newly closed acting-set interval for pg, called
// whenever a map advance changes pg's acting set (spec §3 "Past
// intervals").
func (s *NodeService) RecordInterval(pg objectid.PGID, iv clustermap.Interval) {
	s.intervalsMu.Lock()
	defer s.intervalsMu.Unlock()
	p, ok := s.intervals[pg]
	if !ok {
		p = &clustermap.PastIntervals{}
		s.intervals[pg] = p
	}
	p.Append(iv)
}
