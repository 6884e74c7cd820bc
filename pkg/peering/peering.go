// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package peering implements the per-PG hierarchical peering state
// machine (spec §4.3): after every acting-set change, a PG re-agrees on
// its authoritative log and content before serving I/O again.
//
// States never block a thread waiting on I/O. Every transition is driven
// by an external Event -- a map advance, a message arrival, a timer fire,
// or a sub-operation completion -- delivered through Machine.React, the
// way spec §9 "Coroutine / async style" requires: enter/exit/react, not
// long-lived goroutines parked on channels.
package peering

import (
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/clustermap"
	"storj.io/pgd/pkg/objectid"
	"storj.io/pgd/pkg/wire"
)

// Error is the error class for peering failures.
var Error = errs.Class("pgd/peering")

var mon = monkit.Package()

// Role is this node's role in the current acting set.
type Role int

// Roles a node can hold for a PG.
const (
	RoleNone Role = iota
	RolePrimary
	RoleReplica
)

// State is one node of the hierarchical peering state machine. Enter and
// Exit run synchronously on the PG's worker when the transition happens;
// React consumes one Event and returns the next State (itself, to stay).
type State interface {
	Name() string
	Enter(m *Machine)
	Exit(m *Machine)
	React(m *Machine, ev Event) State
}

// Event is anything that can drive a peering transition.
type Event interface{ isEvent() }

// EventMapAdvance fires when the node service hands the PG a newer map
// epoch.
type EventMapAdvance struct{ Map *clustermap.Map }

func (EventMapAdvance) isEvent() {}

// EventNotify fires when a peer's PGNotify reply arrives.
type EventNotify struct {
	From   string
	Notify wire.PGNotify
}

func (EventNotify) isEvent() {}

// EventPeerDown fires when the heartbeat subsystem proves a queried peer
// is unreachable, standing in for "proof that the peer is down" (spec
// §4.3 Primary/Peering/GetInfo).
type EventPeerDown struct{ Node string }

func (EventPeerDown) isEvent() {}

// EventLogPulled fires when a requested peer log arrives.
type EventLogPulled struct {
	From string
	Log  wire.PGLog
}

func (EventLogPulled) isEvent() {}

// EventUpThruAcked fires when a map advance shows the monitor's up-thru
// update for this node and epoch.
type EventUpThruAcked struct{ Epoch uint64 }

func (EventUpThruAcked) isEvent() {}

// EventTimer fires on a liveness timer; correctness never depends on it
// (spec §4.3 "Timers are only for liveness").
type EventTimer struct{ Now time.Time }

func (EventTimer) isEvent() {}

// EventSubOpComplete fires when an async sub-operation the current state
// issued (a query fan-out, a log pull) completes.
type EventSubOpComplete struct {
	Tag string
	Err error
}

func (EventSubOpComplete) isEvent() {}

// PeerView is what peering currently believes about one queried peer.
type PeerView struct {
	Info    wire.PGInfo
	Got     bool
	Down    bool
}

// Machine is one PG's peering state machine plus the transient state its
// States read and write. A Machine is owned by exactly one PG worker
// (spec §5); nothing here is safe for concurrent access from two
// goroutines.
type Machine struct {
	log  *zap.Logger
	pgID objectid.PGID

	State State

	SelfNode string
	Role     Role
	Epoch    uint64
	IntervalID uint64 // bumped on every Reset; used to discard stale replies

	UpSet        []string
	ActingSet    []string
	QuerySet     []string // up set + past-interval peers that might have accepted writes
	Peers        map[string]*PeerView

	AuthoritativeNode string
	AuthoritativeInfo wire.PGInfo

	Incomplete bool
	IncompleteReason string

	// Deps are the callbacks a concrete deployment wires in; the state
	// machine itself never calls the network or the object store
	// directly, keeping it unit-testable without either (spec §9
	// "Coroutine / async style": I/O is issued asynchronously by the
	// surrounding component, not by the FSM).
	Deps Deps
}

// Deps are the effects a Machine's states trigger. Every method is
// expected to be non-blocking: it starts work and the result comes back
// later as an Event.
type Deps struct {
	QueryPeer   func(node string, q wire.PGQuery)
	PullLog     func(node string, from objectid.Version)
	RequestUpThru func(epoch uint64)
	Activate    func()          // invoked when Active is entered
	BecomeStray func()          // invoked when Stray is entered
	MarkIncomplete func(reason string)
	// PastIntervalPeers returns every node that might have accepted
	// writes in some past interval since the given epoch and is not
	// already in the current up set, per spec §4.3's GetInfo query
	// target (clustermap.PastIntervals.MightHaveAccepted). Consulted by
	// ResetState when building the primary's QuerySet.
	PastIntervalPeers func(sinceEpoch uint64) []string
}

// NewMachine constructs a Machine in the Reset state for pgID, owned by
// selfNode.
func NewMachine(log *zap.Logger, pgID objectid.PGID, selfNode string, deps Deps) *Machine {
	m := &Machine{
		log:      log,
		pgID:     pgID,
		SelfNode: selfNode,
		Peers:    map[string]*PeerView{},
		Deps:     deps,
	}
	m.transition(&ResetState{})
	return m
}

// React delivers ev to the current state and performs any resulting
// transition, running Exit/Enter as needed.
func (m *Machine) React(ev Event) {
	defer mon.Task()(nil)(nil)
	next := m.State.React(m, ev)
	if next != nil && next != m.State {
		m.transition(next)
	}
}

func (m *Machine) transition(next State) {
	if m.State != nil {
		m.log.Debug("peering exit", zap.String("pg", m.pgID.String()), zap.String("state", m.State.Name()))
		m.State.Exit(m)
	}
	m.State = next
	m.log.Debug("peering enter", zap.String("pg", m.pgID.String()), zap.String("state", next.Name()))
	next.Enter(m)
}

// StateName reports the current state's name, for admin/debug output.
func (m *Machine) StateName() string {
	if m.State == nil {
		return ""
	}
	return m.State.Name()
}
