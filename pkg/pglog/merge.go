// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pglog

import (
	"fmt"

	"storj.io/pgd/pkg/objectid"
)

// ObjectVersions answers, for an object id, what version the local copy is
// currently at. Merge uses it to classify divergent entries (spec §4.2
// step 2) without pulling in the object-store package as a dependency.
type ObjectVersions interface {
	// LastUpdate returns the highest version known for id, or the zero
	// version if the object is not present locally.
	LastUpdate(id objectid.ID) objectid.Version
}

// DivergentAction is the resolution Merge picked for one divergent local
// entry (spec §4.2 step 2).
type DivergentAction int

const (
	// ActionNeedsRecovery marks the entry's object as missing: the
	// authoritative copy must be fetched from a peer.
	ActionNeedsRecovery DivergentAction = iota
	// ActionRollback means the entry carries enough data to be undone
	// byte-for-byte; no recovery fetch is required.
	ActionRollback
)

// Divergent describes one local log entry that diverged from the
// authoritative log and the action chosen to resolve it.
type Divergent struct {
	Entry  Entry
	Action DivergentAction
}

// MergeResult is the outcome of reconciling a local log against an
// authoritative one.
type MergeResult struct {
	// LBD is the lower bound of divergence: the highest version at which
	// both logs agree. Everything at or below LBD is identical.
	LBD objectid.Version
	// Divergent lists local entries strictly above LBD, each with its
	// resolution.
	Divergent []Divergent
	// Spliced is the new log contents: entries at or below LBD from the
	// local log, followed by authoritative entries above LBD.
	Spliced []Entry
	// NeedsRecovery lists object ids that must be added to the local
	// missing set as a result of this merge (divergent entries resolved
	// as ActionNeedsRecovery, plus every object touched by an
	// authoritative entry above LBD, whether or not it is present locally).
	NeedsRecovery []objectid.ID
}

// Merge reconciles the local log against an authoritative log covering an
// overlapping but not necessarily identical [tail, head] range, implementing
// spec §4.2's four-step algorithm.
//
// local and authoritative must each be ordered tail...head (ascending
// version), as returned by Log.Entries. objVersions supplies each
// divergent entry's object's current authoritative last-update, used to
// decide between recovery and rollback.
func Merge(local, authoritative []Entry, objVersions ObjectVersions) MergeResult {
	lbd := lowerBoundOfDivergence(local, authoritative)

	var divergent []Divergent
	var needsRecovery []objectid.ID

	for _, e := range local {
		if !lbd.Less(e.Version) {
			continue // at or below LBD: identical, not divergent
		}
		authLast := objVersions.LastUpdate(e.Object)
		if !authLast.IsZero() && !authLast.Less(e.Version) && authLast != e.Version {
			// Authoritative copy moved past (or sideways of) what this
			// entry predicted: the local mutation cannot be trusted.
			divergent = append(divergent, Divergent{Entry: e, Action: ActionNeedsRecovery})
			needsRecovery = append(needsRecovery, e.Object)
		} else if e.Rollback != nil {
			divergent = append(divergent, Divergent{Entry: e, Action: ActionRollback})
		} else {
			divergent = append(divergent, Divergent{Entry: e, Action: ActionNeedsRecovery})
			needsRecovery = append(needsRecovery, e.Object)
		}
	}

	// Splice: local entries at/below LBD, then authoritative entries
	// strictly above LBD (step 3).
	var spliced []Entry
	for _, e := range local {
		if !lbd.Less(e.Version) {
			spliced = append(spliced, e)
		}
	}
	for _, e := range authoritative {
		if lbd.Less(e.Version) {
			spliced = append(spliced, e)
		}
	}

	// Step 4: replaying the new tail...head against stored object
	// versions is the caller's job once it has applied the splice and
	// has access to the real object store; here we additionally surface
	// every object the authoritative extension mentions, since
	// the local copy is by definition missing whatever version that
	// entry records until recovery runs.
	for _, e := range authoritative {
		if lbd.Less(e.Version) {
			needsRecovery = append(needsRecovery, e.Object)
		}
	}

	return MergeResult{
		LBD:           lbd,
		Divergent:     divergent,
		Spliced:       spliced,
		NeedsRecovery: dedupIDs(needsRecovery),
	}
}

// lowerBoundOfDivergence finds the highest version at which local and
// authoritative agree on (version, object, op, user version), per spec
// §4.2 step 1. Both slices are ordered ascending by version.
func lowerBoundOfDivergence(local, authoritative []Entry) objectid.Version {
	byVersion := make(map[objectid.Version]Entry, len(authoritative))
	for _, e := range authoritative {
		byVersion[e.Version] = e
	}

	lbd := objectid.Zero
	for _, le := range local {
		ae, ok := byVersion[le.Version]
		if !ok || !le.SameMutation(ae) {
			break // first disagreement (or gap): everything before this was dense+matching
		}
		lbd = le.Version
	}
	return lbd
}

// dedupIDs drops repeats of the same object id. id.String() loses the Key
// and Namespace fields, so it cannot serve as a dedup key: two distinct
// objects differing only by one of those would collide and one would be
// silently dropped from the caller's recovery list. Dedup instead on every
// field Compare orders by, plus PoolID, which Compare does not consider.
func dedupIDs(ids []objectid.ID) []objectid.ID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]objectid.ID, 0, len(ids))
	for _, id := range ids {
		key := fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%d\x00%d",
			id.PoolID, id.Namespace, id.Name, id.Key, id.Snapshot, id.Hash)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, id)
	}
	return out
}
