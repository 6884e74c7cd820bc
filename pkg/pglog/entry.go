// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package pglog implements the per-placement-group bounded ordered log that
// drives both peering reconciliation and idempotent client request handling
// (spec §4.2).
package pglog

import (
	"time"

	"storj.io/pgd/pkg/objectid"
)

// OpKind names the kind of mutation a log entry records.
type OpKind int

// The op kinds named in the data model (spec §3).
const (
	OpModify OpKind = iota
	OpDelete
	OpClone
	OpRollbackExtent
	OpLostDelete
	OpLostMark
)

func (k OpKind) String() string {
	switch k {
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpClone:
		return "clone"
	case OpRollbackExtent:
		return "rollback-extent"
	case OpLostDelete:
		return "lost-delete"
	case OpLostMark:
		return "lost-mark"
	default:
		return "unknown"
	}
}

// RollbackDescriptor carries enough information to reverse an erasure-coded
// mutation byte-for-byte, used when a divergent log entry can be undone
// instead of requiring recovery (spec §4.2, §4.4).
type RollbackDescriptor struct {
	// PriorExtent is the byte range overwritten by this entry, as it
	// existed before the entry applied.
	PriorExtent []byte
	Offset      int64
	Length      int64
}

// Entry is one record in a PG's log.
type Entry struct {
	Version      objectid.Version
	PriorVersion objectid.Version
	Object       objectid.ID
	Op           OpKind
	Request      objectid.RequestID
	UserVersion  uint64
	Rollback     *RollbackDescriptor
	Mtime        time.Time
}

// SameMutation reports whether two entries at the same version describe the
// same mutation, the invariant every acting member's log must satisfy
// (spec §3 invariants).
func (e Entry) SameMutation(other Entry) bool {
	return e.Version == other.Version &&
		e.Object.Equal(other.Object) &&
		e.Op == other.Op &&
		e.UserVersion == other.UserVersion
}

// Equal reports full equality, used by the serialize/deserialize round-trip
// testable property (spec §8).
func (e Entry) Equal(other Entry) bool {
	if !e.SameMutation(other) {
		return false
	}
	if e.PriorVersion != other.PriorVersion || e.Request != other.Request || !e.Mtime.Equal(other.Mtime) {
		return false
	}
	if (e.Rollback == nil) != (other.Rollback == nil) {
		return false
	}
	if e.Rollback != nil {
		if e.Rollback.Offset != other.Rollback.Offset || e.Rollback.Length != other.Rollback.Length {
			return false
		}
		if string(e.Rollback.PriorExtent) != string(other.Rollback.PriorExtent) {
			return false
		}
	}
	return true
}

// Dup is the compact tombstone retained after an entry trims out of the
// live log, preserving request-id idempotence within the dup window
// (spec §3, §4.2).
type Dup struct {
	Request     objectid.RequestID
	UserVersion uint64
	Version     objectid.Version
	Result      []byte // opaque application result blob, replayed verbatim
}
