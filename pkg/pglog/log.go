// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package pglog

import (
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/objectid"
)

// Error is the error class for pglog failures.
var Error = errs.Class("pgd/pglog")

var mon = monkit.Package()

// Log is a per-PG bounded ordered log of recent mutations: [tail...head].
// Entries whose version drops below the trim threshold become Dup entries;
// dups older than the dup limit are dropped entirely (spec §4.2).
//
// A Log is owned by exactly one PG and therefore by exactly one worker
// shard (spec §5); every method still takes the Log's internal mutex for
// its duration, so concurrent calls do not interleave.
type Log struct {
	log  *zap.Logger
	mu   sync.Mutex // guards everything below; held briefly, never across I/O
	pgID objectid.PGID

	entries []Entry // ordered tail...head
	dups    []Dup   // ordered oldest...newest, kept for idempotent replay

	maxLen    int // live-log trim threshold
	maxDupLen int // dup retention threshold
}

// NewLog constructs an empty log for the given PG with the configured
// trim thresholds.
func NewLog(log *zap.Logger, pgID objectid.PGID, maxLen, maxDupLen int) *Log {
	return &Log{
		log:       log,
		pgID:      pgID,
		maxLen:    maxLen,
		maxDupLen: maxDupLen,
	}
}

// Head returns the version of the last entry in the log, or the zero
// version if the log is empty.
func (l *Log) Head() objectid.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return objectid.Zero
	}
	return l.entries[len(l.entries)-1].Version
}

// Tail returns the version of the first live entry in the log, or the zero
// version if the log is empty. Versions below Tail (but still referenced by
// a dup) are not replayable, only idempotence-checkable.
func (l *Log) Tail() objectid.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return objectid.Zero
	}
	return l.entries[0].Version
}

// Len returns the number of live (non-dup) entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the live entries from tail to head. Intended
// for peering (GetLog) and tests; callers must not rely on entry order
// outside what is documented (tail...head, ascending version).
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Dups returns a copy of the retained dup tombstones, oldest first.
func (l *Log) Dups() []Dup {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Dup, len(l.dups))
	copy(out, l.dups)
	return out
}

// FindRequest looks up a request id in the combined (log, dups) set and
// reports whether it has already been committed, returning the stored
// result for idempotent replay (spec §4.4 step 3, §8 idempotence property).
//
// Append does not check that a request id appears at most once across
// log ∪ dups (replication.WritePath.Submit calls FindRequest before it
// appends), and neither does FindRequest: it returns the first match found
// scanning from the head backwards (most recent first, cheapest for hot
// retries).
func (l *Log) FindRequest(req objectid.RequestID) (result []byte, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Request == req {
			return nil, true // live entry: result lives with the application, not the log
		}
	}
	for i := len(l.dups) - 1; i >= 0; i-- {
		if l.dups[i].Request == req {
			return l.dups[i].Result, true
		}
	}
	return nil, false
}

// Append adds an entry at the log head. The caller (the primary's write
// path) is responsible for allocating Version and PriorVersion correctly;
// Append only validates the dense prior-version chain invariant (spec §3).
func (l *Log) Append(e Entry) error {
	defer mon.Task()(nil)(nil)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 {
		head := l.entries[len(l.entries)-1]
		if e.PriorVersion != head.Version {
			return Error.New("non-dense append to pg %s: entry prior %s != log head %s",
				l.pgID, e.PriorVersion, head.Version)
		}
		if !head.Version.Less(e.Version) {
			return Error.New("non-monotonic append to pg %s: %s does not exceed head %s",
				l.pgID, e.Version, head.Version)
		}
	}
	l.entries = append(l.entries, e)
	l.trimLocked()
	return nil
}

// TrimBelow converts every live entry with version <= minLastComplete into
// a dup, then drops dups beyond maxDupLen. minLastComplete is the minimum
// last-complete version across the acting set: entries no member still
// needs for recovery are safe to compact (spec §4.2 Trim).
func (l *Log) TrimBelow(minLastComplete objectid.Version) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimToLocked(minLastComplete)
}

func (l *Log) trimLocked() {
	if len(l.entries) <= l.maxLen {
		l.dropExcessDupsLocked()
		return
	}
	// Trim the oldest entries down to maxLen, regardless of
	// minLastComplete; a log that exceeds its configured bound always
	// sheds its oldest entries into dups (spec §4.2).
	excess := len(l.entries) - l.maxLen
	cutoff := l.entries[excess-1].Version
	l.trimToLocked(cutoff)
}

func (l *Log) trimToLocked(cutoff objectid.Version) {
	i := 0
	for i < len(l.entries) && l.entries[i].Version.LessEqual(cutoff) {
		e := l.entries[i]
		l.dups = append(l.dups, Dup{
			Request:     e.Request,
			UserVersion: e.UserVersion,
			Version:     e.Version,
		})
		i++
	}
	if i > 0 {
		l.entries = append([]Entry(nil), l.entries[i:]...)
	}
	l.dropExcessDupsLocked()
}

func (l *Log) dropExcessDupsLocked() {
	if len(l.dups) > l.maxDupLen {
		drop := len(l.dups) - l.maxDupLen
		l.dups = append([]Dup(nil), l.dups[drop:]...)
	}
}

// SetResult attaches an application result blob to the dup for req, if one
// exists; used so that entries trimmed into dups still carry a replayable
// result even though Append itself doesn't know the application payload.
func (l *Log) SetResult(req objectid.RequestID, result []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.dups {
		if l.dups[i].Request == req {
			l.dups[i].Result = result
			return
		}
	}
}

// ReplaceAll atomically replaces the live entries, used by peering after a
// Merge has computed the spliced authoritative log (spec §4.2 step 3).
func (l *Log) ReplaceAll(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry(nil), entries...)
}
