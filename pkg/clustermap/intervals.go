// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package clustermap

// Interval is a maximal range of consecutive epochs over which a PG's
// acting set was unchanged (spec §3 "Past intervals", GLOSSARY "Interval").
type Interval struct {
	First, Last uint64 // inclusive epoch range
	ActingSet   []string
	// MaybeWentActive records whether this interval might have started
	// accepting client writes: true unless peering can prove otherwise
	// (e.g. the primary never reached Active).
	MaybeWentActive bool
}

// PastIntervals is the compact encoding of historical acting-set changes
// since last-epoch-started, used during peering to decide which peers
// might hold writes the current acting set lacks (spec §3, §4.3).
type PastIntervals struct {
	Intervals []Interval
}

// MightHaveAccepted returns the set of node ids that were part of some
// interval since sinceEpoch that might have accepted writes, excluding
// nodes already in currentActing (those are queried unconditionally by
// peering anyway). This is the peer set peering's GetInfo step (spec
// §4.3) adds to the up set when broadcasting its query.
func (p PastIntervals) MightHaveAccepted(sinceEpoch uint64, currentActing []string) []string {
	already := make(map[string]bool, len(currentActing))
	for _, n := range currentActing {
		already[n] = true
	}

	seen := map[string]bool{}
	var out []string
	for _, iv := range p.Intervals {
		if iv.Last < sinceEpoch || !iv.MaybeWentActive {
			continue
		}
		for _, n := range iv.ActingSet {
			if already[n] || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Append records a new interval, merging with the previous one if the
// acting set is unchanged and the epoch ranges are contiguous.
func (p *PastIntervals) Append(iv Interval) {
	if n := len(p.Intervals); n > 0 {
		last := &p.Intervals[n-1]
		if last.Last+1 == iv.First && sameActingSet(last.ActingSet, iv.ActingSet) {
			last.Last = iv.Last
			last.MaybeWentActive = last.MaybeWentActive || iv.MaybeWentActive
			return
		}
	}
	p.Intervals = append(p.Intervals, iv)
}

func sameActingSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
