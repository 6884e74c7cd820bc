// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package clustermap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPastIntervalsMightHaveAccepted(t *testing.T) {
	p := PastIntervals{}
	p.Append(Interval{First: 1, Last: 3, ActingSet: []string{"a", "b"}, MaybeWentActive: true})
	p.Append(Interval{First: 4, Last: 5, ActingSet: []string{"a", "c"}, MaybeWentActive: false})

	got := p.MightHaveAccepted(0, []string{"a"})
	assert.ElementsMatch(t, []string{"b"}, got)
}

func TestPastIntervalsMightHaveAcceptedRespectsSinceEpoch(t *testing.T) {
	p := PastIntervals{}
	p.Append(Interval{First: 1, Last: 2, ActingSet: []string{"old"}, MaybeWentActive: true})
	p.Append(Interval{First: 3, Last: 9, ActingSet: []string{"current"}, MaybeWentActive: true})

	got := p.MightHaveAccepted(5, nil)
	assert.Equal(t, []string{"current"}, got)
}

func TestPastIntervalsAppendMergesContiguousSameActingSet(t *testing.T) {
	p := PastIntervals{}
	p.Append(Interval{First: 1, Last: 2, ActingSet: []string{"a"}, MaybeWentActive: false})
	p.Append(Interval{First: 3, Last: 4, ActingSet: []string{"a"}, MaybeWentActive: true})

	require := assert.New(t)
	require.Len(p.Intervals, 1)
	require.Equal(uint64(1), p.Intervals[0].First)
	require.Equal(uint64(4), p.Intervals[0].Last)
	require.True(p.Intervals[0].MaybeWentActive)
}

func TestPastIntervalsAppendKeepsDistinctActingSetsSeparate(t *testing.T) {
	p := PastIntervals{}
	p.Append(Interval{First: 1, Last: 2, ActingSet: []string{"a"}, MaybeWentActive: true})
	p.Append(Interval{First: 3, Last: 4, ActingSet: []string{"a", "b"}, MaybeWentActive: true})

	assert.Len(t, p.Intervals, 2)
}
