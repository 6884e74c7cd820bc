// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package ec implements the erasure-coded backend's data transforms: the
// Reed-Solomon code used to stripe a full-stripe write across k data
// shards and m parity shards, and the re-encode path recovery uses when a
// shard has diverged too far to pull from a single peer (spec §4.4, §4.5).
package ec

import (
	"github.com/vivint/infectious"
	"github.com/zeebo/errs"
)

// Error is the error class for erasure-coding failures.
var Error = errs.Class("pgd/ec")

// Scheme wraps an infectious Reed-Solomon FEC code for a fixed (k, m), the
// way storj.io/storj's pkg/eestream builds its erasure codes.
type Scheme struct {
	k, m int
	fec  *infectious.FEC
}

// NewScheme constructs the erasure code for k data shards and m parity
// shards (spec §4.4 "every mutation is either a full-stripe write...").
func NewScheme(k, m int) (*Scheme, error) {
	fec, err := infectious.NewFEC(k, k+m)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Scheme{k: k, m: m, fec: fec}, nil
}

// K returns the number of data shards.
func (s *Scheme) K() int { return s.k }

// M returns the number of parity shards.
func (s *Scheme) M() int { return s.m }

// Total returns k+m, the number of shards a full stripe occupies.
func (s *Scheme) Total() int { return s.k + s.m }

// Shard is one encoded stripe fragment.
type Shard struct {
	Index int
	Data  []byte
}

// Encode splits data into k+m shards, padding data up to a multiple of k
// bytes with zeroes as infectious requires. The caller must record the
// original length separately (e.g. in the object's xattrs) to truncate
// correctly on decode.
func (s *Scheme) Encode(data []byte) ([]Shard, error) {
	padded := padToMultiple(data, s.k)
	shares := make([]infectious.Share, s.Total())
	for i := range shares {
		shares[i].Number = i
		shares[i].Data = make([]byte, len(padded)/s.k)
	}
	if err := s.fec.Encode(padded, func(sh infectious.Share) {
		copy(shares[sh.Number].Data, sh.Data)
	}); err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]Shard, len(shares))
	for i, sh := range shares {
		out[i] = Shard{Index: sh.Number, Data: sh.Data}
	}
	return out, nil
}

// Decode reconstructs the original data from any k of the k+m shards.
// originalLen truncates the zero-padding Encode added.
func (s *Scheme) Decode(shards []Shard, originalLen int) ([]byte, error) {
	if len(shards) < s.k {
		return nil, Error.New("EC reconstruction impossible: have %d shards, need %d", len(shards), s.k)
	}
	shares := make([]infectious.Share, 0, len(shards))
	for _, sh := range shards {
		shares = append(shares, infectious.Share{Number: sh.Index, Data: sh.Data})
	}
	out, err := s.fec.Decode(nil, shares)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if originalLen < len(out) {
		out = out[:originalLen]
	}
	return out, nil
}

// Required reports whether the given held-shard count is sufficient to
// reconstruct a stripe, used by the write path and recovery to decide
// between EC reconstruction and surfacing spec §7's "EC reconstruction
// impossible" error.
func (s *Scheme) Required(held int) bool { return held >= s.k }

func padToMultiple(data []byte, k int) []byte {
	rem := len(data) % k
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+(k-rem))
	copy(padded, data)
	return padded
}
