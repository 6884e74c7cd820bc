// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package ec

import (
	"bytes"

	"github.com/klauspost/reedsolomon"
)

// ShardVerifier runs a cheap systematic-code consistency check over a
// shard set ("does this shard set agree with itself"), distinct from the
// full infectious.FEC machinery used for the actual stripe encode/decode.
// No code path in pgd calls it: ErasureCodedBackend.RecoverObject decodes
// and re-encodes without it.
type ShardVerifier struct {
	enc reedsolomon.Encoder
	k, m int
}

// NewShardVerifier builds a verifier for the given (k, m) split.
func NewShardVerifier(k, m int) (*ShardVerifier, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &ShardVerifier{enc: enc, k: k, m: m}, nil
}

// Verify reports whether a (k+m)-shard set is internally consistent.
// shards must be ordered by index with nil for any shard not held; when
// up to m shards are nil, Verify first rebuilds them with reedsolomon's
// Reconstruct and then checks the parity of the full set.
func (v *ShardVerifier) Verify(shards [][]byte) (bool, error) {
	working := make([][]byte, len(shards))
	copy(working, shards)

	missing := 0
	for _, s := range working {
		if s == nil {
			missing++
		}
	}
	if missing > 0 {
		if missing > v.m {
			return false, Error.New("EC reconstruction impossible: missing %d shards, tolerate %d", missing, v.m)
		}
		if err := v.enc.Reconstruct(working); err != nil {
			return false, Error.Wrap(err)
		}
	}
	return v.enc.Verify(working)
}

// Equal reports whether two reconstructed payloads match byte-for-byte,
// used in tests asserting recovered EC objects equal their source.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
