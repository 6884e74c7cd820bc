// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package ec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	scheme, err := NewScheme(4, 2)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog, many times over")
	shards, err := scheme.Encode(payload)
	require.NoError(t, err)
	assert.Len(t, shards, 6)

	// Decode from only k=4 shards (2 are "lost"), as recovery would.
	decoded, err := scheme.Decode(shards[:4], len(payload))
	require.NoError(t, err)
	assert.True(t, Equal(payload, decoded))
}

func TestDecodeFewerThanKFails(t *testing.T) {
	scheme, err := NewScheme(4, 2)
	require.NoError(t, err)

	shards, err := scheme.Encode([]byte("short payload"))
	require.NoError(t, err)

	_, err = scheme.Decode(shards[:2], 13)
	assert.Error(t, err)
}

func TestRequired(t *testing.T) {
	scheme, err := NewScheme(4, 2)
	require.NoError(t, err)
	assert.True(t, scheme.Required(4))
	assert.False(t, scheme.Required(3))
}
