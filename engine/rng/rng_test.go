package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callFloat64(g *GuardedStream) (float64, error) { return g.Float64() }

func TestGuardedStream_WhitelistEnforced(t *testing.T) {
	g := NewGuardedStream(42, StreamGrowth, []string{"github.com/cellassay/platecortex/engine/rng.callFloat64"})

	v, err := callFloat64(g)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.Less(t, v, 1.0)

	_, err = g.Float64()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorizedCaller)
}

func TestGuardedStream_DeterministicForSameSeed(t *testing.T) {
	whitelist := []string{"github.com/cellassay/platecortex/engine/rng.callFloat64"}
	a := NewGuardedStream(7, StreamAssay, whitelist)
	b := NewGuardedStream(7, StreamAssay, whitelist)

	va, err := callFloat64(a)
	require.NoError(t, err)
	vb, err := callFloat64(b)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
}

func TestGuardedStream_DifferentStreamsDiverge(t *testing.T) {
	whitelist := []string{"github.com/cellassay/platecortex/engine/rng.callFloat64"}
	growth := NewGuardedStream(7, StreamGrowth, whitelist)
	treatment := NewGuardedStream(7, StreamTreatment, whitelist)

	vg, err := callFloat64(growth)
	require.NoError(t, err)
	vt, err := callFloat64(treatment)
	require.NoError(t, err)
	assert.NotEqual(t, vg, vt)
}

func TestGuardedStream_SnapshotUnchangedAcrossUnrelatedStream(t *testing.T) {
	whitelist := []string{"github.com/cellassay/platecortex/engine/rng.callFloat64"}
	growth := NewGuardedStream(7, StreamGrowth, whitelist)
	assay := NewGuardedStream(7, StreamAssay, whitelist)

	before := growth.Snapshot()
	_, err := callFloat64(assay)
	require.NoError(t, err)
	after := growth.Snapshot()

	assert.Equal(t, before, after, "measurement stream draw must not advance growth stream")
}

func TestStableHash64_Deterministic(t *testing.T) {
	a := StableHash64("42:rng_growth")
	b := StableHash64("42:rng_growth")
	c := StableHash64("42:rng_treatment")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBatchEffectSeed_StablePerWell(t *testing.T) {
	s1 := BatchEffectSeed(42, "A01", "HeLa")
	s2 := BatchEffectSeed(42, "A01", "HeLa")
	s3 := BatchEffectSeed(42, "A02", "HeLa")
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
}

func TestDeterministicPermutation_IsAValidPermutation(t *testing.T) {
	perm := DeterministicPermutation(99, 12)
	seen := make(map[int]bool, 12)
	for _, v := range perm {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 12)
		assert.False(t, seen[v], "value %d repeated", v)
		seen[v] = true
	}
	assert.Len(t, seen, 12)
}

func TestDeterministicPermutation_SameSeedSameOrder(t *testing.T) {
	a := DeterministicPermutation(123, 20)
	b := DeterministicPermutation(123, 20)
	assert.Equal(t, a, b)
}

func TestDeterministicPermutation_DifferentSeedsDiverge(t *testing.T) {
	a := DeterministicPermutation(1, 20)
	b := DeterministicPermutation(2, 20)
	assert.NotEqual(t, a, b)
}
