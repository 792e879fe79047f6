package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellassay/platecortex/engine/models"
)

func TestAssert_PanicsOnFalse(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		v, ok := r.(*Violation)
		require.True(t, ok)
		assert.Equal(t, "test-invariant", v.Invariant)
	}()
	Assert(false, "test-invariant", "value was %d, wanted %d", 1, 2)
}

func TestAssert_NoPanicOnTrue(t *testing.T) {
	assert.NotPanics(t, func() { Assert(true, "ok", "") })
}

func TestRecover_ConvertsViolation(t *testing.T) {
	var err error
	func() {
		defer func() { err = Recover() }()
		Assert(false, "boom", "details")
	}()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecover_RepanicsOnForeignPanic(t *testing.T) {
	assert.Panics(t, func() {
		defer Recover()
		panic("not a violation")
	})
}

func TestConserveBudget(t *testing.T) {
	assert.NoError(t, ConserveBudget(240, 60, 180))
	assert.ErrorIs(t, ConserveBudget(240, 60, 170), ErrBudgetNotConserved)
}

func vesselWithSubpops(viability float64, fracA, vA, fracB, vB float64) *models.Vessel {
	return &models.Vessel{
		ID:        "w1",
		Viability: viability,
		Subpops: map[string]models.SubpopState{
			"sensitive": {Fraction: fracA, Viability: vA},
			"resistant": {Fraction: fracB, Viability: vB},
		},
		SubpopOrder: []string{"sensitive", "resistant"},
	}
}

func TestSubpopWeightedMean(t *testing.T) {
	v := vesselWithSubpops(0.75, 0.5, 0.8, 0.5, 0.7)
	assert.NoError(t, SubpopWeightedMean(v))

	bad := vesselWithSubpops(0.9, 0.5, 0.8, 0.5, 0.7)
	assert.ErrorIs(t, SubpopWeightedMean(bad), ErrSubpopMeanMismatch)
}

func TestDeathLedgerSums(t *testing.T) {
	v := &models.Vessel{Viability: 0.6, Death: models.DeathLedger{Compound: 0.25, Confluence: 0.1, Unknown: 0.05}}
	assert.NoError(t, DeathLedgerSums(v))

	v.Death.Unknown = 0.2
	assert.ErrorIs(t, DeathLedgerSums(v), ErrDeathLedgerMismatch)
}

func TestViabilityMonotone(t *testing.T) {
	assert.NoError(t, ViabilityMonotone(0.8, 0.7))
	assert.NoError(t, ViabilityMonotone(0.8, 0.8))
	assert.ErrorIs(t, ViabilityMonotone(0.7, 0.8), ErrViabilityIncreased)
}
