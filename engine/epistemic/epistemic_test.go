package epistemic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

func newTestController() *Controller {
	return New(config.DefaultRunConfig())
}

func TestEffectiveCost_InflatesWithDebtCappedForCalibration(t *testing.T) {
	c := newTestController()
	base := c.EffectiveCost(10, false)
	assert.Equal(t, 10.0, base, "zero debt means no inflation")

	c.debt = 3.0
	inflatedExplore := c.EffectiveCost(10, false)
	assert.Greater(t, inflatedExplore, 10.0)

	inflatedCalib := c.EffectiveCost(10, true)
	assert.LessOrEqual(t, inflatedCalib, 10.0*c.cfg.CostInflationCapCalib+1e-9)
}

func TestAdmit_RefusesNonCalibrationAtHardDebtThreshold(t *testing.T) {
	c := newTestController()
	c.debt = c.cfg.DebtHardRefusalThreshold

	prop := &models.Proposal{TemplateName: "dose_response", Wells: make([]models.WellSpec, 6)}
	v := c.Admit(5, prop, nil, 100)
	require.False(t, v.Admitted)
	require.NotNil(t, v.Refusal)
	assert.Equal(t, "hard_refusal", v.Refusal.EnforcementLayer)
}

func TestAdmit_CalibrationRemainsAdmissibleUnderHardRefusal(t *testing.T) {
	c := newTestController()
	c.debt = c.cfg.DebtHardRefusalThreshold

	prop := &models.Proposal{TemplateName: "calibrate_cell_paint_baseline", IsCalibration: true, Wells: make([]models.WellSpec, 6)}
	v := c.Admit(5, prop, nil, 100)
	assert.True(t, v.Admitted)
}

func TestAdmit_RefusesOnMissingLadderGates(t *testing.T) {
	c := newTestController()
	prop := &models.Proposal{TemplateName: "dose_response", Wells: make([]models.WellSpec, 6)}
	v := c.Admit(1, prop, []string{"LDH", "Cell-Painting"}, 100)
	require.False(t, v.Admitted)
	assert.Equal(t, "ladder", v.Refusal.EnforcementLayer)
	assert.ElementsMatch(t, []string{"LDH", "Cell-Painting"}, v.Refusal.MissingGates)
}

func TestAdmit_RefusesWhenBudgetWouldBreachReserve(t *testing.T) {
	c := newTestController()
	prop := &models.Proposal{TemplateName: "dose_response", Wells: make([]models.WellSpec, 50)}
	v := c.Admit(1, prop, nil, c.cfg.ReserveWells+10)
	require.False(t, v.Admitted)
	assert.Equal(t, "budget_reserve", v.Refusal.EnforcementLayer)
}

func TestCheckDeadlock_OnlyTriggersUnderHardRefusalAndUnaffordableCalibration(t *testing.T) {
	c := newTestController()
	assert.NoError(t, c.CheckDeadlock(0, 12), "no debt means no deadlock check applies")

	c.debt = c.cfg.DebtHardRefusalThreshold
	assert.NoError(t, c.CheckDeadlock(100, 12), "plenty of budget, no deadlock")

	err := c.CheckDeadlock(2, 12)
	assert.ErrorIs(t, err, ErrEpistemicDeadlock)
}

func TestResolveClaim_OverclaimPenalizedMoreThanUnderclaim(t *testing.T) {
	over := newTestController()
	over.ResolveClaim(Claim{Cycle: 1, ClaimedBits: 2.0}, 0.5) // overclaimed by 1.5

	under := newTestController()
	under.ResolveClaim(Claim{Cycle: 1, ClaimedBits: 0.5}, 2.0) // underclaimed by 1.5

	assert.Greater(t, over.Debt(), under.Debt())
}

func TestResolveClaim_DebtNeverNegative(t *testing.T) {
	c := newTestController()
	c.ResolveClaim(Claim{Cycle: 1, ClaimedBits: 0}, 5.0)
	assert.GreaterOrEqual(t, c.Debt(), 0.0)
}

func TestRepayCalibration_SpamBoundedUnderFourWells(t *testing.T) {
	c := newTestController()
	c.debt = 2.0
	entry := c.RepayCalibration(3, 3, 1.0) // perfect noise improvement, but only 3 wells
	assert.Less(t, -entry.DebtDelta, 1.0)
}

func TestRepayCalibration_LargerBatchCanRepayFullBonus(t *testing.T) {
	c := newTestController()
	c.debt = 2.0
	entry := c.RepayCalibration(3, 20, 1.0)
	assert.InDelta(t, 1.0, -entry.DebtDelta, 1e-9)
}

func TestRefusal_AccumulatesAndLedgerRecordsCumulativeCount(t *testing.T) {
	c := newTestController()
	prop := &models.Proposal{TemplateName: "dose_response", Wells: make([]models.WellSpec, 6)}
	c.Admit(1, prop, []string{"LDH"}, 100)
	c.Admit(2, prop, []string{"LDH"}, 100)
	require.Len(t, c.Refusals, 2)

	entry := c.ResolveClaim(Claim{Cycle: 3, ClaimedBits: 0.1}, 0.1)
	assert.Equal(t, 2, entry.CumulativeRefusals)
}
