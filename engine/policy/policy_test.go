package policy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

func testLayout(t *testing.T) config.PlateLayout {
	t.Helper()
	l := config.PlateLayout{Format: 96}
	require.NoError(t, l.Resolve())
	return l
}

func TestScoreCalibrate_IneligibleTooSoonAfterLastCalibration(t *testing.T) {
	cfg := config.DefaultRunConfig()
	in := ScoringInput{CyclesSinceCalibration: 0, BudgetRemaining: 1000, CalibrationWells: 6}
	score := ScoreCalibrate(in, cfg)
	assert.True(t, math.IsInf(score, -1), "expected -Inf, got %v", score)
}

func TestScoreCalibrate_IneligibleWhenUnaffordableWithinPlateReserve(t *testing.T) {
	cfg := config.DefaultRunConfig()
	in := ScoringInput{CyclesSinceCalibration: cfg.MinCyclesBetweenCalib, BudgetRemaining: 50, CalibrationWells: 6}
	score := ScoreCalibrate(in, cfg)
	assert.True(t, math.IsInf(score, -1))
}

func TestScoreCalibrate_EligibleScoresFinite(t *testing.T) {
	cfg := config.DefaultRunConfig()
	in := ScoringInput{CyclesSinceCalibration: cfg.MinCyclesBetweenCalib, BudgetRemaining: 500, CalibrationWells: 6, Uncertainty: 2.0, Debt: 1.0}
	score := ScoreCalibrate(in, cfg)
	assert.InDelta(t, cfg.PolicyWeights.KUncertainty*0.7*2.0+cfg.PolicyWeights.KDebt*0.3*0.5-cfg.PolicyWeights.KPlate-cfg.PolicyWeights.KTime, score, 1e-9)
}

func TestSelectAction_HysteresisSticksWithLastActionOnSmallMargin(t *testing.T) {
	cfg := config.DefaultRunConfig()
	in := ScoringInput{
		LastAction:           ActionNoDetection,
		CalibratedConfidence: 1.0, // NO_DETECTION scores 0.9
		ExpectedInfoGainBits: 0.98, // EXPLORE scores 0.93: argmax, but only 0.03 ahead
		CyclesSinceCalibration: 0, // calibrate ineligible
	}
	action, scores := SelectAction(in, cfg)
	assert.Equal(t, ActionNoDetection, action, "argmax must not displace last_action without exceeding the switch penalty")
	assert.Contains(t, scores, ActionNoDetection)
}

func TestSelectAction_SwitchesWhenMarginExceedsPenalty(t *testing.T) {
	cfg := config.DefaultRunConfig()
	in := ScoringInput{
		LastAction:             ActionNone,
		ExpectedInfoGainBits:   10.0,
		CyclesSinceCalibration: 0,
	}
	action, _ := SelectAction(in, cfg)
	assert.Equal(t, ActionExplore, action)
}

func TestPendingFromQuality_QCFlagTakesPriority(t *testing.T) {
	action, pending := PendingFromQuality(true, true)
	assert.True(t, pending)
	assert.Equal(t, ActionMitigate, action)
}

func TestPendingFromQuality_RulerUntrustedAlone(t *testing.T) {
	action, pending := PendingFromQuality(false, true)
	assert.True(t, pending)
	assert.Equal(t, ActionReplicate, action)
}

func TestPendingFromQuality_NoneWhenClean(t *testing.T) {
	_, pending := PendingFromQuality(false, false)
	assert.False(t, pending)
}

func TestBuildCalibrateProposal_NoTreatmentIdentity(t *testing.T) {
	layout := testLayout(t)
	prop, err := BuildCalibrateProposal(1, layout, []string{"HeLa", "U2OS"}, 12, 42, "Cell-Painting")
	require.NoError(t, err)
	assert.True(t, prop.IsCalibration)
	for _, w := range prop.Wells {
		assert.Equal(t, "DMSO", w.Compound)
		assert.Zero(t, w.DoseUM)
	}
}

func TestBuildCalibrateProposal_CenterHeavy(t *testing.T) {
	layout := testLayout(t)
	prop, err := BuildCalibrateProposal(1, layout, []string{"HeLa"}, 4, 42, "Cell-Painting")
	require.NoError(t, err)
	for _, w := range prop.Wells {
		assert.False(t, isEdge(layout, w.WellID), "calibration plate should prefer center wells, got edge well %s", w.WellID)
	}
}

func TestBuildReplicateProposal_DoublesReplicatesOnNewLayout(t *testing.T) {
	layout := testLayout(t)
	prior := &models.Proposal{
		TemplateName: "dose_response",
		Wells: []models.WellSpec{
			{WellID: "A01", CellLine: "HeLa", Compound: "paclitaxel", DoseUM: 1.0, Assay: "Cell-Painting"},
			{WellID: "A02", CellLine: "HeLa", Compound: "paclitaxel", DoseUM: 2.0, Assay: "Cell-Painting"},
		},
		LayoutSeed: 1,
	}
	rep, err := BuildReplicateProposal(2, prior, layout, 99)
	require.NoError(t, err)
	assert.Len(t, rep.Wells, 4)
	assert.NotEqual(t, prior.LayoutSeed, rep.LayoutSeed)
	seen := make(map[string]bool)
	for _, w := range rep.Wells {
		assert.False(t, seen[w.WellID], "duplicate well id %s", w.WellID)
		seen[w.WellID] = true
	}
}

func TestBuildReplicateProposal_RequiresPriorProposal(t *testing.T) {
	layout := testLayout(t)
	_, err := BuildReplicateProposal(2, nil, layout, 1)
	assert.Error(t, err)
}

func TestBuildMitigateProposal_PreservesWellContentNewPositions(t *testing.T) {
	layout := testLayout(t)
	prior := &models.Proposal{
		Wells: []models.WellSpec{
			{WellID: "A01", CellLine: "HeLa", Compound: "nocodazole", DoseUM: 0.5, Assay: "LDH"},
		},
		LayoutSeed: 5,
	}
	mit, err := BuildMitigateProposal(3, prior, layout, 77)
	require.NoError(t, err)
	require.Len(t, mit.Wells, 1)
	assert.Equal(t, "nocodazole", mit.Wells[0].Compound)
	assert.Equal(t, 0.5, mit.Wells[0].DoseUM)
	assert.NotEqual(t, prior.LayoutSeed, mit.LayoutSeed)
}

func TestBuildExploreProposal_GridAndClaim(t *testing.T) {
	layout := testLayout(t)
	design := DoseResponseDesign{
		Compound:   "paclitaxel",
		CellLines:  []string{"HeLa"},
		DosesUM:    []float64{0.01, 0.1, 1.0},
		TimepointH: 24,
		Assay:      "Cell-Painting",
		Replicates: 2,
	}
	prop, err := BuildExploreProposal(4, layout, design, 11, 1.5)
	require.NoError(t, err)
	assert.Len(t, prop.Wells, 6)
	require.NotNil(t, prop.Claim)
	assert.Equal(t, 1.5, prop.Claim.ClaimedInfoGainBits)
}
