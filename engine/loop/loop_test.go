package loop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
	"github.com/cellassay/platecortex/engine/policy"
)

func testRunConfig(t *testing.T, budget, maxCycles int) config.RunConfig {
	t.Helper()
	cfg := config.DefaultRunConfig()
	cfg.Seed = 7
	cfg.BudgetWells = budget
	cfg.MaxCycles = maxCycles
	cfg.OutDir = t.TempDir()
	return cfg
}

func newTestLoop(t *testing.T, budget, maxCycles int) *Loop {
	t.Helper()
	cfg := testRunConfig(t, budget, maxCycles)
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)
	return l
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultRunConfig()
	cfg.BudgetWells = 0
	cfg.OutDir = t.TempDir()
	_, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNew_RejectsEmptyCellLineTable(t *testing.T) {
	cfg := config.DefaultRunConfig()
	cfg.OutDir = t.TempDir()
	_, err := New(cfg, config.DefaultCompoundTable(), config.CellLineTable{}, config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNew_ExcludesVehicleControlFromExploreRoster(t *testing.T) {
	l := newTestLoop(t, 96, 1)
	assert.NotContains(t, l.compoundRoster, "DMSO")
	assert.NotContains(t, l.compoundRoster, "test_A_clean")
	assert.Contains(t, l.compoundRoster, "paclitaxel")
}

func TestRun_WritesEpisodeSummaryAndAllSixLedgers(t *testing.T) {
	cfg := testRunConfig(t, 120, 6)
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)

	summary, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cfg.Seed, summary.Seed)
	assert.Equal(t, cfg.BudgetWells, summary.InitialBudgetWells)
	assert.GreaterOrEqual(t, summary.Cycles, 1)
	assert.NotEmpty(t, summary.TerminationReason)

	for _, name := range []string{"decisions.jsonl", "evidence.jsonl", "diagnostics.jsonl", "refusals.jsonl", "mitigation.jsonl", "epistemic.jsonl"} {
		info, statErr := os.Stat(filepath.Join(cfg.OutDir, name))
		require.NoError(t, statErr, "ledger %s must exist", name)
		assert.GreaterOrEqual(t, info.Size(), int64(0))
	}

	b, rerr := os.ReadFile(filepath.Join(cfg.OutDir, "episode_summary.json"))
	require.NoError(t, rerr)
	var decoded models.EpisodeSummary
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, summary.TerminationReason, decoded.TerminationReason)
}

// Budget conservation (§4.5): spent-by-category plus remaining must equal
// the initial allocation at every termination.
func TestRun_ConservesBudget(t *testing.T) {
	cfg := testRunConfig(t, 200, 8)
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)

	summary, err := l.Run(context.Background())
	require.NoError(t, err)

	spent := summary.WellsSpentCalibration + summary.WellsSpentExploration + summary.WellsSpentMitigation
	assert.Equal(t, cfg.BudgetWells, spent+summary.WellsRemaining)
}

// A budget too small to afford even one calibration round must terminate
// via epistemic deadlock or budget exhaustion, not by silently running
// past zero (§4.3/§8).
func TestRun_TerminatesWhenBudgetCannotAffordCalibration(t *testing.T) {
	cfg := testRunConfig(t, 1, 20)
	cfg.ReserveWells = 0 // Validate rejects a reserve larger than the budget
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)

	summary, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"epistemic_deadlock", "budget_exhausted"}, summary.TerminationReason)
	assert.NotEqual(t, ExitSuccess, summary.ExitCode)
}

func TestRun_RespectsMaxCycles(t *testing.T) {
	cfg := testRunConfig(t, 10_000, 3)
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)

	summary, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, summary.Cycles, cfg.MaxCycles)
}

func TestAssayForCondition_InfersFromPopulatedChannels(t *testing.T) {
	assert.Equal(t, "scRNA", assayForCondition(models.ObservationCondition{UsableChannels: []string{"transcript_stress_score"}}))
	assert.Equal(t, "Cell-Painting", assayForCondition(models.ObservationCondition{UsableChannels: []string{"nucleus_area", "cell_area"}}))
	assert.Equal(t, "LDH", assayForCondition(models.ObservationCondition{UsableChannels: nil}))
}

func TestQCViolated_FlagsOverThreshold(t *testing.T) {
	cfg := config.DefaultRunConfig()
	assert.True(t, qcViolated(cfg, models.QCFlags{MoransI: cfg.QCMoransIThreshold + 0.01, NucleiCV: 0, SegmentationQuality: 1}))
	assert.True(t, qcViolated(cfg, models.QCFlags{SegmentationQuality: cfg.QCSegQualityThreshold - 0.01}))
	assert.False(t, qcViolated(cfg, models.QCFlags{MoransI: 0, NucleiCV: 0, SegmentationQuality: 1}))
}

func TestSchedulePending_CapsConsecutiveReplicatesIntoExplore(t *testing.T) {
	l := newTestLoop(t, 500, 20)
	l.cfg.MaxConsecutiveReplicates = 1

	l.schedulePending(false, l.cfg.EpistemicUncertaintyThreshold+1)
	require.True(t, l.hasPending)
	assert.Equal(t, policy.ActionReplicate, l.pendingAction)

	l.hasPending = false
	l.schedulePending(false, l.cfg.EpistemicUncertaintyThreshold+1)
	require.True(t, l.hasPending)
	assert.Equal(t, policy.ActionExplore, l.pendingAction)
}

func TestSchedulePending_QCFlagTakesPriorityOverUncertainty(t *testing.T) {
	l := newTestLoop(t, 500, 20)
	l.schedulePending(true, l.cfg.EpistemicUncertaintyThreshold+1)
	require.True(t, l.hasPending)
	assert.Equal(t, policy.ActionMitigate, l.pendingAction)
}

func TestRun_PublishesSnapshotReachableBeforeAndAfterRun(t *testing.T) {
	cfg := testRunConfig(t, 96, 4)
	l, err := New(cfg, config.DefaultCompoundTable(), config.DefaultCellLineTable(), config.PlateLayout{Format: 96}, nil, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, Snapshot{}, l.Snapshot())

	summary, err := l.Run(context.Background())
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, summary.Cycles, snap.Cycle)
}

func TestLayoutSeedFor_IsDeterministicAndVariesByCycle(t *testing.T) {
	l := newTestLoop(t, 96, 1)
	a := l.layoutSeedFor(1)
	b := l.layoutSeedFor(1)
	c := l.layoutSeedFor(2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
