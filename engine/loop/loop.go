// Package loop implements the integer-cycle orchestrator (§4.5): the sole
// owner of belief, budget and the epistemic controller, driving Policy and
// World each cycle and writing the six append-only ledgers plus the
// terminal episode summary. The loop itself is single-threaded cooperative
// (§5); the only concurrency anywhere in a run lives inside World's
// measurement-phase worker pool.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cellassay/platecortex/engine/belief"
	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/contract"
	"github.com/cellassay/platecortex/engine/epistemic"
	"github.com/cellassay/platecortex/engine/models"
	"github.com/cellassay/platecortex/engine/policy"
	"github.com/cellassay/platecortex/engine/rng"
	"github.com/cellassay/platecortex/engine/telemetry/events"
	"github.com/cellassay/platecortex/engine/telemetry/logging"
	"github.com/cellassay/platecortex/engine/telemetry/metrics"
	"github.com/cellassay/platecortex/engine/telemetry/tracing"
	"github.com/cellassay/platecortex/engine/vm"
	"github.com/cellassay/platecortex/engine/world"
)

// Exit codes (§6).
const (
	ExitSuccess           = 0
	ExitInternalError     = 1
	ExitEpistemicDeadlock = 2
	ExitBudgetExhausted   = 3
)

// Loop is the run-scoped orchestrator. It owns exactly one BeliefState and
// one epistemic Controller; Policy and World receive read-only views and
// return proposed edits the Loop alone applies (§3).
type Loop struct {
	cfg       config.RunConfig
	compounds config.CompoundTable
	cellLines config.CellLineTable
	layout    config.PlateLayout

	bio    *vm.VM
	belief *belief.BeliefState
	ctrl   *epistemic.Controller
	exec   *world.Executor

	logger  logging.Logger
	bus     events.Bus
	tracer  tracing.Tracer
	metrics loopMetrics

	ledgers *Ledgers

	snap atomic.Pointer[Snapshot]

	cycle                 int
	budgetRemaining       int
	lastAction            policy.Action
	cyclesSinceCalib      int
	consecutiveReplicates int
	pendingAction         policy.Action
	hasPending            bool
	forceCalibrateNext    bool
	priorProposal         *models.Proposal
	calibrationDecisions  int
	mitigationCount       int
	wellsCalibration      int
	wellsExploration      int
	wellsMitigation       int
	elapsedHAcc           float64
	entropyStart          float64
	gatesEarned           map[string]bool
	gatesLost             map[string]bool
	controlRefs           map[string]models.ObservationCondition

	cellLineNames      []string
	compoundRoster     []string
	exploreCompoundIdx int
}

// New constructs a Loop ready to Run. Parameter tables are loaded once and
// never mutated afterward (§6).
func New(cfg config.RunConfig, compounds config.CompoundTable, cellLines config.CellLineTable, layout config.PlateLayout, logger logging.Logger, bus events.Bus, tracer tracing.Tracer, provider metrics.Provider) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop: invalid config: %w", err)
	}
	if err := layout.Resolve(); err != nil {
		return nil, fmt.Errorf("loop: invalid plate layout: %w", err)
	}
	if logger == nil {
		logger = logging.New(nil)
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	if bus == nil {
		bus = events.NewBus(provider)
	}
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}

	bioVM := vm.New(cfg.Seed, cfg, cellLines, compounds)
	beliefState := belief.New(cfg, belief.KnownMechanisms())
	ctrl := epistemic.New(cfg)
	exec := world.NewExecutor(bioVM, cfg)
	ledgers, err := newLedgers(cfg.OutDir)
	if err != nil {
		return nil, err
	}

	cellLineNames := make([]string, 0, len(cellLines))
	for name := range cellLines {
		cellLineNames = append(cellLineNames, name)
	}
	sort.Strings(cellLineNames)
	if len(cellLineNames) == 0 {
		return nil, fmt.Errorf("loop: cell-line table is empty")
	}

	compoundRoster := make([]string, 0, len(compounds))
	for name, entry := range compounds {
		if name == "DMSO" || entry.Mechanism == "" || entry.Mechanism == "none" {
			continue
		}
		compoundRoster = append(compoundRoster, name)
	}
	sort.Strings(compoundRoster)

	l := &Loop{
		cfg:             cfg,
		compounds:       compounds,
		cellLines:       cellLines,
		layout:          layout,
		bio:             bioVM,
		belief:          beliefState,
		ctrl:            ctrl,
		exec:            exec,
		logger:          logger,
		bus:             bus,
		tracer:          tracer,
		metrics:         newLoopMetrics(provider),
		ledgers:         ledgers,
		budgetRemaining: cfg.BudgetWells,
		lastAction:      policy.ActionNone,
		pendingAction:   policy.ActionNone,
		gatesEarned:     map[string]bool{},
		gatesLost:       map[string]bool{},
		controlRefs:     map[string]models.ObservationCondition{},
		cellLineNames:   cellLineNames,
		compoundRoster:  compoundRoster,
	}
	l.entropyStart = beliefState.EstimateCalibrationUncertainty()
	return l, nil
}

// Snapshot is a point-in-time view of a running Loop, safe to read from a
// goroutine other than the one driving Run (the teacher's CLI prints a
// periodic snapshot to stderr from a ticker goroutine while the engine
// runs concurrently; here an atomic.Pointer swap stands in for that
// concurrent read without reaching into the Loop's own single-threaded
// cooperative state).
type Snapshot struct {
	Cycle           int
	BudgetRemaining int
	LastAction      string
	EpistemicDebt   float64
	HealthDebt      float64
}

// Snapshot returns the most recently published progress snapshot, or the
// zero value before the first cycle completes.
func (l *Loop) Snapshot() Snapshot {
	if s := l.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (l *Loop) publishSnapshot() {
	l.snap.Store(&Snapshot{
		Cycle:           l.cycle,
		BudgetRemaining: l.budgetRemaining,
		LastAction:      string(l.lastAction),
		EpistemicDebt:   l.ctrl.Debt(),
		HealthDebt:      l.belief.HealthDebt,
	})
}

// loopMetrics wraps the run's counters/gauges behind the backend-agnostic
// metrics.Provider (§6: "--metrics-backend prom|otel|noop").
type loopMetrics struct {
	cycles      metrics.Counter
	wellsSpent  metrics.Counter
	debtGauge   metrics.Gauge
	healthGauge metrics.Gauge
	refusals    metrics.Counter
}

func newLoopMetrics(p metrics.Provider) loopMetrics {
	return loopMetrics{
		cycles: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "platecortex", Subsystem: "loop", Name: "cycles_total", Help: "Cycles executed",
		}}),
		wellsSpent: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "platecortex", Subsystem: "loop", Name: "wells_spent_total", Help: "Wells consumed", Labels: []string{"category"},
		}}),
		debtGauge: p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "platecortex", Subsystem: "loop", Name: "epistemic_debt_bits", Help: "Current epistemic debt",
		}}),
		healthGauge: p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "platecortex", Subsystem: "loop", Name: "health_debt", Help: "Current health debt",
		}}),
		refusals: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "platecortex", Subsystem: "loop", Name: "refusals_total", Help: "Refused proposals", Labels: []string{"layer"},
		}}),
	}
}

// Run drives cycles until one of §4.5's four termination conditions fires,
// always writing episode_summary.json before returning (§4.5:
// "Termination... Always writes episode_summary.json"). The returned error
// is non-nil only when the summary/ledgers themselves could not be
// persisted; contract violations and epistemic deadlock are reported via
// the summary's TerminationReason/ExitCode, not a Go error.
func (l *Loop) Run(ctx context.Context) (models.EpisodeSummary, error) {
	wallStart := time.Now()
	reason := "max_cycles"
	exitCode := ExitSuccess

runLoop:
	for l.cycle < l.cfg.MaxCycles {
		l.cycle++
		cycleCtx, span := l.tracer.StartSpan(ctx, "loop.cycle")
		span.SetAttribute("cycle.k", l.cycle)

		terminal, tReason, tExit, err := l.runCycle(cycleCtx)
		span.End()
		l.publishSnapshot()
		if err != nil {
			reason, exitCode = "contract_violation", ExitInternalError
			l.writeDiagnosticsError(l.cycle, err)
			l.logger.ErrorCtx(ctx, "loop: contract violation, aborting run", "cycle", l.cycle, "error", err.Error())
			break runLoop
		}
		if terminal {
			reason, exitCode = tReason, tExit
			break runLoop
		}
		if ctx.Err() != nil {
			reason, exitCode = "cancelled", ExitInternalError
			break runLoop
		}
	}

	summary := l.buildSummary(reason, exitCode, time.Since(wallStart))
	writeErr := l.writeEpisodeSummary(summary)
	closeErr := l.ledgers.Close()
	if writeErr != nil {
		return summary, writeErr
	}
	return summary, closeErr
}

// runCycle executes §4.5's per-cycle sequence, steps 1-11, for one integer
// cycle. terminal reports whether the run must stop; err is reserved for
// contract violations the loop cannot recover from locally.
func (l *Loop) runCycle(ctx context.Context) (terminal bool, reason string, exitCode int, err error) {
	defer func() {
		if verr := contract.Recover(); verr != nil {
			err = verr
		}
	}()

	cycle := l.cycle

	// A budget that cannot cover even the cheapest calibration ends the run:
	// as an epistemic deadlock while hard refusal is active, otherwise as
	// budget exhaustion.
	if l.budgetRemaining < l.cheapestCalibrationWells() {
		if dErr := l.ctrl.CheckDeadlock(l.budgetRemaining, l.cheapestCalibrationWells()); dErr != nil {
			return true, "epistemic_deadlock", ExitEpistemicDeadlock, nil
		}
		return true, "budget_exhausted", ExitBudgetExhausted, nil
	}

	// Step 1: a pending mitigation/epistemic action consumes the whole
	// cycle; no proposal, no score, no belief update from fresh science.
	if l.hasPending {
		return l.runPendingCycle(ctx, cycle)
	}

	// Step 2: ask Policy for a proposal.
	action, scores := l.selectAction()
	if l.forceCalibrateNext {
		action = policy.ActionCalibrate
		l.forceCalibrateNext = false
	}

	if action == policy.ActionNoDetection {
		l.writeDecision(cycle, action, true, 0, scores)
		return true, "no_detection", ExitSuccess, nil
	}

	proposal, berr := l.buildProposal(action, cycle)
	if berr != nil {
		return false, "", 0, berr
	}
	if proposal == nil || len(proposal.Wells) == 0 {
		// NONE, or an action with nothing to act on yet (e.g. MITIGATE
		// chosen before any prior proposal exists): an idle cycle.
		l.writeDecision(cycle, action, false, 0, scores)
		l.lastAction = action
		return false, "", 0, nil
	}

	_, missingGates := l.belief.LadderSatisfied(proposal.TemplateName)

	// Step 3: admissibility check.
	verdict := l.ctrl.Admit(cycle, proposal, missingGates, l.budgetRemaining)
	if !verdict.Admitted {
		l.writeRefusal(cycle, *verdict.Refusal)
		l.writeDecision(cycle, action, false, 0, scores)
		l.forceCalibrateNext = true
		return false, "", 0, nil
	}

	// Step 4.
	uncertaintyPre := l.belief.EstimateCalibrationUncertainty()

	// Step 5: World executes the proposal.
	results, werr := l.exec.Execute(ctx, proposal.Wells)
	if werr != nil {
		return false, "", 0, fmt.Errorf("loop: world execution failed at cycle %d: %w", cycle, werr)
	}
	conditions := world.Aggregate(l.layout, results)

	// Step 6: belief updates from real observation only.
	realizedBits, qcFlagRaised := l.applyObservations(cycle, conditions)

	// Step 7.
	uncertaintyPost := l.belief.EstimateCalibrationUncertainty()
	l.belief.RecalculateCalibrationEntropy()

	// Step 8: realized information gain -> Controller debt update.
	entry := l.resolveClaimOrRepay(cycle, proposal, uncertaintyPre, uncertaintyPost, realizedBits)
	l.writeEpistemic(cycle, entry)

	wellsUsed := len(proposal.Wells)
	l.budgetRemaining -= wellsUsed
	l.trackSpend(action, wellsUsed)
	l.advanceElapsed(proposal)

	l.writeDecision(cycle, action, true, verdict.EffectiveCost, scores)
	l.lastAction = action
	l.priorProposal = proposal

	// Steps 9-10: schedule a pending cycle when QC flagged or the ruler
	// is untrusted, capping consecutive REPLICATE before forcing EXPLORE
	// (§4.4/§4.5).
	l.schedulePending(qcFlagRaised, uncertaintyPost)

	// Step 11 (diagnostics half; decision/evidence/epistemic already
	// written above as each fact became available).
	l.writeDiagnostics(cycle, uncertaintyPre, uncertaintyPost, realizedBits)

	if dErr := l.ctrl.CheckDeadlock(l.budgetRemaining, l.cheapestCalibrationWells()); dErr != nil {
		return true, "epistemic_deadlock", ExitEpistemicDeadlock, nil
	}
	if l.budgetRemaining <= 0 {
		return true, "budget_exhausted", ExitBudgetExhausted, nil
	}
	return false, "", 0, nil
}

// runPendingCycle executes a scheduled MITIGATE/REPLICATE/EXPLORE action as
// the entirety of cycle `cycle` (§4.5 invariant 3).
func (l *Loop) runPendingCycle(ctx context.Context, cycle int) (terminal bool, reason string, exitCode int, err error) {
	action := l.pendingAction
	l.hasPending = false
	l.pendingAction = policy.ActionNone

	proposal, berr := l.buildPendingProposal(action, cycle)
	if berr != nil {
		return false, "", 0, berr
	}

	results, werr := l.exec.Execute(ctx, proposal.Wells)
	if werr != nil {
		return false, "", 0, fmt.Errorf("loop: pending-action world execution failed at cycle %d: %w", cycle, werr)
	}
	conditions := world.Aggregate(l.layout, results)
	realizedBits, qcFlagRaised := l.applyObservations(cycle, conditions)
	l.belief.RecalculateCalibrationEntropy()

	if action == policy.ActionMitigate {
		l.belief.ApplyQC(aggregateQC(conditions), true)
		l.mitigationCount++
	}

	wellsUsed := len(proposal.Wells)
	l.budgetRemaining -= wellsUsed
	l.trackSpend(action, wellsUsed)
	l.advanceElapsed(proposal)

	claim := epistemic.Claim{Cycle: cycle, TemplateName: proposal.TemplateName}
	if proposal.Claim != nil {
		claim.ClaimedBits = proposal.Claim.ClaimedInfoGainBits
	}
	entry := l.ctrl.ResolveClaim(claim, realizedBits)
	l.writeEpistemic(cycle, entry)

	l.writeMitigation(cycle, action, wellsUsed)
	l.writeDecision(cycle, action, true, float64(wellsUsed), nil)
	l.writeDiagnostics(cycle, 0, l.belief.EstimateCalibrationUncertainty(), realizedBits)

	l.lastAction = action
	l.priorProposal = proposal

	// A pending cycle can itself raise a fresh QC flag; it is scheduled
	// for the next cycle rather than compounded into this one.
	if qcFlagRaised && action != policy.ActionMitigate {
		l.pendingAction = policy.ActionMitigate
		l.hasPending = true
	}

	if dErr := l.ctrl.CheckDeadlock(l.budgetRemaining, l.cheapestCalibrationWells()); dErr != nil {
		return true, "epistemic_deadlock", ExitEpistemicDeadlock, nil
	}
	if l.budgetRemaining <= 0 {
		return true, "budget_exhausted", ExitBudgetExhausted, nil
	}
	return false, "", 0, nil
}

func (l *Loop) buildPendingProposal(action policy.Action, cycle int) (*models.Proposal, error) {
	layoutSeed := l.layoutSeedFor(cycle)
	switch action {
	case policy.ActionMitigate:
		return policy.BuildMitigateProposal(cycle, l.priorProposal, l.layout, layoutSeed)
	case policy.ActionReplicate:
		return policy.BuildReplicateProposal(cycle, l.priorProposal, l.layout, layoutSeed)
	case policy.ActionExplore:
		design := l.pickExploreDesign()
		return policy.BuildExploreProposal(cycle, l.layout, design, layoutSeed, l.belief.ExpectedExploreInfoGainBits())
	default:
		return nil, fmt.Errorf("loop: unsupported pending action %q at cycle %d", action, cycle)
	}
}

func (l *Loop) schedulePending(qcFlagRaised bool, uncertaintyPost float64) {
	rulerUntrusted := uncertaintyPost > l.cfg.EpistemicUncertaintyThreshold
	action, has := policy.PendingFromQuality(qcFlagRaised, rulerUntrusted)
	if !has {
		l.consecutiveReplicates = 0
		return
	}
	if action == policy.ActionReplicate {
		if l.consecutiveReplicates >= l.cfg.MaxConsecutiveReplicates {
			action = policy.ActionExplore
			l.consecutiveReplicates = 0
		} else {
			l.consecutiveReplicates++
		}
	} else {
		l.consecutiveReplicates = 0
	}
	l.pendingAction = action
	l.hasPending = true
}

func (l *Loop) resolveClaimOrRepay(cycle int, proposal *models.Proposal, uncertaintyPre, uncertaintyPost, realizedBits float64) epistemic.LedgerEntry {
	if proposal.IsCalibration {
		noiseImprovement := 0.0
		if uncertaintyPre > 1e-9 {
			noiseImprovement = clip01((uncertaintyPre - uncertaintyPost) / uncertaintyPre)
		}
		l.calibrationDecisions++
		l.cyclesSinceCalib = 0
		return l.ctrl.RepayCalibration(cycle, len(proposal.Wells), noiseImprovement)
	}
	l.cyclesSinceCalib++
	claim := epistemic.Claim{Cycle: cycle, TemplateName: proposal.TemplateName}
	if proposal.Claim != nil {
		claim.ClaimedBits = proposal.Claim.ClaimedInfoGainBits
	}
	return l.ctrl.ResolveClaim(claim, realizedBits)
}

// applyObservations folds every observation condition into belief (§4.5
// step 6, the only place belief updates from real data) and reports the
// realized information gain plus whether any condition's QC crossed the
// severity threshold.
func (l *Loop) applyObservations(cycle int, conditions []models.ObservationCondition) (realizedBits float64, qcFlagRaised bool) {
	entropyBefore := l.belief.ExpectedExploreInfoGainBits()

	// Capture this batch's control/calibration conditions first, so a
	// DMSO well observed later in the same proposal still grounds every
	// treated well's delta in this cycle rather than only the previous
	// one (§4.2).
	for _, cond := range conditions {
		if cond.Compound == "" || cond.Compound == "DMSO" {
			l.controlRefs[cond.CellLine] = cond
		}
	}

	for _, cond := range conditions {
		assay := assayForCondition(cond)
		dfTotal := math.Max(0, float64(cond.N-1))
		relWidth := relativeWidth(cond)
		if ev, gerr := l.belief.UpdateGate(cycle, assay, cond, dfTotal, relWidth, "real"); gerr == nil {
			l.writeEvidence(cycle, ev)
			l.trackGate(assay)
		}

		if cond.Compound != "" && cond.Compound != "DMSO" {
			ref, hasRef := l.controlRefs[cond.CellLine]
			ev := l.belief.UpdateMechanismPosterior(cycle, cond, channelDeltas(cond, ref, hasRef), "real")
			l.writeEvidence(cycle, ev)
		}

		l.belief.ApplyQC(cond.QC, false)
		if qcViolated(l.cfg, cond.QC) {
			qcFlagRaised = true
		}
	}

	entropyAfter := l.belief.ExpectedExploreInfoGainBits()
	realizedBits = math.Max(0, entropyBefore-entropyAfter)
	l.metrics.healthGauge.Set(l.belief.HealthDebt)
	return realizedBits, qcFlagRaised
}

func (l *Loop) trackGate(assay string) {
	if l.belief.Gates[assay].Earned(l.cfg) {
		if !l.gatesEarned[assay] {
			l.gatesEarned[assay] = true
		}
		delete(l.gatesLost, assay)
	} else if l.gatesEarned[assay] {
		delete(l.gatesEarned, assay)
		l.gatesLost[assay] = true
	}
}

// assayForCondition infers which assay produced an ObservationCondition
// from its populated channel slots, since the aggregated condition itself
// does not retain the originating WellSpec.Assay (§4.6 groups purely by
// compound/dose/timepoint/cell_line/position).
func assayForCondition(cond models.ObservationCondition) string {
	for _, ch := range cond.UsableChannels {
		if ch == "transcript_stress_score" {
			return belief.AssayScRNA
		}
	}
	if len(cond.UsableChannels) > 0 {
		return belief.AssayCellPainting
	}
	return belief.AssayLDH
}

// relativeWidth estimates a condition's measurement confidence-interval
// width relative to its mean, averaged across whichever channels this
// condition's assay populated and shrunk by sqrt(n) the way a standard
// error would (§4.2's gate test consumes this as rel_width).
func relativeWidth(cond models.ObservationCondition) float64 {
	n := math.Max(1, float64(cond.N))
	var cvs []float64
	for ch, std := range cond.ChannelStd {
		mean := cond.ChannelMean[ch]
		if mean == 0 {
			continue
		}
		cvs = append(cvs, math.Abs(std/mean))
	}
	if len(cond.UsableChannels) == 0 && cond.LDHMean != 0 {
		cvs = append(cvs, math.Abs(cond.LDHStd/cond.LDHMean))
	}
	if len(cvs) == 0 {
		return 1.0
	}
	var sum float64
	for _, v := range cvs {
		sum += v
	}
	return (sum / float64(len(cvs))) / math.Sqrt(n)
}

// channelDeltas feeds the mechanism-posterior dot product (§4.2) with
// treatment-induced change rather than absolute morphology: ref is the
// most recent control/calibration ObservationCondition observed for this
// cell line (l.controlRefs, carried forward across cycles), and hasRef
// reports whether one exists yet. Every channel cond shares with ref is
// subtracted before scoring, since mechanismSignatures' per-channel
// coefficients are calibrated against change from baseline, not absolute
// morphology (cell_area's baseline alone swamps any mechanism's dot
// product). Before the first calibration of a run, hasRef is false and
// the raw mean is used as a weaker fallback signal.
func channelDeltas(cond, ref models.ObservationCondition, hasRef bool) map[string]float64 {
	deltas := make(map[string]float64, len(cond.ChannelMean)+1)
	for ch, mean := range cond.ChannelMean {
		delta := mean
		if hasRef {
			if refMean, ok := ref.ChannelMean[ch]; ok {
				delta = mean - refMean
			}
		}
		deltas[ch] = delta
	}
	if cond.LDHMean != 0 {
		ldh := cond.LDHMean
		if hasRef && ref.LDHMean != 0 {
			ldh -= ref.LDHMean
		}
		deltas["ldh"] = ldh
	}
	return deltas
}

func qcViolated(cfg config.RunConfig, qc models.QCFlags) bool {
	return qc.MoransI > cfg.QCMoransIThreshold ||
		qc.NucleiCV > cfg.QCNucleiCVThreshold ||
		qc.SegmentationQuality < cfg.QCSegQualityThreshold
}

func aggregateQC(conditions []models.ObservationCondition) models.QCFlags {
	if len(conditions) == 0 {
		return models.QCFlags{}
	}
	var moransSum, nucleiSum, segSum float64
	for _, c := range conditions {
		moransSum += c.QC.MoransI
		nucleiSum += c.QC.NucleiCV
		segSum += c.QC.SegmentationQuality
	}
	n := float64(len(conditions))
	return models.QCFlags{MoransI: moransSum / n, NucleiCV: nucleiSum / n, SegmentationQuality: segSum / n}
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// buildProposal dispatches the selected top-level action to its template
// builder (§4.4). ActionReplicate never appears here: it is only ever
// scheduled as a pending action (§4.5 step 10), never chosen directly by
// SelectAction.
func (l *Loop) buildProposal(action policy.Action, cycle int) (*models.Proposal, error) {
	layoutSeed := l.layoutSeedFor(cycle)
	switch action {
	case policy.ActionCalibrate:
		return policy.BuildCalibrateProposal(cycle, l.layout, l.cellLineNames, l.cfg.CalibrationReserveWells, layoutSeed, belief.AssayCellPainting)
	case policy.ActionExplore:
		design := l.pickExploreDesign()
		return policy.BuildExploreProposal(cycle, l.layout, design, layoutSeed, l.belief.ExpectedExploreInfoGainBits())
	case policy.ActionMitigate:
		if l.priorProposal == nil {
			return nil, nil
		}
		return policy.BuildMitigateProposal(cycle, l.priorProposal, l.layout, layoutSeed)
	case policy.ActionNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("loop: unsupported action %q from SelectAction", action)
	}
}

// pickExploreDesign round-robins the compound roster so successive EXPLORE
// proposals sample different mechanisms rather than repeatedly probing the
// same one (§4.4: "chosen... to maximize expected posterior entropy
// reduction").
func (l *Loop) pickExploreDesign() policy.DoseResponseDesign {
	compound := "DMSO"
	ic50 := 0.0
	if len(l.compoundRoster) > 0 {
		compound = l.compoundRoster[l.exploreCompoundIdx%len(l.compoundRoster)]
		l.exploreCompoundIdx++
		ic50 = l.compounds[compound].IC50UM
	}
	doses := []float64{0.1, 1.0, 5.0}
	if ic50 > 0 {
		doses = []float64{ic50 * 0.25, ic50, ic50 * 4}
	}
	return policy.DoseResponseDesign{
		Compound:   compound,
		CellLines:  l.cellLineNames,
		DosesUM:    doses,
		TimepointH: 24,
		Assay:      belief.AssayCellPainting,
		Replicates: 3,
	}
}

func (l *Loop) layoutSeedFor(cycle int) int64 {
	return int64(rng.StableHash64(fmt.Sprintf("layout:%d:%d", l.cfg.Seed, cycle)))
}

func (l *Loop) selectAction() (policy.Action, map[policy.Action]float64) {
	return policy.SelectAction(l.buildScoringInput(), l.cfg)
}

func (l *Loop) buildScoringInput() policy.ScoringInput {
	healthRisk := 0.0
	switch l.belief.Pressure() {
	case belief.PressureMedium:
		healthRisk = 0.5
	case belief.PressureHigh:
		healthRisk = 1.0
	}
	debt := l.ctrl.Debt()
	mitigateWells := 0
	if l.priorProposal != nil {
		mitigateWells = len(l.priorProposal.Wells)
	}
	return policy.ScoringInput{
		Uncertainty:            l.belief.EstimateCalibrationUncertainty(),
		Debt:                   debt,
		CyclesSinceCalibration: l.cyclesSinceCalib,
		BudgetRemaining:        l.budgetRemaining,
		CalibrationWells:       l.cfg.CalibrationReserveWells,
		ExpectedInfoGainBits:   l.belief.ExpectedExploreInfoGainBits(),
		HealthRisk:             healthRisk,
		ExploreWells:           l.cfg.PlateEquivalentWells / 4,
		MitigateReduction:      0.5,
		MitigateExcessDebt:     math.Max(0, debt-l.cfg.PolicyWeights.DebtTarget),
		MitigateWells:          mitigateWells,
		CalibratedConfidence:   l.calibratedConfidence(),
		ElapsedH:               l.elapsedHAcc,
		Ops:                    l.cycle,
		LastAction:             l.lastAction,
	}
}

func (l *Loop) calibratedConfidence() float64 {
	if !l.belief.Gates[belief.AssayCellPainting].Earned(l.cfg) || !l.belief.Gates[belief.AssayLDH].Earned(l.cfg) {
		return 0
	}
	return l.belief.Posterior[l.belief.TopMechanism()]
}

func (l *Loop) advanceElapsed(proposal *models.Proposal) {
	if len(proposal.Wells) > 0 {
		l.elapsedHAcc += proposal.Wells[0].TimepointH
	}
}

func (l *Loop) trackSpend(action policy.Action, wells int) {
	switch action {
	case policy.ActionCalibrate:
		l.wellsCalibration += wells
		l.metrics.wellsSpent.Inc(float64(wells), "calibration")
	case policy.ActionExplore:
		l.wellsExploration += wells
		l.metrics.wellsSpent.Inc(float64(wells), "exploration")
	case policy.ActionMitigate, policy.ActionReplicate:
		l.wellsMitigation += wells
		l.metrics.wellsSpent.Inc(float64(wells), "mitigation")
	}
	l.metrics.cycles.Inc(1)

	spent := l.wellsCalibration + l.wellsExploration + l.wellsMitigation
	contract.Assert(spent+l.budgetRemaining == l.cfg.BudgetWells, "budget_conservation",
		"calibration=%d exploration=%d mitigation=%d remaining=%d initial=%d",
		l.wellsCalibration, l.wellsExploration, l.wellsMitigation, l.budgetRemaining, l.cfg.BudgetWells)
}

func (l *Loop) cheapestCalibrationWells() int {
	if l.cfg.CalibrationReserveWells > 0 {
		return l.cfg.CalibrationReserveWells
	}
	return 1
}

func (l *Loop) buildSummary(reason string, exitCode int, wallDuration time.Duration) models.EpisodeSummary {
	entropyNow := l.belief.EstimateCalibrationUncertainty()
	spentTotal := l.wellsCalibration + l.wellsExploration + l.wellsMitigation

	var efficiency float64
	if plateEquivalents := float64(spentTotal) / float64(l.cfg.PlateEquivalentWells); plateEquivalents > 0 {
		efficiency = math.Max(0, l.entropyStart-entropyNow) / plateEquivalents
	}

	return models.EpisodeSummary{
		Seed:                   l.cfg.Seed,
		InitialBudgetWells:     l.cfg.BudgetWells,
		WellsSpentCalibration:  l.wellsCalibration,
		WellsSpentExploration:  l.wellsExploration,
		WellsSpentMitigation:   l.wellsMitigation,
		WellsRemaining:         l.budgetRemaining,
		EntropyReductionBits:   math.Max(0, l.entropyStart-entropyNow),
		GatesEarned:            sortedSet(l.gatesEarned),
		GatesLost:              sortedSet(l.gatesLost),
		MitigationCount:        l.mitigationCount,
		FinalHealthDebt:        l.belief.HealthDebt,
		FinalEpistemicDebt:     l.ctrl.Debt(),
		EfficiencyBitsPerPlate: efficiency,
		Cycles:                 l.cycle,
		TerminationReason:      reason,
		CalibrationDecisions:   l.calibrationDecisions,
		ExitCode:               exitCode,
		WallDuration:           wallDuration,
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Loop) writeEpisodeSummary(summary models.EpisodeSummary) error {
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("loop: marshal episode summary: %w", err)
	}
	if err := os.MkdirAll(l.cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("loop: create output dir: %w", err)
	}
	path := filepath.Join(l.cfg.OutDir, "episode_summary.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("loop: write episode summary: %w", err)
	}
	return nil
}

func (l *Loop) writeDecision(cycle int, action policy.Action, admitted bool, cost float64, scores map[policy.Action]float64) {
	scoreMap := make(map[string]float64, len(scores))
	for a, s := range scores {
		scoreMap[string(a)] = s
	}
	rec := DecisionRecord{
		Cycle:           cycle,
		Timestamp:       time.Now(),
		EventType:       "decision",
		Action:          string(action),
		Admitted:        admitted,
		EffectiveCost:   cost,
		BudgetRemaining: l.budgetRemaining,
		EpistemicDebt:   l.ctrl.Debt(),
		Scores:          scoreMap,
	}
	l.logLedgerErr("decisions", l.ledgers.Decisions.write(rec))
}

func (l *Loop) writeEvidence(cycle int, ev belief.EvidenceEvent) {
	rec := EvidenceLedgerRecord{
		Timestamp:            time.Now(),
		EventType:             "evidence",
		Cycle:                 cycle,
		Kind:                  ev.Kind,
		SupportingConditions:  ev.SupportingConditions,
		MetricSource:          ev.MetricSource,
		Detail:                ev.Detail,
	}
	l.logLedgerErr("evidence", l.ledgers.Evidence.write(rec))
}

func (l *Loop) writeDiagnostics(cycle int, uncertaintyPre, uncertaintyPost, realizedBits float64) {
	rec := DiagnosticsRecord{
		Cycle:                cycle,
		Timestamp:            time.Now(),
		EventType:            "diagnostics",
		UncertaintyPre:       uncertaintyPre,
		UncertaintyPost:      uncertaintyPost,
		RealizedInfoGainBits: realizedBits,
		HealthDebt:           l.belief.HealthDebt,
		Pressure:             string(l.belief.Pressure()),
		NuisanceFraction:     l.belief.Nuisance.NuisanceFraction,
		NuisanceVarInflation: l.belief.Nuisance.NuisanceVarInflation,
	}
	l.logLedgerErr("diagnostics", l.ledgers.Diagnostics.write(rec))
}

func (l *Loop) writeDiagnosticsError(cycle int, cause error) {
	rec := DiagnosticsRecord{
		Cycle:       cycle,
		Timestamp:   time.Now(),
		EventType:   "contract_violation",
		HealthDebt:  l.belief.HealthDebt,
		Pressure:    string(l.belief.Pressure()),
	}
	l.logLedgerErr("diagnostics", l.ledgers.Diagnostics.write(rec))
	_ = cause
}

func (l *Loop) writeRefusal(cycle int, rec epistemic.RefusalRecord) {
	out := RefusalLedgerRecord{
		Cycle:             cycle,
		Timestamp:         time.Now(),
		EventType:         "refusal",
		AttemptedTemplate: rec.AttemptedTemplate,
		MissingGates:      rec.MissingGates,
		Debt:              rec.Debt,
		BudgetRemaining:   rec.BudgetRemaining,
		EnforcementLayer:  rec.EnforcementLayer,
	}
	l.logLedgerErr("refusals", l.ledgers.Refusals.write(out))
	l.metrics.refusals.Inc(1, rec.EnforcementLayer)
}

func (l *Loop) writeMitigation(cycle int, action policy.Action, wellsUsed int) {
	reason := "qc_flag"
	if action == policy.ActionReplicate || action == policy.ActionExplore {
		reason = "ruler_untrusted"
	}
	rec := MitigationRecord{Cycle: cycle, Timestamp: time.Now(), EventType: "mitigation", Reason: reason, WellsUsed: wellsUsed}
	l.logLedgerErr("mitigation", l.ledgers.Mitigation.write(rec))
}

func (l *Loop) writeEpistemic(cycle int, entry epistemic.LedgerEntry) {
	rec := EpistemicLedgerRecord{
		Timestamp:          time.Now(),
		EventType:          "epistemic",
		Cycle:              cycle,
		ClaimedBits:        entry.ClaimedBits,
		RealizedBits:       entry.RealizedBits,
		DebtDelta:          entry.DebtDelta,
		DebtAfter:          entry.DebtAfter,
		CostInflation:      entry.CostInflation,
		CumulativeRefusals: entry.CumulativeRefusals,
		Insolvent:          entry.Insolvent,
	}
	l.logLedgerErr("epistemic", l.ledgers.Epistemic.write(rec))
	l.metrics.debtGauge.Set(entry.DebtAfter)
}

func (l *Loop) logLedgerErr(ledger string, err error) {
	if err != nil {
		l.logger.ErrorCtx(context.Background(), "loop: ledger write failed", "ledger", ledger, "error", err.Error())
	}
}
