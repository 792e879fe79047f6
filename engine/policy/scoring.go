package policy

import (
	"math"

	"github.com/cellassay/platecortex/engine/config"
)

// ScoringInput carries every belief/budget/history fact the EIV formulas
// (§4.4) need. Policy receives this as a read-only view; it never mutates
// belief or ledgers itself (§3: "Policy and Controller receive read-only
// views, return proposed edits").
type ScoringInput struct {
	Uncertainty            float64
	Debt                    float64
	CyclesSinceCalibration  int
	BudgetRemaining         int
	CalibrationWells        int

	ExpectedInfoGainBits float64
	HealthRisk           float64
	ExploreWells         int

	MitigateReduction   float64
	MitigateExcessDebt  float64
	MitigateWells       int

	CalibratedConfidence float64
	ElapsedH             float64
	Ops                  int

	LastAction Action
}

// ScoreCalibrate implements §4.4's score_calibrate, returning -Inf when
// the action is ineligible (too soon after the last calibration, or
// unaffordable while reserving a full plate-equivalent of wells).
func ScoreCalibrate(in ScoringInput, cfg config.RunConfig) float64 {
	if in.CyclesSinceCalibration < cfg.MinCyclesBetweenCalib {
		return math.Inf(-1)
	}
	if in.BudgetRemaining-in.CalibrationWells < cfg.PlateEquivalentWells {
		return math.Inf(-1)
	}
	w := cfg.PolicyWeights
	return w.KUncertainty*0.7*in.Uncertainty + w.KDebt*0.3*math.Max(0, in.Debt-w.DebtTarget) - w.KPlate - w.KTime
}

// ScoreExplore implements §4.4's score_explore.
func ScoreExplore(in ScoringInput, cfg config.RunConfig) float64 {
	w := cfg.PolicyWeights
	return in.ExpectedInfoGainBits - w.KHealth*in.HealthRisk - w.KPlate*float64(in.ExploreWells)/float64(cfg.PlateEquivalentWells) - w.KTime
}

// ScoreMitigate implements §4.4's score_mitigate.
func ScoreMitigate(in ScoringInput, cfg config.RunConfig) float64 {
	w := cfg.PolicyWeights
	ratio := 0.0
	if in.Debt > 0 {
		ratio = in.MitigateExcessDebt / in.Debt
	}
	return w.KDebt*in.MitigateReduction*ratio - w.KPlate*float64(in.MitigateWells)/float64(cfg.PlateEquivalentWells) - w.KTime
}

// ScoreNoDetection implements §4.4's score_no_detection, biased below an
// equal-confidence concrete commit by CommitPreferenceMargin (§9 Open
// Question: NO_DETECTION and commit-to-UNKNOWN are distinct terminal
// outcomes; NO_DETECTION must score strictly lower at equal confidence).
func ScoreNoDetection(in ScoringInput, cfg config.RunConfig) float64 {
	w := cfg.PolicyWeights
	return w.WConfidence*in.CalibratedConfidence - w.WElapsed*in.ElapsedH - w.WOps*float64(in.Ops) - w.CommitPreferenceMargin
}

// SelectAction scores every EIV-driven action plus the NONE baseline and
// applies §4.4's hysteresis rule: the argmax only displaces last_action if
// its margin exceeds action_switch_penalty.
func SelectAction(in ScoringInput, cfg config.RunConfig) (Action, map[Action]float64) {
	scores := map[Action]float64{
		ActionCalibrate:   ScoreCalibrate(in, cfg),
		ActionExplore:     ScoreExplore(in, cfg),
		ActionMitigate:    ScoreMitigate(in, cfg),
		ActionNoDetection: ScoreNoDetection(in, cfg),
		ActionNone:        0,
	}

	order := []Action{ActionCalibrate, ActionExplore, ActionMitigate, ActionNoDetection, ActionNone}
	best := ActionNone
	bestScore := scores[ActionNone]
	for _, a := range order {
		if scores[a] > bestScore {
			best = a
			bestScore = scores[a]
		}
	}

	// Only a last action that is scored here can be held on to; a
	// pending-only action such as REPLICATE is never returned.
	lastScore, known := scores[in.LastAction]
	if known && best != in.LastAction && bestScore-lastScore <= cfg.ActionSwitchPenalty {
		return in.LastAction, scores
	}
	return best, scores
}

// PendingFromQuality decides whether the prior cycle's QC/trust signals
// force a full MITIGATE or REPLICATE cycle next (§4.4: "scheduled as a
// full next integer cycle when the prior cycle raised a QC flag or when
// belief signals 'ruler is untrusted'"). QC flags (a physical plate
// problem) are repaired by replating; an untrusted ruler (measurement
// instability) is repaired by gathering more replicate evidence — see
// DESIGN.md's Open Question decision.
func PendingFromQuality(qcFlagRaised, rulerUntrusted bool) (Action, bool) {
	switch {
	case qcFlagRaised:
		return ActionMitigate, true
	case rulerUntrusted:
		return ActionReplicate, true
	default:
		return ActionNone, false
	}
}
