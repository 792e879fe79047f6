// Package belief tracks what the loop has learned and whether its
// instruments are trusted: calibration entropy, per-assay gates, a
// mechanism posterior, and health debt (§4.2). BeliefState is owned
// exclusively by the loop; Policy and the Controller receive read-only
// views and return proposed edits the loop applies between cycles.
package belief

import (
	"fmt"
	"math"
	"sort"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

const (
	AssayLDH          = "LDH"
	AssayCellPainting = "Cell-Painting"
	AssayScRNA        = "scRNA"

	MechanismUnknown = "UNKNOWN"
)

// GateRecord is the per-assay trust record (§4.2).
type GateRecord struct {
	DFTotal     float64 `json:"df_total"`
	RelWidth    float64 `json:"rel_width"`
	SigmaStable bool    `json:"sigma_stable"`
	MetricSource string `json:"metric_source"` // "real" | "proxy:..."
}

// Earned reports whether this record satisfies the assay's trust
// threshold; proxy-sourced records never earn a gate regardless of
// df_total/rel_width (§4.2: "knowledge vs action separation").
func (g GateRecord) Earned(cfg config.RunConfig) bool {
	return g.MetricSource == "real" && g.DFTotal >= cfg.GateDFMin && g.RelWidth <= cfg.GateRelWidthMax
}

// NuisanceDiagnostics records whether a 1.0 nuisance fraction reflects a
// clipping artefact or real saturation (§9 Open Question; SPEC_FULL §3.1).
type NuisanceDiagnostics struct {
	NuisanceFraction    float64 `json:"nuisance_fraction"`
	NuisanceVarInflation float64 `json:"nuisance_var_inflation"`
}

// HealthPressure is the coarse health-debt reading exposed to Policy.
type HealthPressure string

const (
	PressureLow    HealthPressure = "low"
	PressureMedium HealthPressure = "medium"
	PressureHigh   HealthPressure = "high"
)

// BeliefState is the loop's single mutable model of what it has learned.
type BeliefState struct {
	cfg config.RunConfig

	CalibrationEntropyBits float64
	Gates                  map[string]GateRecord // assay -> record
	Mechanisms             []string              // ordered, excludes UNKNOWN
	Posterior              map[string]float64    // mechanism|UNKNOWN -> probability
	mechanismLogit         map[string]float64    // accumulated log-evidence, UNKNOWN pinned at 0

	HealthDebt          float64
	HealthDebtHistory   []float64
	CyclesSinceCalib    int
	LastAction          string
	Nuisance            NuisanceDiagnostics

	Evidence    []EvidenceEvent
	Diagnostics []string
}

// New constructs a BeliefState with an uninformative mechanism prior (all
// mass on UNKNOWN) and unearned gates.
func New(cfg config.RunConfig, mechanisms []string) *BeliefState {
	ordered := append([]string(nil), mechanisms...)
	sort.Strings(ordered)
	posterior := make(map[string]float64, len(ordered)+1)
	logit := make(map[string]float64, len(ordered)+1)
	posterior[MechanismUnknown] = 1
	for _, m := range ordered {
		posterior[m] = 0
		logit[m] = 0
	}
	return &BeliefState{
		cfg: cfg,
		Gates: map[string]GateRecord{
			AssayLDH:          {},
			AssayCellPainting: {},
			AssayScRNA:        {},
		},
		Mechanisms:     ordered,
		Posterior:      posterior,
		mechanismLogit: logit,
		LastAction:     "NONE",
	}
}

// EvidenceEvent is emitted on every belief mutation, recording which wells
// justified it and whether the metric was trusted (§3).
type EvidenceEvent struct {
	Cycle                int      `json:"cycle"`
	Kind                 string   `json:"kind"` // "gate" | "mechanism" | "health_debt"
	SupportingConditions []string `json:"supporting_conditions"`
	MetricSource         string   `json:"metric_source"`
	Detail               string   `json:"detail"`
}

func conditionLabel(c models.ObservationCondition) string {
	return fmt.Sprintf("%s@%.3fuM/%.1fh/%s/%s", c.Compound, c.DoseUM, c.TimepointH, c.CellLine, c.PositionClass)
}

// UpdateGate folds one ObservationCondition's QC-derived df/rel_width into
// an assay's gate record and emits the corresponding EvidenceEvent. Proxy
// evidence is recorded (so belief can still shift) but is marked
// non-qualifying via MetricSource.
func (b *BeliefState) UpdateGate(cycle int, assay string, cond models.ObservationCondition, dfTotal, relWidth float64, metricSource string) (EvidenceEvent, error) {
	if _, ok := b.Gates[assay]; !ok {
		return EvidenceEvent{}, fmt.Errorf("belief: unknown assay %q", assay)
	}
	prev := b.Gates[assay]
	rec := GateRecord{
		DFTotal:      prev.DFTotal + dfTotal,
		RelWidth:     relWidth,
		SigmaStable:  math.Abs(relWidth-prev.RelWidth) < 0.02,
		MetricSource: metricSource,
	}
	b.Gates[assay] = rec

	ev := EvidenceEvent{
		Cycle:                cycle,
		Kind:                 "gate",
		SupportingConditions: []string{conditionLabel(cond)},
		MetricSource:         metricSource,
		Detail:               fmt.Sprintf("assay=%s df_total=%.2f rel_width=%.4f", assay, rec.DFTotal, rec.RelWidth),
	}
	b.Evidence = append(b.Evidence, ev)
	return ev, nil
}

// LadderSatisfied enforces the measurement ladder (§4.2): scrna_upgrade_probe
// requires the Cell-Painting gate; any biological-claim template requires
// both LDH and Cell-Painting.
func (b *BeliefState) LadderSatisfied(templateName string) (bool, []string) {
	var missing []string
	need := func(assay string) {
		if g, ok := b.Gates[assay]; !ok || !g.Earned(b.cfg) {
			missing = append(missing, assay)
		}
	}
	switch templateName {
	case "scrna_upgrade_probe":
		need(AssayCellPainting)
	default:
		if isBiologicalClaimTemplate(templateName) {
			need(AssayLDH)
			need(AssayCellPainting)
		}
	}
	return len(missing) == 0, missing
}

func isBiologicalClaimTemplate(name string) bool {
	switch name {
	case "dose_response", "mechanism_probe", "baseline":
		return true
	default:
		return false
	}
}

// UpdateMechanismPosterior folds a channel-signature dot-product score into
// the accumulated log-evidence per mechanism, then renormalizes the
// posterior. Proxy evidence updates the posterior (knowledge) but a
// mechanism is never treated as "earned"/actionable confidence without a
// real-sourced gate backing it (§4.2's knowledge/action separation is
// enforced at the Policy layer, not by withholding the update here).
func (b *BeliefState) UpdateMechanismPosterior(cycle int, cond models.ObservationCondition, channelDeltas map[string]float64, metricSource string) EvidenceEvent {
	var anyEvidence bool
	for _, mag := range channelDeltas {
		if math.Abs(mag) > 1e-6 {
			anyEvidence = true
			break
		}
	}
	if anyEvidence {
		for _, mech := range b.Mechanisms {
			sig := mechanismSignatures[mech]
			var score float64
			for ch, delta := range channelDeltas {
				score += sig[ch] * delta
			}
			b.mechanismLogit[mech] += score
		}
	}
	b.renormalizePosterior()

	ev := EvidenceEvent{
		Cycle:                cycle,
		Kind:                 "mechanism",
		SupportingConditions: []string{conditionLabel(cond)},
		MetricSource:         metricSource,
		Detail:               fmt.Sprintf("top=%s", b.TopMechanism()),
	}
	b.Evidence = append(b.Evidence, ev)
	return ev
}

func (b *BeliefState) renormalizePosterior() {
	maxLogit := 0.0 // UNKNOWN is pinned at logit 0
	for _, l := range b.mechanismLogit {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	exp := make(map[string]float64, len(b.mechanismLogit)+1)
	exp[MechanismUnknown] = math.Exp(0 - maxLogit)
	sum += exp[MechanismUnknown]
	for mech, l := range b.mechanismLogit {
		exp[mech] = math.Exp(l - maxLogit)
		sum += exp[mech]
	}
	for k, v := range exp {
		b.Posterior[k] = v / sum
	}
}

// TopMechanism returns the MAP mechanism label, deterministic on ties via
// lexicographic order (UNKNOWN sorts first among ties only if no
// mechanism strictly exceeds it).
func (b *BeliefState) TopMechanism() string {
	best := MechanismUnknown
	bestP := b.Posterior[MechanismUnknown]
	names := append([]string(nil), b.Mechanisms...)
	sort.Strings(names)
	for _, m := range names {
		if b.Posterior[m] > bestP {
			best = m
			bestP = b.Posterior[m]
		}
	}
	return best
}

// EstimateCalibrationUncertainty aggregates (in bits) the uncertainty
// sources named in §4.2: noise CI width, assay-gate uncertainty, edge-effect
// uncertainty, pattern uncertainty, exploration coverage. Used as the EIV
// "uncertainty" input for CALIBRATE scoring.
func (b *BeliefState) EstimateCalibrationUncertainty() float64 {
	var gateUncertainty float64
	for _, assay := range []string{AssayLDH, AssayCellPainting, AssayScRNA} {
		g := b.Gates[assay]
		if !g.Earned(b.cfg) {
			gateUncertainty += 1.0
		} else {
			gateUncertainty += g.RelWidth
		}
	}
	noiseCIWidth := 0.0
	if g, ok := b.Gates[AssayCellPainting]; ok {
		noiseCIWidth = g.RelWidth
	}
	edgeEffect := 0.1 * (1 - b.coverageFraction())
	pattern := entropyBits(b.Posterior)
	exploration := 1 - b.coverageFraction()

	return b.CalibrationEntropyBits + noiseCIWidth + gateUncertainty + edgeEffect + pattern + exploration
}

func (b *BeliefState) coverageFraction() float64 {
	earned := 0
	for _, assay := range []string{AssayLDH, AssayCellPainting, AssayScRNA} {
		if b.Gates[assay].Earned(b.cfg) {
			earned++
		}
	}
	return float64(earned) / 3.0
}

func entropyBits(dist map[string]float64) float64 {
	var h float64
	for _, p := range dist {
		if p <= 0 {
			continue
		}
		h -= p * math.Log2(p)
	}
	return h
}

// ExpectedExploreInfoGainBits estimates the bits an EXPLORE probe could
// resolve: the current mechanism posterior's entropy, since a fully
// informative probe would collapse it to a single mechanism (§4.4's EIV
// scoring consumes this as score_explore's claimed gain).
func (b *BeliefState) ExpectedExploreInfoGainBits() float64 {
	return entropyBits(b.Posterior)
}

// RecalculateCalibrationEntropy folds coverage/ladder state into the stored
// calibration-entropy figure; called once per cycle after evidence updates.
func (b *BeliefState) RecalculateCalibrationEntropy() {
	b.CalibrationEntropyBits = entropyBits(b.Posterior) + (1 - b.coverageFraction())
}

// ApplyQC folds one cycle's QC flags into health debt: accumulates on
// violation, decays on a clean cycle (§4.2).
func (b *BeliefState) ApplyQC(qc models.QCFlags, mitigated bool) {
	violated := qc.MoransI > b.cfg.QCMoransIThreshold ||
		qc.NucleiCV > b.cfg.QCNucleiCVThreshold ||
		qc.SegmentationQuality < b.cfg.QCSegQualityThreshold

	switch {
	case violated:
		b.HealthDebt += b.cfg.HealthDebtPerViolation
	case mitigated:
		b.HealthDebt = math.Max(0, b.HealthDebt-b.cfg.HealthDebtDecayMitigation)
	default:
		b.HealthDebt = math.Max(0, b.HealthDebt-b.cfg.HealthDebtDecayClean)
	}
	b.HealthDebtHistory = append(b.HealthDebtHistory, b.HealthDebt)
}

// Pressure classifies current health debt into the coarse reading Policy
// consumes (§4.2).
func (b *BeliefState) Pressure() HealthPressure {
	switch {
	case b.HealthDebt >= b.cfg.HealthDebtPressureHigh:
		return PressureHigh
	case b.HealthDebt >= b.cfg.HealthDebtPressureMedium:
		return PressureMedium
	default:
		return PressureLow
	}
}
