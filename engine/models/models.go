// Package models defines the shared data entities that flow between the
// biology VM, belief state, epistemic controller, policy, world and loop
// packages: Vessel, Proposal, WellSpec, ObservationCondition and
// EpisodeSummary, plus the sentinel errors raised when a caller violates
// the Core's contracts.
package models

import (
	"errors"
	"time"
)

// Domain-specific contract-violation errors. Raised (never silently
// defaulted) when a caller supplies an invalid biological or scheduling
// input.
var (
	ErrVesselExists          = errors.New("vessel: id already seeded")
	ErrVesselNotFound        = errors.New("vessel: unknown id")
	ErrUnknownCompound       = errors.New("vessel: unknown compound")
	ErrUnknownCellLine       = errors.New("vessel: unknown cell line")
	ErrInvalidIC50           = errors.New("vessel: invalid IC50")
	ErrNegativeCount         = errors.New("vessel: negative cell count")
	ErrMissingCommitmentDelay = errors.New("vessel: missing commitment delay at lethal dose")
	ErrVesselTerminal        = errors.New("vessel: already terminal")
	ErrInvalidDose           = errors.New("vessel: dose must be > 0")
)

// SubpopState is one clonal subpopulation within a vessel. Fraction of the
// three subpopulations within a vessel always sums to 1.
type SubpopState struct {
	Fraction  float64 `json:"fraction"`
	Viability float64 `json:"viability"`
	IC50Shift float64 `json:"ic50_shift"`
}

// ExposureKey identifies one dose event applied to one subpopulation, the
// unit at which commitment delays are stored.
type ExposureKey struct {
	Compound   string `json:"compound"`
	ExposureID int    `json:"exposure_id"`
	Subpop     string `json:"subpop"`
}

// DeathLedger accounts for the causes of viability loss. The three fields
// always sum to `1 - viability` for the owning vessel.
type DeathLedger struct {
	Compound   float64 `json:"death_compound"`
	Confluence float64 `json:"death_confluence"`
	Unknown    float64 `json:"death_unknown"`
}

// VesselStatus is the per-vessel state-machine position (§4.1).
type VesselStatus int

const (
	StatusEmpty VesselStatus = iota
	StatusSeeded
	StatusTreated
	StatusPostCommit
	StatusTerminal
)

func (s VesselStatus) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusSeeded:
		return "seeded"
	case StatusTreated:
		return "treated"
	case StatusPostCommit:
		return "post-commit"
	case StatusTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// CompoundMeta tracks per-compound dosing/commitment bookkeeping for a
// vessel. ExposureIDs is a monotonic counter per compound; CommitmentDelays
// is keyed by the (compound, exposure_id, subpop) triple.
type CompoundMeta struct {
	NextExposureID    map[string]int              `json:"next_exposure_id"`
	CommitmentDelays  map[ExposureKey]float64      `json:"commitment_delays"`
	StartTimeH        map[string]float64           `json:"compound_start_time"`
	LastExposureBySub map[string]map[string]int    `json:"last_exposure_by_subpop"` // compound -> subpop -> exposure_id
}

func newCompoundMeta() CompoundMeta {
	return CompoundMeta{
		NextExposureID:    make(map[string]int),
		CommitmentDelays:  make(map[ExposureKey]float64),
		StartTimeH:        make(map[string]float64),
		LastExposureBySub: make(map[string]map[string]int),
	}
}

// Vessel is a single physical well under exclusive ownership of the
// biology VM. Only the VM may mutate a Vessel.
type Vessel struct {
	ID          string                 `json:"id"`
	CellLine    string                 `json:"cell_line"`
	CellCount   float64                `json:"cell_count"`
	Viability   float64                `json:"viability"`
	Confluence  float64                `json:"confluence"`
	Subpops     map[string]SubpopState `json:"subpopulations"`
	SubpopOrder []string               `json:"-"` // stable iteration order, set at seed time

	CompoundConcentrations map[string]float64 `json:"compound_concentrations"`
	CompoundMeta           CompoundMeta       `json:"compound_meta"`

	Death DeathLedger `json:"death_ledger"`

	Status            VesselStatus `json:"status"`
	TimeH             float64      `json:"time_h"`
	LastTreatedAtH    float64      `json:"last_treated_at_h"`
	BaselineShift     []float64    `json:"baseline_shift"` // deterministic per-well morphology offset
}

// NewVessel constructs a freshly seeded vessel. Subpopulation fractions and
// per-subpop IC50 shifts are supplied by the caller (engine/vm derives them
// from the cell-line table); this constructor only enforces structural
// invariants.
func NewVessel(id, cellLine string, initialCount, initialViability float64, subpops map[string]SubpopState, order []string, baselineShift []float64) *Vessel {
	return &Vessel{
		ID:                      id,
		CellLine:                cellLine,
		CellCount:               initialCount,
		Viability:               initialViability,
		Confluence:              0,
		Subpops:                 subpops,
		SubpopOrder:             order,
		CompoundConcentrations:  make(map[string]float64),
		CompoundMeta:            newCompoundMeta(),
		Status:                  StatusSeeded,
		BaselineShift:           baselineShift,
	}
}

// WeightedViability recomputes vessel viability as the fraction-weighted
// mean of subpopulation viabilities (§3, §8.6).
func (v *Vessel) WeightedViability() float64 {
	var sum float64
	for _, name := range v.SubpopOrder {
		sp := v.Subpops[name]
		sum += sp.Fraction * sp.Viability
	}
	return sum
}

// Sum returns the sum of the three death-ledger components.
func (d DeathLedger) Sum() float64 { return d.Compound + d.Confluence + d.Unknown }

// PositionClass is the derived edge/center classification of a well
// (§4.6); never stored independently on a WellSpec.
type PositionClass string

const (
	PositionEdge   PositionClass = "edge"
	PositionCenter PositionClass = "center"
)

// WellSpec is one well within a Proposal: what compound/dose/timepoint to
// run, against which cell line, read out with which assay.
type WellSpec struct {
	WellID     string  `json:"well_id"`
	CellLine   string  `json:"cell_line"`
	Compound   string  `json:"compound"` // "" / "DMSO" for vehicle-only control wells
	DoseUM     float64 `json:"dose_um"`
	TimepointH float64 `json:"timepoint_h"`
	Assay      string  `json:"assay"` // "LDH" | "Cell-Painting" | "scRNA"
	PlateID    string  `json:"plate_id"`
}

// Proposal is the unit Policy hands to the Loop each cycle: a batch of
// wells sharing a template and layout seed. Immutable once returned from
// Policy (§3).
type Proposal struct {
	TemplateName   string     `json:"template_name"`
	Wells          []WellSpec `json:"wells"`
	LayoutSeed     int64      `json:"layout_seed"`
	IsCalibration  bool       `json:"is_calibration"`
	Claim          *Claim     `json:"claim,omitempty"`
}

// Claim is the asserted confidence/information gain a proposal promises,
// checked by the epistemic controller against realized evidence.
type Claim struct {
	ClaimedInfoGainBits float64 `json:"claimed_info_gain_bits"`
	ClaimedCIShrinkage  float64 `json:"claimed_ci_shrinkage"`
}

// QCFlags carries the per-condition quality-control diagnostics used by
// both belief (health debt) and world (aggregation).
type QCFlags struct {
	MoransI            float64 `json:"morans_i"`
	NucleiCV           float64 `json:"nuclei_cv"`
	SegmentationQuality float64 `json:"segmentation_quality"`
}

// ChannelValue represents one morphology/readout channel, which may be
// masked to "unusable" by the measurement stack's SNR floor. A masked
// channel must never be laundered to 0 downstream.
type ChannelValue struct {
	Value   float64 `json:"value"`
	Usable  bool    `json:"usable"`
}

// ObservationCondition aggregates wells sharing (compound, dose,
// timepoint, cell_line, position_class) into mean/std summaries (§3).
type ObservationCondition struct {
	Compound      string                  `json:"compound"`
	DoseUM        float64                 `json:"dose_um"`
	TimepointH    float64                 `json:"timepoint_h"`
	CellLine      string                  `json:"cell_line"`
	PositionClass PositionClass           `json:"position_class"`
	ChannelMean   map[string]float64      `json:"channel_mean"`
	ChannelStd    map[string]float64      `json:"channel_std"`
	ViabilityMean float64                 `json:"viability_mean"`
	ViabilityStd  float64                 `json:"viability_std"`
	LDHMean       float64                 `json:"ldh_mean"`
	LDHStd        float64                 `json:"ldh_std"`
	QC            QCFlags                 `json:"qc"`
	UsableChannels []string               `json:"usable_channels"`
	N             int                     `json:"n_wells"`
}

// ConditionKey is the stable sort/group key for ObservationConditions and
// the worker-pool result-ordering key (§5).
type ConditionKey struct {
	PlateID    string
	CellLine   string
	WellID     string
	Compound   string
	DoseUM     float64
	TimepointH float64
}

// EpisodeSummary is the terminal record written once per run (§3, §4.5).
type EpisodeSummary struct {
	Seed                   int64          `json:"seed"`
	InitialBudgetWells     int            `json:"initial_budget_wells"`
	WellsSpentCalibration  int            `json:"wells_spent_calibration"`
	WellsSpentExploration  int            `json:"wells_spent_exploration"`
	WellsSpentMitigation   int            `json:"wells_spent_mitigation"`
	WellsRemaining         int            `json:"wells_remaining"`
	EntropyReductionBits   float64        `json:"entropy_reduction_bits"`
	GatesEarned            []string       `json:"gates_earned"`
	GatesLost              []string       `json:"gates_lost"`
	MitigationCount        int            `json:"mitigation_count"`
	FinalHealthDebt        float64        `json:"final_health_debt"`
	FinalEpistemicDebt     float64        `json:"final_epistemic_debt"`
	EfficiencyBitsPerPlate float64        `json:"efficiency_bits_per_plate_equivalent"`
	Cycles                 int            `json:"cycles"`
	TerminationReason      string         `json:"termination_reason"`
	CalibrationDecisions   int            `json:"calibration_decisions"`
	ExitCode               int            `json:"exit_code"`
	WallDuration           time.Duration  `json:"wall_duration_ns"`
}
