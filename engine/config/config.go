// Package config loads the Core's external parameter tables (compounds,
// cell lines, plate layout) and the per-run RunConfig, layering an
// optional YAML file over built-in defaults plus CLI flag overrides —
// the same layering order as the teacher's config.DefaultBusinessConfig
// + cli/cmd/ariadne's applySimpleConfig pattern.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the CLI's external-interface contract (§6) made concrete:
// everything the Loop constructor needs to start a deterministic run.
type RunConfig struct {
	Seed          int64  `yaml:"seed" json:"seed"`
	BudgetWells   int    `yaml:"budget_wells" json:"budget_wells"`
	MaxCycles     int    `yaml:"max_cycles" json:"max_cycles"`
	OutDir        string `yaml:"out_dir" json:"out_dir"`
	PlateFormat   int    `yaml:"plate_format" json:"plate_format"` // 96 or 384
	ReserveWells  int    `yaml:"reserve_wells" json:"reserve_wells"`
	MetricsBackend string `yaml:"metrics_backend" json:"metrics_backend"` // prom|otel|noop
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	SelfTest      bool   `yaml:"-" json:"-"`

	// Epistemic/policy guardrails (§9 Open Questions: "tunable
	// guardrails, not biological claims — keep them in config").
	DebtHardRefusalThreshold float64 `yaml:"debt_hard_refusal_threshold" json:"debt_hard_refusal_threshold"`
	CalibrationReserveWells  int     `yaml:"calibration_reserve_wells" json:"calibration_reserve_wells"`
	CostInflationAlpha       float64 `yaml:"cost_inflation_alpha" json:"cost_inflation_alpha"`
	CostInflationCapCalib    float64 `yaml:"cost_inflation_cap_calibration" json:"cost_inflation_cap_calibration"`
	MinCyclesBetweenCalib    int     `yaml:"min_cycles_between_calibration" json:"min_cycles_between_calibration"`
	ActionSwitchPenalty      float64 `yaml:"action_switch_penalty" json:"action_switch_penalty"`
	MaxConsecutiveReplicates int     `yaml:"max_consecutive_replicates" json:"max_consecutive_replicates"`

	// EpistemicUncertaintyThreshold is the "ruler is untrusted" line: once
	// estimate_calibration_uncertainty() exceeds it after a cycle, the loop
	// schedules REPLICATE (or EXPLORE, once MaxConsecutiveReplicates is hit)
	// for the next integer cycle (§4.5 step 10).
	EpistemicUncertaintyThreshold float64 `yaml:"epistemic_uncertainty_threshold" json:"epistemic_uncertainty_threshold"`

	CommitmentDelayCV    float64 `yaml:"commitment_delay_cv" json:"commitment_delay_cv"`
	CommitmentDelayMinH  float64 `yaml:"commitment_delay_min_h" json:"commitment_delay_min_h"`
	CommitmentDelayMaxH  float64 `yaml:"commitment_delay_max_h" json:"commitment_delay_max_h"`

	WorkerPoolSize int `yaml:"worker_pool_size" json:"worker_pool_size"`

	// Measurement-stack guardrails (§4.1.1); illustrative magnitudes, not
	// biological claims, kept tunable per §9's Open Question guidance.
	SNRViabilityFloor      float64 `yaml:"snr_viability_floor" json:"snr_viability_floor"`
	HeavyTailFrequency     float64 `yaml:"heavy_tail_frequency" json:"heavy_tail_frequency"`
	HeavyTailDF            float64 `yaml:"heavy_tail_df" json:"heavy_tail_df"`
	PlatingArtefactWindowH float64 `yaml:"plating_artefact_window_h" json:"plating_artefact_window_h"`
	ADCBits                int     `yaml:"adc_bits" json:"adc_bits"`
	ADCStep                float64 `yaml:"adc_step" json:"adc_step"`
	ADCCeiling             float64 `yaml:"adc_ceiling" json:"adc_ceiling"`

	// Gate thresholds (§4.2: "earned when df_total >= DF_MIN AND rel_width
	// <= REL_WIDTH_MAX AND metric_source == real"); same pair applies to
	// every assay, tunable per §9's Open Question guidance.
	GateDFMin       float64 `yaml:"gate_df_min" json:"gate_df_min"`
	GateRelWidthMax float64 `yaml:"gate_rel_width_max" json:"gate_rel_width_max"`

	// Health-debt accumulation/decay/pressure thresholds (§4.2).
	QCMoransIThreshold        float64 `yaml:"qc_morans_i_threshold" json:"qc_morans_i_threshold"`
	QCNucleiCVThreshold       float64 `yaml:"qc_nuclei_cv_threshold" json:"qc_nuclei_cv_threshold"`
	QCSegQualityThreshold     float64 `yaml:"qc_seg_quality_threshold" json:"qc_seg_quality_threshold"`
	HealthDebtPerViolation    float64 `yaml:"health_debt_per_violation" json:"health_debt_per_violation"`
	HealthDebtDecayClean      float64 `yaml:"health_debt_decay_clean" json:"health_debt_decay_clean"`
	HealthDebtDecayMitigation float64 `yaml:"health_debt_decay_mitigation" json:"health_debt_decay_mitigation"`
	HealthDebtPressureMedium  float64 `yaml:"health_debt_pressure_medium" json:"health_debt_pressure_medium"`
	HealthDebtPressureHigh    float64 `yaml:"health_debt_pressure_high" json:"health_debt_pressure_high"`

	// Policy/EIV scoring (§4.4). PlateEquivalentWells normalizes the
	// "wells/96" cost terms and is the flat reserve CALIBRATE's
	// affordability check holds out, independent of ReserveWells.
	PlateEquivalentWells int           `yaml:"plate_equivalent_wells" json:"plate_equivalent_wells"`
	PolicyWeights        PolicyWeights `yaml:"policy_weights" json:"policy_weights"`
}

// PolicyWeights carries the k_*/w_* coefficients in §4.4's scoring
// formulas — tunable guardrails, not biological claims (§9).
type PolicyWeights struct {
	KUncertainty float64 `yaml:"k_uncertainty" json:"k_uncertainty"`
	KDebt        float64 `yaml:"k_debt" json:"k_debt"`
	KPlate       float64 `yaml:"k_plate" json:"k_plate"`
	KTime        float64 `yaml:"k_time" json:"k_time"`
	KHealth      float64 `yaml:"k_health" json:"k_health"`
	DebtTarget   float64 `yaml:"debt_target" json:"debt_target"`
	WConfidence  float64 `yaml:"w_confidence" json:"w_confidence"`
	WElapsed     float64 `yaml:"w_elapsed" json:"w_elapsed"`
	WOps         float64 `yaml:"w_ops" json:"w_ops"`
	CommitPreferenceMargin float64 `yaml:"commit_preference_margin" json:"commit_preference_margin"`
}

// DefaultPolicyWeights returns illustrative scoring coefficients (§9: "tunable
// guardrails, not biological claims").
func DefaultPolicyWeights() PolicyWeights {
	return PolicyWeights{
		KUncertainty:           1.0,
		KDebt:                  1.0,
		KPlate:                 0.2,
		KTime:                  0.05,
		KHealth:                0.5,
		DebtTarget:             0.5,
		WConfidence:            1.0,
		WElapsed:               0.02,
		WOps:                   0.1,
		CommitPreferenceMargin: 0.1,
	}
}

// DefaultRunConfig returns the built-in defaults, the innermost layer of
// the config stack.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Seed:                     42,
		BudgetWells:              240,
		MaxCycles:                10,
		OutDir:                   "./run-output",
		PlateFormat:              96,
		ReserveWells:             12,
		MetricsBackend:           "noop",
		DebtHardRefusalThreshold: 2.0,
		CalibrationReserveWells:  12,
		CostInflationAlpha:       1.0,
		CostInflationCapCalib:    1.5,
		MinCyclesBetweenCalib:    2,
		ActionSwitchPenalty:      0.05,
		MaxConsecutiveReplicates: 2,
		EpistemicUncertaintyThreshold: 3.0,
		CommitmentDelayCV:        0.25,
		CommitmentDelayMinH:      1.5,
		CommitmentDelayMaxH:      48,
		WorkerPoolSize:           4,

		SNRViabilityFloor:      0.05,
		HeavyTailFrequency:     0,
		HeavyTailDF:            5,
		PlatingArtefactWindowH: 6,
		ADCBits:                0,
		ADCStep:                0,
		ADCCeiling:             0,

		GateDFMin:       20,
		GateRelWidthMax: 0.25,

		QCMoransIThreshold:        0.3,
		QCNucleiCVThreshold:       0.35,
		QCSegQualityThreshold:     0.5,
		HealthDebtPerViolation:    0.5,
		HealthDebtDecayClean:      0.1,
		HealthDebtDecayMitigation: 0.5,
		HealthDebtPressureMedium:  1.0,
		HealthDebtPressureHigh:    2.0,

		PlateEquivalentWells: 96,
		PolicyWeights:        DefaultPolicyWeights(),
	}
}

// LoadRunConfigFile layers a YAML file over base; missing files are not an
// error (absence means "use defaults"), matching the teacher's optional
// config-file pattern in cli/cmd/ariadne/main.go.
func LoadRunConfigFile(base RunConfig, path string) (RunConfig, error) {
	if path == "" {
		return base, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("read run config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &base); err != nil {
		return base, fmt.Errorf("parse run config %s: %w", path, err)
	}
	return base, nil
}

// Validate checks the RunConfig's internal consistency before the Loop
// starts, matching the teacher's Validate()-before-use idiom.
func (c RunConfig) Validate() error {
	if c.BudgetWells <= 0 {
		return fmt.Errorf("budget_wells must be positive, got %d", c.BudgetWells)
	}
	if c.MaxCycles <= 0 {
		return fmt.Errorf("max_cycles must be positive, got %d", c.MaxCycles)
	}
	if c.PlateFormat != 96 && c.PlateFormat != 384 {
		return fmt.Errorf("plate_format must be 96 or 384, got %d", c.PlateFormat)
	}
	if c.ReserveWells < 0 || c.ReserveWells > c.BudgetWells {
		return fmt.Errorf("reserve_wells (%d) must be within [0, budget_wells=%d]", c.ReserveWells, c.BudgetWells)
	}
	if c.DebtHardRefusalThreshold <= 0 {
		return fmt.Errorf("debt_hard_refusal_threshold must be positive")
	}
	if c.CommitmentDelayMinH <= 0 || c.CommitmentDelayMaxH <= c.CommitmentDelayMinH {
		return fmt.Errorf("commitment_delay_min_h/max_h must form a positive range")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	if c.ADCBits > 0 && c.ADCStep == 0 && c.ADCCeiling == 0 {
		return fmt.Errorf("adc_bits > 0 requires adc_step or adc_ceiling")
	}
	if c.GateDFMin <= 0 || c.GateRelWidthMax <= 0 {
		return fmt.Errorf("gate_df_min and gate_rel_width_max must be positive")
	}
	if c.HealthDebtPressureHigh <= c.HealthDebtPressureMedium {
		return fmt.Errorf("health_debt_pressure_high must exceed health_debt_pressure_medium")
	}
	if c.PlateEquivalentWells <= 0 {
		return fmt.Errorf("plate_equivalent_wells must be positive")
	}
	if c.EpistemicUncertaintyThreshold <= 0 {
		return fmt.Errorf("epistemic_uncertainty_threshold must be positive")
	}
	if c.MaxConsecutiveReplicates <= 0 {
		return fmt.Errorf("max_consecutive_replicates must be positive")
	}
	return nil
}
