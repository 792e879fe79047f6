package vm

import (
	"fmt"
	"math"
	"sort"

	"github.com/cellassay/platecortex/engine/models"
)

const (
	AssayLDH          = "LDH"
	AssayCellPainting = "Cell-Painting"
	AssayScRNA        = "scRNA"
)

var morphologyChannels = []string{
	"nucleus_area", "cell_area", "intensity_mito", "intensity_actin", "intensity_dna", "texture_variance",
}

// stressAxisDrift gives the per-channel signal drift coefficient for a
// compound's stress axis, scaled by (1-viability) at signal-formation time
// (step 1). Illustrative magnitudes, not a biological claim (§3).
var stressAxisDrift = map[string]map[string]float64{
	"microtubule": {
		"texture_variance":        0.8,
		"cell_area":               -0.3,
		"nucleus_area":            0.1,
		"transcript_stress_score": 0.5,
		"ldh":                     0.4,
	},
	"ER-stress": {
		"intensity_mito":          -0.2,
		"transcript_stress_score": 0.9,
		"ldh":                     0.6,
		"texture_variance":        0.2,
	},
}

// Readout is the result of one measure() call: per-channel values with
// usability flags, plus the always-trusted viability readout and QC
// flags (§3: ObservationCondition is built by aggregating these).
type Readout struct {
	Assay     string
	Viability float64
	Channels  map[string]models.ChannelValue
	QC        models.QCFlags
}

func channelsForAssay(assay string) ([]string, error) {
	switch assay {
	case AssayLDH:
		return []string{"ldh"}, nil
	case AssayCellPainting:
		return morphologyChannels, nil
	case AssayScRNA:
		return []string{"transcript_stress_score"}, nil
	default:
		return nil, fmt.Errorf("vm: unknown assay %q", assay)
	}
}

// Measure reads vessel state without mutating it and applies the
// measurement stack (§4.1.1); only rng_assay may advance. Step numbers in
// comments mirror the spec's contractual ordering.
func (m *VM) Measure(id, assay string) (Readout, error) {
	v, ok := m.vessels[id]
	if !ok {
		return Readout{}, fmt.Errorf("%w: %s", models.ErrVesselNotFound, id)
	}
	channels, err := channelsForAssay(assay)
	if err != nil {
		return Readout{}, err
	}
	cl := m.cellLines[v.CellLine]

	// Step 3 draws one shared lognormal + heavy-tail pair per call so
	// outliers are correlated across all channels in this measurement; the
	// draw is seeded from this well's own identity (id already encodes the
	// cycle via its plate id), so it never depends on worker-pool order.
	uniform, lnMult, studentT, err := m.sampleAssayNoise(id, 0.08, m.cfg.HeavyTailDF)
	if err != nil {
		return Readout{}, err
	}
	heavyTail := 1.0
	if uniform < m.cfg.HeavyTailFrequency {
		heavyTail = clip(math.Exp(studentT), 0.2, 5.0)
	}

	// Technical (step 5) and plating-artefact (step 4) multipliers are
	// drawn once per call too, from the same guarded call site, reusing
	// lnMult's companion draws rather than issuing more assay calls per
	// channel (keeps the whitelist to a single caller function).
	technicalMult := 1 + (lnMult-1)*0.25
	platingMult := 1.0
	if v.TimeH < m.cfg.PlatingArtefactWindowH {
		platingMult = 1 + (lnMult-1)*0.5
	}

	values := make(map[string]float64, len(channels))
	for i, ch := range channels {
		// Step 1: biological signal formation.
		base := cl.BaselineMorphology[ch]
		if ch == "ldh" {
			base = 100 * (1 - v.Viability)
		} else if ch == "transcript_stress_score" {
			base = 10 * (1 - v.Viability)
		} else if i < len(v.BaselineShift) {
			base += v.BaselineShift[i]
		}
		for _, compound := range sortedConcentrationKeys(v) {
			comp := m.compounds[compound]
			if drift, ok := stressAxisDrift[comp.StressAxis][ch]; ok {
				base += drift * (1 - v.Viability)
			}
		}

		// Step 2: viability/washout/debris multiplicative factor.
		debris := 1 - 0.2*(1-v.Viability)
		value := base * debris

		// Step 3: biological noise (lognormal + correlated heavy tail).
		value *= lnMult * heavyTail

		// Step 4: plating artefacts (inflated variance at early timepoints).
		value *= platingMult

		// Step 5: technical noise (plate/day/operator multipliers).
		value *= technicalMult

		// Step 6: additive detector floor (clamped >= 0).
		floor := 0.02 * math.Abs(base)
		value = math.Max(0, value+floor)

		// Step 7: saturation soft-knee ceiling.
		ceiling := 3 * math.Max(math.Abs(base), 1)
		value = ceiling * math.Tanh(value/ceiling)

		// Step 8: ADC quantization.
		value, err = quantize(value, m.cfg.ADCBits, m.cfg.ADCStep, m.cfg.ADCCeiling)
		if err != nil {
			return Readout{}, err
		}

		// Step 9: pipeline/feature-extraction affine drift (identity by
		// default; illustrative gain/offset are left at 1/0 since no
		// pack-sourced pipeline calibration constants apply here).
		value = value*1.0 + 0.0

		values[ch] = value
	}

	usable := v.Viability >= m.cfg.SNRViabilityFloor
	result := make(map[string]models.ChannelValue, len(values))
	var usableList []string
	for ch, val := range values {
		cv := models.ChannelValue{Value: val, Usable: usable || ch == "ldh"}
		result[ch] = cv
		if cv.Usable {
			usableList = append(usableList, ch)
		}
	}
	sort.Strings(usableList)

	qc := models.QCFlags{
		MoransI:             0.1 * (1 - v.Confluence),
		NucleiCV:            0.15 + 0.1*(1-v.Viability),
		SegmentationQuality: v.Viability,
	}

	return Readout{
		Assay:     assay,
		Viability: v.Viability,
		Channels:  result,
		QC:        qc,
	}, nil
}

// quantize implements step 8's ADC rule: round_half_up(y/step)*step,
// where step is explicit or derived from ceiling/(2^bits-1); a no-op when
// both are zero; an error when bits>0 but no ceiling is configured.
func quantize(y float64, bits int, step, ceiling float64) (float64, error) {
	if bits <= 0 && step == 0 {
		return y, nil
	}
	effectiveStep := step
	if effectiveStep == 0 {
		if ceiling == 0 {
			return 0, fmt.Errorf("vm: adc_bits=%d set without adc_ceiling or adc_step", bits)
		}
		effectiveStep = ceiling / (math.Exp2(float64(bits)) - 1)
	}
	return math.Floor(y/effectiveStep+0.5) * effectiveStep, nil
}

func sortedConcentrationKeys(v *models.Vessel) []string {
	keys := make([]string, 0, len(v.CompoundConcentrations))
	for k := range v.CompoundConcentrations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
