// Package vm implements the biological virtual machine: deterministic
// per-vessel state evolution driven by {seed, treat, advance_time,
// measure} (§4.1). The VM is the sole mutator of Vessel state; every
// mutation is checked against engine/contract's conservation invariants
// before it returns.
package vm

import (
	"fmt"
	"math"
	"sort"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/contract"
	"github.com/cellassay/platecortex/engine/models"
	"github.com/cellassay/platecortex/engine/rng"
)

// subpopOrder fixes the three-subpopulation decomposition and its typical
// fractions (§4.1: "typical fractions 0.25 / 0.50 / 0.25").
var subpopOrder = []string{"sensitive", "intermediate", "resistant"}
var subpopFractions = []float64{0.25, 0.50, 0.25}

// VM is the deterministic biology simulator. It owns three guarded RNG
// streams and every Vessel it has seeded.
type VM struct {
	runSeed   int64
	cfg       config.RunConfig
	cellLines config.CellLineTable
	compounds config.CompoundTable

	vessels map[string]*models.Vessel

	growth    *rng.GuardedStream
	treatment *rng.GuardedStream
	assay     *rng.GuardedStream
}

// New constructs a VM for one run. Each stream's whitelist is scoped to
// the single low-level helper that draws from it, so any future call site
// added elsewhere in the package is rejected unless explicitly whitelisted
// (§4.1: "RNG discipline (critical)").
func New(runSeed int64, cfg config.RunConfig, cellLines config.CellLineTable, compounds config.CompoundTable) *VM {
	const pkg = "github.com/cellassay/platecortex/engine/vm"
	return &VM{
		runSeed:   runSeed,
		cfg:       cfg,
		cellLines: cellLines,
		compounds: compounds,
		vessels:   make(map[string]*models.Vessel),
		growth:    rng.NewGuardedStream(runSeed, rng.StreamGrowth, []string{pkg + ".(*VM).sampleGrowthWobble"}),
		treatment: rng.NewGuardedStream(runSeed, rng.StreamTreatment, []string{pkg + ".(*VM).sampleCommitmentDelay"}),
		assay:     rng.NewGuardedStream(runSeed, rng.StreamAssay, []string{pkg + ".(*VM).sampleAssayNoise"}),
	}
}

// GrowthSnapshot/TreatmentSnapshot expose the physics streams' draw
// counters for the observer-independence self-test (§6).
func (m *VM) GrowthSnapshot() uint64    { return m.growth.Snapshot() }
func (m *VM) TreatmentSnapshot() uint64 { return m.treatment.Snapshot() }

// ReleaseVessel discards a vessel once its owning cycle has finished
// measuring it. Every vessel id is scoped to one proposal batch (its plate
// id encodes the cycle), so nothing ever measures or advances it again;
// without this, AdvanceTime would keep re-advancing every prior cycle's
// vessels forever. A release of an unknown id is a no-op.
func (m *VM) ReleaseVessel(id string) {
	delete(m.vessels, id)
}

// Vessel returns a read-only pointer to vessel state (callers outside the
// VM must not mutate it; the type system does not enforce this, matching
// the ownership note in §3 — "Vessels are exclusively owned by the VM").
func (m *VM) Vessel(id string) (*models.Vessel, bool) {
	v, ok := m.vessels[id]
	return v, ok
}

// SeedVessel creates a vessel with initialized subpopulations and a
// deterministic per-well morphology baseline shift. Fails if id exists.
func (m *VM) SeedVessel(id, cellLine string, initialCount, initialViability float64) error {
	if _, exists := m.vessels[id]; exists {
		return fmt.Errorf("%w: %s", models.ErrVesselExists, id)
	}
	cl, ok := m.cellLines[cellLine]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownCellLine, cellLine)
	}
	if initialCount < 0 {
		return fmt.Errorf("%w: %s", models.ErrNegativeCount, id)
	}
	if initialViability < 0 || initialViability > 1 {
		return fmt.Errorf("vm: initial_viability out of [0,1] for %s", id)
	}

	subpops := make(map[string]models.SubpopState, len(subpopOrder))
	for i, name := range subpopOrder {
		subpops[name] = models.SubpopState{
			Fraction:  subpopFractions[i],
			Viability: initialViability,
			IC50Shift: cl.SubpopIC50Shifts[name],
		}
	}
	baseline := deterministicBaselineShift(m.runSeed, id, cellLine)
	v := models.NewVessel(id, cellLine, initialCount, initialViability, subpops, append([]string(nil), subpopOrder...), baseline)

	if err := contract.SubpopWeightedMean(v); err != nil {
		return err
	}
	m.vessels[id] = v
	return nil
}

// deterministicBaselineShift derives a per-well morphology offset from a
// BLAKE2s hash of (seed, well, cell line), not from any guarded stream: it
// must be reproducible independent of how much of the growth/treatment
// sequences has been consumed elsewhere (§4.1's batch-effect discipline).
func deterministicBaselineShift(runSeed int64, id, cellLine string) []float64 {
	seed := rng.BatchEffectSeed(runSeed, id, cellLine)
	local := newLocalRand(seed)
	shift := make([]float64, len(morphologyChannels))
	for i := range shift {
		shift[i] = local.normFloat64() * 0.05 // small per-well wobble, illustrative scale
	}
	return shift
}

// effectiveIC50 applies cell-line sensitivity and per-subpop IC50 shift to
// a compound's base IC50. Shift is modeled as a log2 multiplier: a
// subpop with IC50Shift=1 needs 2x the dose to reach the same effect.
func effectiveIC50(cl config.CellLineEntry, comp config.CompoundEntry, subpopShift float64) float64 {
	sensitivity := cl.SensitivityMultiplier[comp.Name]
	if sensitivity <= 0 {
		sensitivity = 1
	}
	return comp.IC50UM * sensitivity * math.Pow(2, subpopShift)
}

// TreatWithCompound assigns a monotonic exposure_id, samples a lognormal
// commitment delay per subpop, and applies any instant-kill response
// (§4.1).
func (m *VM) TreatWithCompound(id, compound string, doseUM float64) error {
	v, ok := m.vessels[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrVesselNotFound, id)
	}
	if v.Status == models.StatusTerminal {
		return fmt.Errorf("%w: %s", models.ErrVesselTerminal, id)
	}
	if doseUM <= 0 {
		return fmt.Errorf("%w: %s dose=%f", models.ErrInvalidDose, id, doseUM)
	}
	comp, ok := m.compounds[compound]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownCompound, compound)
	}
	if comp.IC50UM < 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidIC50, compound)
	}
	cl := m.cellLines[v.CellLine]

	exposureID := v.CompoundMeta.NextExposureID[compound] + 1
	v.CompoundMeta.NextExposureID[compound] = exposureID
	v.CompoundConcentrations[compound] = doseUM
	v.CompoundMeta.StartTimeH[compound] = v.TimeH
	if v.CompoundMeta.LastExposureBySub[compound] == nil {
		v.CompoundMeta.LastExposureBySub[compound] = make(map[string]int, len(subpopOrder))
	}

	var instantKillCredit float64
	for _, name := range v.SubpopOrder {
		sp := v.Subpops[name]
		ic50 := effectiveIC50(cl, comp, sp.IC50Shift)

		delayH := m.cfg.CommitmentDelayMaxH
		ratio := 0.0
		if ic50 > 0 {
			ratio = doseUM / ic50
			meanDelay := 12.0 / math.Sqrt(1+ratio)
			cv := m.cfg.CommitmentDelayCV
			sigma := math.Sqrt(math.Log(1 + cv*cv))
			mu := math.Log(meanDelay) - sigma*sigma/2
			draw, err := m.sampleCommitmentDelay(mu, sigma)
			if err != nil {
				return err
			}
			delayH = clip(draw, m.cfg.CommitmentDelayMinH, m.cfg.CommitmentDelayMaxH)
		}
		key := models.ExposureKey{Compound: compound, ExposureID: exposureID, Subpop: name}
		v.CompoundMeta.CommitmentDelays[key] = delayH
		v.CompoundMeta.LastExposureBySub[compound][name] = exposureID

		const instantKillThreshold = 8.0
		if ic50 > 0 && ratio >= instantKillThreshold {
			frac := clip((ratio-instantKillThreshold)/instantKillThreshold, 0, 0.6)
			newViability := sp.Viability * (1 - frac)
			instantKillCredit += sp.Fraction * (sp.Viability - newViability)
			sp.Viability = newViability
		}
		v.Subpops[name] = sp
	}

	if instantKillCredit > 0 {
		v.Death.Compound += instantKillCredit
	}
	v.Viability = v.WeightedViability()
	v.Status = models.StatusTreated
	v.LastTreatedAtH = v.TimeH

	if err := reconcileDeathLedger(v); err != nil {
		return err
	}
	if err := contract.SubpopWeightedMean(v); err != nil {
		return err
	}
	return contract.DeathLedgerSums(v)
}

// AdvanceTime integrates biology for dtH hours across every seeded
// vessel, in deterministic (sorted) vessel-ID order so the growth stream's
// draw sequence never depends on Go's map iteration order.
func (m *VM) AdvanceTime(dtH float64) error {
	if dtH <= 0 {
		return fmt.Errorf("vm: advance_time requires dt_h > 0, got %f", dtH)
	}
	ids := make([]string, 0, len(m.vessels))
	for id := range m.vessels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := m.vessels[id]
		if v.Status == models.StatusTerminal {
			continue
		}
		if err := m.advanceVessel(v, dtH); err != nil {
			return err
		}
	}
	return nil
}

const carryingCapacity = 50000.0

func (m *VM) advanceVessel(v *models.Vessel, dtH float64) error {
	cl := m.cellLines[v.CellLine]
	prevViability := v.Viability

	wobble, err := m.sampleGrowthWobble()
	if err != nil {
		return err
	}
	growthRate := 0.1 * math.Max(cl.ProliferationIndex, 0.01)
	dCount := growthRate * v.CellCount * (1 - v.CellCount/carryingCapacity) * dtH
	v.CellCount = math.Max(0, v.CellCount+dCount*(1+(wobble-0.5)*0.1))
	v.Confluence = clip(v.CellCount/carryingCapacity, 0, 1)

	for _, name := range v.SubpopOrder {
		sp := v.Subpops[name]
		hazard, err := m.subpopHazard(v, cl, name, sp)
		if err != nil {
			return err
		}
		if hazard > 0 {
			newViability := sp.Viability * math.Exp(-hazard*dtH)
			v.Death.Compound += sp.Fraction * (sp.Viability - newViability)
			sp.Viability = newViability
		}
		if v.Confluence > 0.95 {
			confRate := 0.01 * (v.Confluence - 0.95) / 0.05
			newViability := sp.Viability * math.Exp(-confRate*dtH)
			v.Death.Confluence += sp.Fraction * (sp.Viability - newViability)
			sp.Viability = newViability
		}
		v.Subpops[name] = sp
	}

	v.Viability = v.WeightedViability()
	v.TimeH += dtH

	if err := contract.ViabilityMonotone(prevViability, v.Viability); err != nil {
		return err
	}
	if err := reconcileDeathLedger(v); err != nil {
		return err
	}
	if err := contract.SubpopWeightedMean(v); err != nil {
		return err
	}
	if err := contract.DeathLedgerSums(v); err != nil {
		return err
	}

	if v.Viability <= 0 {
		v.Status = models.StatusTerminal
	} else if v.Status == models.StatusTreated && pastAllCommitmentDelays(v) {
		v.Status = models.StatusPostCommit
	}
	return nil
}

// subpopHazard implements §4.1's attrition-hazard rule: zero unless
// dose/IC50_shifted >= 1 AND current subpop viability < 0.5 AND
// time_since_treatment > commitment_delay[subpop]; otherwise Hill-scaled.
func (m *VM) subpopHazard(v *models.Vessel, cl config.CellLineEntry, subpop string, sp models.SubpopState) (float64, error) {
	var hazard float64
	compounds := make([]string, 0, len(v.CompoundConcentrations))
	for c := range v.CompoundConcentrations {
		compounds = append(compounds, c)
	}
	sort.Strings(compounds)

	for _, compound := range compounds {
		dose := v.CompoundConcentrations[compound]
		if dose <= 0 {
			continue
		}
		comp := m.compounds[compound]
		ic50 := effectiveIC50(cl, comp, sp.IC50Shift)
		if ic50 <= 0 {
			continue
		}
		ratio := dose / ic50
		if ratio < 1 || sp.Viability >= 0.5 {
			continue
		}
		exposureID, ok := v.CompoundMeta.LastExposureBySub[compound][subpop]
		if !ok {
			continue
		}
		key := models.ExposureKey{Compound: compound, ExposureID: exposureID, Subpop: subpop}
		delay, ok := v.CompoundMeta.CommitmentDelays[key]
		if !ok {
			return 0, fmt.Errorf("%w: vessel=%s compound=%s subpop=%s", models.ErrMissingCommitmentDelay, v.ID, compound, subpop)
		}
		timeSince := v.TimeH - v.CompoundMeta.StartTimeH[compound]
		if timeSince <= delay {
			continue
		}
		hazard += comp.HillSlope * math.Log(ratio+1) * 0.05
	}
	return hazard, nil
}

// pastAllCommitmentDelays reports whether time_since_treatment exceeds
// every recorded commitment delay for the vessel's most recent exposures
// (§4.1: "treated->post-commit once t_since_treatment > max(commitment_delay)").
func pastAllCommitmentDelays(v *models.Vessel) bool {
	if len(v.CompoundMeta.CommitmentDelays) == 0 {
		return true
	}
	for compound, bySub := range v.CompoundMeta.LastExposureBySub {
		start := v.CompoundMeta.StartTimeH[compound]
		for subpop, exposureID := range bySub {
			key := models.ExposureKey{Compound: compound, ExposureID: exposureID, Subpop: subpop}
			delay := v.CompoundMeta.CommitmentDelays[key]
			if v.TimeH-start <= delay {
				return false
			}
		}
	}
	return true
}

// reconcileDeathLedger derives death_unknown as the residual needed to
// satisfy `death_compound + death_confluence + death_unknown == 1 -
// viability`: the compatibility-readout ledgers above are causal
// approximations, not exact accounting (§4.1).
func reconcileDeathLedger(v *models.Vessel) error {
	residual := (1 - v.Viability) - v.Death.Compound - v.Death.Confluence
	if residual < -1e-9 {
		return fmt.Errorf("vm: death ledger overcommitted for vessel %s (residual=%.12f)", v.ID, residual)
	}
	if residual < 0 {
		residual = 0
	}
	v.Death.Unknown = residual
	return nil
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
