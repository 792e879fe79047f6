// Package epistemic enforces that overclaiming has consequences (§4.3):
// it tracks claimed-vs-realized information gain as epistemic debt,
// inflates action cost proportional to that debt, and hard-refuses
// non-calibration actions once debt crosses a threshold. Modeled on the
// teacher's circuit-breaker rate limiter
// (engine/internal/ratelimit/limiter.go): debt plays the role of the
// breaker's failure count, and "refused" plays the role of
// ErrCircuitOpen, but the breaker here has no half-open probe — repayment
// is earned explicitly by resolved calibration evidence, not by the mere
// passage of time.
package epistemic

import (
	"errors"
	"fmt"
	"math"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

// ErrEpistemicDeadlock is returned when even the cheapest calibration is
// unaffordable given the reserve: the loop must abort terminally (§4.3).
var ErrEpistemicDeadlock = errors.New("epistemic: deadlock, cheapest calibration unaffordable within reserve")

// Claim is a pending promise: a proposal asserted it would shift belief by
// roughly this many bits; Resolve compares it against what was realized.
type Claim struct {
	Cycle          int
	TemplateName   string
	ClaimedBits    float64
	IsCalibration  bool
}

// LedgerEntry is one append-only record of the epistemic ledger (§3).
type LedgerEntry struct {
	Cycle               int     `json:"cycle"`
	ClaimedBits         float64 `json:"claimed_info_gain_bits"`
	RealizedBits        float64 `json:"realized_info_gain_bits"`
	DebtDelta           float64 `json:"debt_delta"`
	DebtAfter           float64 `json:"debt_after"`
	CostInflation       float64 `json:"cost_inflation_factor"`
	CumulativeRefusals  int     `json:"cumulative_refusals"`
	Insolvent           bool    `json:"insolvent"`
}

// RefusalRecord is written to the dedicated refusals ledger (§4.3).
type RefusalRecord struct {
	Cycle            int      `json:"cycle"`
	AttemptedTemplate string  `json:"attempted_template"`
	MissingGates     []string `json:"missing_gates"`
	Debt             float64  `json:"debt"`
	BudgetRemaining  int      `json:"budget_remaining"`
	EnforcementLayer string   `json:"enforcement_layer"`
}

// Verdict is the outcome of an admissibility check: a Result sum type
// (Admitted{cost} | Refused{reason, missingGates}), not a raised
// exception (§8: "Policy/Controller admissibility is a Result").
type Verdict struct {
	Admitted      bool
	EffectiveCost float64
	Refusal       *RefusalRecord
}

// Controller is the single owner of epistemic debt and its ledgers.
type Controller struct {
	cfg   config.RunConfig
	debt  float64
	Ledger            []LedgerEntry
	Refusals          []RefusalRecord
	cumulativeRefusals int
}

// New constructs a Controller with zero debt.
func New(cfg config.RunConfig) *Controller {
	return &Controller{cfg: cfg}
}

// Debt returns the current epistemic debt in bits.
func (c *Controller) Debt() float64 { return c.debt }

// hardRefusalActive reports whether debt has crossed the threshold that
// blocks non-calibration actions (§4.3).
func (c *Controller) hardRefusalActive() bool {
	return c.debt >= c.cfg.DebtHardRefusalThreshold
}

// EffectiveCost applies debt-proportional cost inflation, capped at 1.5x
// for calibration actions so calibration stays reachable even under heavy
// debt (§4.3).
func (c *Controller) EffectiveCost(baseCost float64, isCalibration bool) float64 {
	inflation := 1 + c.cfg.CostInflationAlpha*c.debt
	if isCalibration && inflation > c.cfg.CostInflationCapCalib {
		inflation = c.cfg.CostInflationCapCalib
	}
	return baseCost * inflation
}

// Admit checks one proposal for epistemic admissibility: missing gates or
// hard refusal block non-calibration proposals; calibration proposals
// remain admissible provided the reserve holds (§4.3).
func (c *Controller) Admit(cycle int, prop *models.Proposal, missingGates []string, budgetRemaining int) Verdict {
	cost := c.EffectiveCost(float64(len(prop.Wells)), prop.IsCalibration)

	if prop.IsCalibration {
		if budgetRemaining-len(prop.Wells) < 0 {
			return c.refuse(cycle, prop, missingGates, budgetRemaining, "reserve")
		}
		return Verdict{Admitted: true, EffectiveCost: cost}
	}

	if len(missingGates) > 0 {
		return c.refuse(cycle, prop, missingGates, budgetRemaining, "ladder")
	}
	if c.hardRefusalActive() {
		return c.refuse(cycle, prop, missingGates, budgetRemaining, "hard_refusal")
	}
	if budgetRemaining-int(math.Ceil(cost)) < c.cfg.ReserveWells {
		return c.refuse(cycle, prop, missingGates, budgetRemaining, "budget_reserve")
	}
	return Verdict{Admitted: true, EffectiveCost: cost}
}

func (c *Controller) refuse(cycle int, prop *models.Proposal, missingGates []string, budgetRemaining int, layer string) Verdict {
	c.cumulativeRefusals++
	rec := RefusalRecord{
		Cycle:             cycle,
		AttemptedTemplate: prop.TemplateName,
		MissingGates:      missingGates,
		Debt:              c.debt,
		BudgetRemaining:   budgetRemaining,
		EnforcementLayer:  layer,
	}
	c.Refusals = append(c.Refusals, rec)
	return Verdict{Admitted: false, Refusal: &rec}
}

// CheckDeadlock reports ErrEpistemicDeadlock when the cheapest possible
// calibration (cheapestCalibWells) cannot be afforded even while honoring
// the reserve (§4.3: "the loop declares epistemic deadlock and aborts
// terminally").
func (c *Controller) CheckDeadlock(budgetRemaining, cheapestCalibWells int) error {
	if !c.hardRefusalActive() {
		return nil
	}
	cost := c.EffectiveCost(float64(cheapestCalibWells), true)
	if budgetRemaining-int(math.Ceil(cost)) < 0 {
		return fmt.Errorf("%w: budget_remaining=%d cheapest_calibration_cost=%.1f", ErrEpistemicDeadlock, budgetRemaining, cost)
	}
	return nil
}

// ResolveClaim compares a claim's promised info-gain against what belief
// actually realized and accrues debt proportional to asymmetric
// miscalibration: overclaiming (claimed > realized) is penalized more
// heavily than underclaiming (§4.3).
func (c *Controller) ResolveClaim(claim Claim, realizedBits float64) LedgerEntry {
	diff := claim.ClaimedBits - realizedBits
	var delta float64
	if diff > 0 {
		delta = diff * 1.0 // overclaim penalty
	} else {
		delta = -diff * 0.25 // underclaim penalty, milder
	}
	c.debt = math.Max(0, c.debt+delta)

	entry := LedgerEntry{
		Cycle:              claim.Cycle,
		ClaimedBits:        claim.ClaimedBits,
		RealizedBits:       realizedBits,
		DebtDelta:          delta,
		DebtAfter:          c.debt,
		CostInflation:      1 + c.cfg.CostInflationAlpha*c.debt,
		CumulativeRefusals: c.cumulativeRefusals,
		Insolvent:          c.debt >= c.cfg.DebtHardRefusalThreshold*2,
	}
	c.Ledger = append(c.Ledger, entry)
	return entry
}

// RepayCalibration reduces debt after a resolved calibration claim: a base
// 0.25 bits plus up to 0.75 bits tied to measured noise improvement, with
// a spam bound — a calibration of <=3 wells repays less than 1.0 bits
// total regardless of noise improvement (§4.3).
func (c *Controller) RepayCalibration(cycle int, wellsUsed int, noiseImprovementFraction float64) LedgerEntry {
	bonus := 0.75 * math.Min(1, math.Max(0, noiseImprovementFraction))
	repay := 0.25 + bonus
	if wellsUsed <= 3 && repay >= 1.0 {
		repay = 0.99
	}
	c.debt = math.Max(0, c.debt-repay)

	entry := LedgerEntry{
		Cycle:              cycle,
		DebtDelta:          -repay,
		DebtAfter:          c.debt,
		CostInflation:      1 + c.cfg.CostInflationAlpha*c.debt,
		CumulativeRefusals: c.cumulativeRefusals,
	}
	c.Ledger = append(c.Ledger, entry)
	return entry
}
