// Package contract centralizes the runtime assertions and conservation
// checks named throughout the biology VM, world and loop (§4.7). A failed
// assertion panics with a *Violation, recovered exactly once at the loop
// boundary and turned into a fatal exit (§7: "contract violations ...
// never silently defaulted").
package contract

import (
	"fmt"
	"math"

	"github.com/cellassay/platecortex/engine/models"
)

const epsilon = 1e-9

// Violation is the panic value raised by Assert. Callers recover it at the
// loop boundary and map it to a diagnostics record and exit code 1.
type Violation struct {
	Invariant string
	Message   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("contract violation [%s]: %s", v.Invariant, v.Message)
}

// Assert panics with a *Violation if cond is false.
func Assert(cond bool, invariant, format string, args ...any) {
	if !cond {
		panic(&Violation{Invariant: invariant, Message: fmt.Sprintf(format, args...)})
	}
}

// Recover converts a panicking *Violation into an error; any other panic
// value is re-panicked so genuine bugs are not swallowed. Intended to be
// called from a deferred function at the loop boundary.
func Recover() error {
	r := recover()
	if r == nil {
		return nil
	}
	if v, ok := r.(*Violation); ok {
		return v
	}
	panic(r)
}

// ConserveBudget asserts that spent + remaining accounts for the entire
// initial budget (§8 invariant 4).
func ConserveBudget(initial, spent, remaining int) error {
	if spent+remaining != initial {
		return fmt.Errorf("%w: initial=%d spent=%d remaining=%d", ErrBudgetNotConserved, initial, spent, remaining)
	}
	return nil
}

// SubpopWeightedMean asserts |vessel.viability - Σf_i·v_i| < 1e-9 (§3, §8.6).
func SubpopWeightedMean(v *models.Vessel) error {
	weighted := v.WeightedViability()
	if math.Abs(v.Viability-weighted) >= epsilon {
		return fmt.Errorf("%w: vessel=%s viability=%.12f weighted=%.12f", ErrSubpopMeanMismatch, v.ID, v.Viability, weighted)
	}
	return nil
}

// DeathLedgerSums asserts death_compound + death_confluence + death_unknown
// == 1 - viability (§3, §8 invariant 4).
func DeathLedgerSums(v *models.Vessel) error {
	want := 1 - v.Viability
	got := v.Death.Sum()
	if math.Abs(got-want) >= epsilon {
		return fmt.Errorf("%w: vessel=%s death_sum=%.12f want=%.12f", ErrDeathLedgerMismatch, v.ID, got, want)
	}
	return nil
}

// ViabilityMonotone asserts viability never increases except via explicit
// growth accounting upstream (§8 invariant 5). Callers pass the
// growth-adjusted "prev" so this only catches resurrection, not count
// growth.
func ViabilityMonotone(prev, next float64) error {
	if next > prev+epsilon {
		return fmt.Errorf("%w: prev=%.12f next=%.12f", ErrViabilityIncreased, prev, next)
	}
	return nil
}
