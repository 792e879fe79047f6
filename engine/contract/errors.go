package contract

import "errors"

var (
	ErrBudgetNotConserved   = errors.New("contract: budget not conserved across cycle boundary")
	ErrSubpopMeanMismatch   = errors.New("contract: vessel viability diverges from subpopulation weighted mean")
	ErrDeathLedgerMismatch  = errors.New("contract: death ledger does not sum to 1-viability")
	ErrViabilityIncreased   = errors.New("contract: viability increased (resurrection forbidden)")
)
