package loop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ledgerWriter appends one JSON record per line to a single file, matching
// the teacher's `json.NewEncoder(os.Stdout)` idiom in
// cli/cmd/ariadne/main.go — no third-party JSON library reaches further
// than that anywhere in the teacher.
type ledgerWriter struct {
	f *os.File
	w *bufio.Writer
}

func newLedgerWriter(dir, name string) (*ledgerWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("loop: create output dir %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("loop: create ledger %s: %w", name, err)
	}
	return &ledgerWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (l *ledgerWriter) write(rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("loop: marshal ledger record: %w", err)
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	return l.w.WriteByte('\n')
}

func (l *ledgerWriter) Close() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Ledgers owns the run's six append-only JSONL files (§4.5 step 11:
// "decisions, evidence, diagnostics, refusals, mitigation, epistemic").
type Ledgers struct {
	Decisions   *ledgerWriter
	Evidence    *ledgerWriter
	Diagnostics *ledgerWriter
	Refusals    *ledgerWriter
	Mitigation  *ledgerWriter
	Epistemic   *ledgerWriter
}

func newLedgers(dir string) (*Ledgers, error) {
	names := []string{"decisions.jsonl", "evidence.jsonl", "diagnostics.jsonl", "refusals.jsonl", "mitigation.jsonl", "epistemic.jsonl"}
	writers := make([]*ledgerWriter, len(names))
	for i, n := range names {
		w, err := newLedgerWriter(dir, n)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = writers[j].Close()
			}
			return nil, err
		}
		writers[i] = w
	}
	return &Ledgers{
		Decisions:   writers[0],
		Evidence:    writers[1],
		Diagnostics: writers[2],
		Refusals:    writers[3],
		Mitigation:  writers[4],
		Epistemic:   writers[5],
	}, nil
}

func (l *Ledgers) Close() error {
	var firstErr error
	for _, w := range []*ledgerWriter{l.Decisions, l.Evidence, l.Diagnostics, l.Refusals, l.Mitigation, l.Epistemic} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DecisionRecord is one decisions.jsonl entry: the action chosen, whether
// the controller admitted it, and the resulting cost/debt state (§4.5).
type DecisionRecord struct {
	Cycle           int                `json:"cycle"`
	Timestamp       time.Time          `json:"timestamp"`
	EventType       string             `json:"event_type"`
	Action          string             `json:"action"`
	Admitted        bool               `json:"admitted"`
	EffectiveCost   float64            `json:"effective_cost"`
	BudgetRemaining int                `json:"budget_remaining"`
	EpistemicDebt   float64            `json:"epistemic_debt"`
	Scores          map[string]float64 `json:"scores,omitempty"`
}

// DiagnosticsRecord is one diagnostics.jsonl entry: the uncertainty
// before/after a cycle's evidence, the realized information gain, and
// health-debt/nuisance state (§4.5 steps 4/7/8).
type DiagnosticsRecord struct {
	Cycle                int       `json:"cycle"`
	Timestamp            time.Time `json:"timestamp"`
	EventType            string    `json:"event_type"`
	UncertaintyPre       float64   `json:"uncertainty_pre_bits"`
	UncertaintyPost      float64   `json:"uncertainty_post_bits"`
	RealizedInfoGainBits float64   `json:"realized_info_gain_bits"`
	HealthDebt           float64   `json:"health_debt"`
	Pressure             string    `json:"health_pressure"`
	NuisanceFraction     float64   `json:"nuisance_fraction"`
	NuisanceVarInflation float64   `json:"nuisance_var_inflation"`
}

// RefusalLedgerRecord is one refusals.jsonl entry (§4.3).
type RefusalLedgerRecord struct {
	Cycle             int       `json:"cycle"`
	Timestamp         time.Time `json:"timestamp"`
	EventType         string    `json:"event_type"`
	AttemptedTemplate string    `json:"attempted_template"`
	MissingGates      []string  `json:"missing_gates,omitempty"`
	Debt              float64   `json:"debt"`
	BudgetRemaining   int       `json:"budget_remaining"`
	EnforcementLayer  string    `json:"enforcement_layer"`
}

// MitigationRecord is one mitigation.jsonl entry (§4.5 step 9/1).
type MitigationRecord struct {
	Cycle     int       `json:"cycle"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reason    string    `json:"reason"` // "qc_flag" | "ruler_untrusted"
	WellsUsed int       `json:"wells_used"`
}

// EvidenceLedgerRecord wraps a belief.EvidenceEvent with ledger framing.
type EvidenceLedgerRecord struct {
	Timestamp            time.Time `json:"timestamp"`
	EventType            string    `json:"event_type"`
	Cycle                int       `json:"cycle"`
	Kind                 string    `json:"kind"`
	SupportingConditions []string  `json:"supporting_conditions"`
	MetricSource         string    `json:"metric_source"`
	Detail               string    `json:"detail"`
}

// EpistemicLedgerRecord wraps an epistemic.LedgerEntry with ledger framing
// (§4.3's debt ledger, the sixth file named by §4.5 step 11).
type EpistemicLedgerRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	EventType          string    `json:"event_type"`
	Cycle              int       `json:"cycle"`
	ClaimedBits        float64   `json:"claimed_info_gain_bits"`
	RealizedBits       float64   `json:"realized_info_gain_bits"`
	DebtDelta          float64   `json:"debt_delta"`
	DebtAfter          float64   `json:"debt_after"`
	CostInflation      float64   `json:"cost_inflation_factor"`
	CumulativeRefusals int       `json:"cumulative_refusals"`
	Insolvent          bool      `json:"insolvent"`
}
