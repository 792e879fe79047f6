// Package world translates a Policy proposal into biology VM calls and
// aggregates the resulting per-well readouts into ObservationConditions
// (§4.6). It is the only place a worker pool touches the VM; the Loop
// itself stays single-threaded cooperative (§5).
package world

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
	"github.com/cellassay/platecortex/engine/vm"
)

// illustrative seeding magnitudes (§3: "illustrative, not a biological
// claim"); every vessel in a proposal starts fully viable at the same
// nominal count, matching the cell-line table's baseline assumptions.
const (
	seedInitialCount     = 500.0
	seedInitialViability = 1.0
)

// Biology is the subset of *vm.VM the Executor depends on, so tests can
// substitute a fake without constructing a real RNG-backed VM.
type Biology interface {
	SeedVessel(id, cellLine string, initialCount, initialViability float64) error
	TreatWithCompound(id, compound string, doseUM float64) error
	AdvanceTime(dtH float64) error
	Measure(id, assay string) (vm.Readout, error)
	ReleaseVessel(id string)
}

// WellResult is one proposal well's execution outcome, keyed by its
// input index so collection order never depends on goroutine completion
// order (§5: "results collected in input order").
type WellResult struct {
	Spec     models.WellSpec
	VesselID string
	Readout  vm.Readout
	Err      error
}

// Executor runs proposals against a Biology implementation. Seed/treat/
// advance (Phases 1-2) are sequential: they mutate the VM's vessel map and
// draw from the single-sequence rng_growth/rng_treatment streams, neither
// of which is safe for concurrent callers. The measurement phase (Phase 3)
// is read-only against vessel state and draws its noise from a per-well
// deterministic generator (engine/rng.GuardedStream.SeedFor, keyed by
// vessel id) rather than a shared *rand.Rand, so Measure calls genuinely
// run in parallel across the worker pool with no lock and no risk of
// worker-scheduling order leaking into measurement values (§5: "Workers
// receive (well_spec, run_seed, deterministic_batch_seed) — no shared
// RNG").
type Executor struct {
	bio Biology
	cfg config.RunConfig
}

// NewExecutor constructs an Executor over the given Biology and config.
func NewExecutor(bio Biology, cfg config.RunConfig) *Executor {
	return &Executor{bio: bio, cfg: cfg}
}

func vesselID(spec models.WellSpec) string {
	return spec.PlateID + "/" + spec.WellID
}

// Execute seeds, treats, advances and measures every well in specs,
// returning results in specs' original order (§4.6, §5). All wells in one
// call must share a single timepoint, since advance_time moves the VM's
// shared biological clock forward once for the whole batch.
func (e *Executor) Execute(ctx context.Context, specs []models.WellSpec) ([]WellResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("world: execute called with no wells")
	}
	timepoint := specs[0].TimepointH
	for _, s := range specs[1:] {
		if s.TimepointH != timepoint {
			return nil, fmt.Errorf("world: all wells in one proposal must share a timepoint, got %v and %v", timepoint, s.TimepointH)
		}
	}

	// Phase 1: seed + treat. Sequential — seed_vessel mutates the VM's
	// vessel map and treat_with_compound draws from the guarded treatment
	// stream, neither of which is safe for concurrent callers.
	for _, spec := range specs {
		id := vesselID(spec)
		if err := e.bio.SeedVessel(id, spec.CellLine, seedInitialCount, seedInitialViability); err != nil {
			return nil, fmt.Errorf("world: seed well %s: %w", spec.WellID, err)
		}
		if spec.Compound != "" && spec.Compound != "DMSO" {
			if err := e.bio.TreatWithCompound(id, spec.Compound, spec.DoseUM); err != nil {
				return nil, fmt.Errorf("world: treat well %s: %w", spec.WellID, err)
			}
		}
	}

	// Phase 2: advance the shared clock once for the whole batch.
	if timepoint > 0 {
		if err := e.bio.AdvanceTime(timepoint); err != nil {
			return nil, fmt.Errorf("world: advance_time: %w", err)
		}
	}

	// Phase 3: measure, via a bounded worker pool (§5.1, grounded on the
	// teacher's engine/internal/pipeline.Pipeline worker-pool shape).
	results := make([]WellResult, len(specs))
	workers := e.cfg.WorkerPoolSize
	if max := runtime.GOMAXPROCS(0); workers > max {
		workers = max
	}
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			id := vesselID(spec)
			readout, err := e.bio.Measure(id, spec.Assay)
			results[i] = WellResult{Spec: spec, VesselID: id, Readout: readout, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("world: measurement pool: %w", err)
	}

	// This batch's vessels are never touched again (each cycle's plate id
	// is unique), so release them now rather than letting AdvanceTime
	// re-advance every prior cycle's vessels on every future call.
	// Sequential and outside the worker pool: ReleaseVessel mutates the
	// VM's vessel map and is not safe for concurrent callers.
	for _, spec := range specs {
		e.bio.ReleaseVessel(vesselID(spec))
	}
	return results, nil
}
