package vm

import "math"

// sampleGrowthWobble is the sole caller permitted to draw from the growth
// stream (see New's whitelist wiring).
func (m *VM) sampleGrowthWobble() (float64, error) {
	return m.growth.Float64()
}

// sampleCommitmentDelay is the sole caller permitted to draw from the
// treatment stream.
func (m *VM) sampleCommitmentDelay(mu, sigma float64) (float64, error) {
	return m.treatment.Lognormal(mu, sigma)
}

// sampleAssayNoise is the sole caller permitted to draw from the assay
// stream. Unlike rng_growth/rng_treatment (consumed strictly sequentially
// in Phase 1/2 of §4.6), the assay stream backs the measurement worker
// pool's concurrent Measure calls — a single shared *rand.Rand sequence
// would make each well's noise depend on goroutine scheduling order, not
// just on (run_seed, well), breaking §8 invariant 1/2 (determinism and
// worker-order invariance). Instead it derives a per-well seed from
// (run_seed, vessel id) — vessel id already encodes the cycle via its
// plate id — and draws from a private generator built on that seed, so
// the result depends only on well identity, never on call order.
func (m *VM) sampleAssayNoise(vesselID string, sigma, heavyTailDF float64) (uniform, lognormal, studentT float64, err error) {
	seed, err := m.assay.SeedFor(vesselID)
	if err != nil {
		return 0, 0, 0, err
	}
	gen := newLocalRand(seed)
	uniform = gen.float64()
	lognormal = gen.lognormal(0, sigma)
	studentT = gen.studentTApprox(heavyTailDF)
	return uniform, lognormal, studentT, nil
}

// localRand is a tiny deterministic xorshift generator used for seed-time
// baseline derivation (see deterministicBaselineShift) and for per-well
// assay noise (see sampleAssayNoise), both of which must be reproducible
// independent of guarded-stream consumption order.
type localRand struct{ state uint64 }

func newLocalRand(seed uint64) *localRand {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &localRand{state: seed}
}

func (r *localRand) next() uint64 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	return r.state
}

func (r *localRand) float64() float64 {
	return float64(r.next()>>11) / float64(1<<53)
}

// normFloat64 approximates a standard-normal draw via Box-Muller over two
// uniform draws from the local generator.
func (r *localRand) normFloat64() float64 {
	u1 := r.float64()
	if u1 <= 0 {
		u1 = 1e-12
	}
	u2 := r.float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// lognormal mirrors GuardedStream.Lognormal but over the local generator.
func (r *localRand) lognormal(mu, sigma float64) float64 {
	return math.Exp(mu + sigma*r.normFloat64())
}

// studentTApprox mirrors GuardedStream.StudentTApprox but over the local
// generator, for call sites that need an order-independent heavy-tail draw.
func (r *localRand) studentTApprox(df float64) float64 {
	z := r.normFloat64()
	var chi2 float64
	n := int(math.Max(1, math.Round(df)))
	for i := 0; i < n; i++ {
		x := r.normFloat64()
		chi2 += x * x
	}
	return z / math.Sqrt(chi2/df)
}
