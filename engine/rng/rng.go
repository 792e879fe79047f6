// Package rng provides the three guarded random-number streams the
// biology VM depends on (rng_growth, rng_treatment, rng_assay) and the
// BLAKE2s-based stable hashing used for batch-effect seeding (§4.1: "RNG
// discipline"). Each stream rejects calls from callers outside an
// exact-match whitelist, so physics code can never accidentally borrow
// the assay stream (or vice versa) and break observer independence.
package rng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"

	"golang.org/x/crypto/blake2s"
)

// ErrUnauthorizedCaller is raised when a stream is invoked from a function
// not present in its whitelist.
var ErrUnauthorizedCaller = errors.New("rng: caller not authorized for this stream")

// StreamName identifies one of the three independent streams.
type StreamName string

const (
	StreamGrowth    StreamName = "rng_growth"
	StreamTreatment StreamName = "rng_treatment"
	StreamAssay     StreamName = "rng_assay"
)

// GuardedStream wraps a *rand.Rand with a caller whitelist. Source is
// seeded deterministically from the run seed and the stream name so that
// identical run seeds always reproduce identical per-stream sequences,
// independent of the other streams' consumption (§8 invariant 1/3).
type GuardedStream struct {
	name      StreamName
	runSeed   int64
	src       *rand.Rand
	whitelist map[string]struct{}
	draws     atomic.Uint64
}

// NewGuardedStream derives a stream's seed from the run seed and stream
// name via StableHash64, then restricts calls to the given caller names
// (exact function names, as reported by runtime.FuncForPC).
func NewGuardedStream(runSeed int64, name StreamName, whitelist []string) *GuardedStream {
	seed := StableHash64(fmt.Sprintf("%d:%s", runSeed, name))
	wl := make(map[string]struct{}, len(whitelist))
	for _, fn := range whitelist {
		wl[fn] = struct{}{}
	}
	return &GuardedStream{
		name:      name,
		runSeed:   runSeed,
		src:       rand.New(rand.NewSource(int64(seed))), //nolint:gosec // deterministic by design
		whitelist: wl,
	}
}

// Name reports the stream's identity.
func (g *GuardedStream) Name() StreamName { return g.name }

// checkCaller walks up two stack frames (the rng method, then its caller)
// and verifies the caller's function name is whitelisted.
func (g *GuardedStream) checkCaller() error {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return fmt.Errorf("%w: stream %s could not resolve caller", ErrUnauthorizedCaller, g.name)
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return fmt.Errorf("%w: stream %s could not resolve caller", ErrUnauthorizedCaller, g.name)
	}
	if _, ok := g.whitelist[fn.Name()]; !ok {
		return fmt.Errorf("%w: stream %s called from %s", ErrUnauthorizedCaller, g.name, fn.Name())
	}
	return nil
}

// Float64 returns a uniform variate in [0,1), guarded.
func (g *GuardedStream) Float64() (float64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	defer g.draws.Add(1)
	return g.src.Float64(), nil
}

// NormFloat64 returns a standard-normal variate, guarded.
func (g *GuardedStream) NormFloat64() (float64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	defer g.draws.Add(1)
	return g.src.NormFloat64(), nil
}

// ExpFloat64 returns a standard-exponential variate, guarded.
func (g *GuardedStream) ExpFloat64() (float64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	defer g.draws.Add(1)
	return g.src.ExpFloat64(), nil
}

// Lognormal samples from a lognormal distribution with the given
// underlying-normal mean/sigma, guarded.
func (g *GuardedStream) Lognormal(mu, sigma float64) (float64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	defer g.draws.Add(1)
	z := g.src.NormFloat64()
	return math.Exp(mu + sigma*z), nil
}

// StudentTApprox draws an approximate Student-t variate with the given
// degrees of freedom using a normal-over-sqrt-chi-square construction,
// guarded. Used for heavy-tail measurement shocks (§4.1.1 step 3).
func (g *GuardedStream) StudentTApprox(df float64) (float64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	defer g.draws.Add(1)
	z := g.src.NormFloat64()
	var chi2 float64
	n := int(math.Max(1, math.Round(df)))
	for i := 0; i < n; i++ {
		x := g.src.NormFloat64()
		chi2 += x * x
	}
	return z / math.Sqrt(chi2/df), nil
}

// SeedFor performs this stream's caller-whitelist check, then returns a
// deterministic seed derived from the run seed, stream name and key,
// instead of advancing the shared src. Call sites whose draws must be
// independent of invocation order — the measurement worker pool (§5:
// "Workers receive (well_spec, run_seed, deterministic_batch_seed) — no
// shared RNG") — construct their own generator from this seed rather than
// consuming the stream's single mutable sequence, so concurrent callers
// never race over src and never depend on lock-acquisition order.
func (g *GuardedStream) SeedFor(key string) (uint64, error) {
	if err := g.checkCaller(); err != nil {
		return 0, err
	}
	return StableHash64(fmt.Sprintf("%d:%s:%s", g.runSeed, g.name, key)), nil
}

// Snapshot returns the stream's draw count, for the observer-independence
// self-test (§6: "snapshot of rng_growth.state must not change after an
// assay call"). Two snapshots are equal iff no draw occurred between them.
func (g *GuardedStream) Snapshot() uint64 {
	return g.draws.Load()
}

// StableHash64 returns a BLAKE2s-derived 64-bit hash of key, truncated per
// §4.1 ("Stable hashing uses BLAKE2s truncated to u32/u64 for batch-effect
// seeding"). Deterministic across machines and Go versions.
func StableHash64(key string) uint64 {
	sum := blake2s.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// StableHash32 is the u32-truncated variant, used where a smaller seed
// space is sufficient (e.g. per-well layout shuffles).
func StableHash32(key string) uint32 {
	sum := blake2s.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// BatchEffectSeed derives a deterministic per-well baseline-shift seed
// from the run seed, well ID and cell line, per §4.1's batch-effect
// discipline.
func BatchEffectSeed(runSeed int64, wellID, cellLine string) uint64 {
	return StableHash64(fmt.Sprintf("%d:%s:%s:batch", runSeed, wellID, cellLine))
}

// DeterministicPermutation returns a Fisher-Yates shuffle of [0,n) driven
// by a seed-derived xorshift generator. Used for spatial randomization
// (layout_seed, §3/§4.4) — deliberately independent of the three guarded
// biology streams, since shuffling plate positions is not a biological
// draw and must never perturb rng_growth/treatment/assay sequences.
func DeterministicPermutation(seed uint64, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	state := seed
	next := func() uint64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return state
	}
	for i := n - 1; i > 0; i-- {
		j := int(next() % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
