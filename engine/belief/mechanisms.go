package belief

// mechanismSignatures gives the expected channel-response direction/
// magnitude for each concrete mechanism, mirroring the compound stress-axis
// drift the VM's measurement stack applies (engine/vm/measure.go). Belief
// never imports engine/vm; the signature table is intentionally
// duplicated at this smaller grain rather than shared, since the two
// packages reason about the correlation from opposite ends (VM generates
// it, belief infers it).
var mechanismSignatures = map[string]map[string]float64{
	"microtubule": {
		"texture_variance":        0.8,
		"cell_area":               -0.3,
		"nucleus_area":            0.1,
		"transcript_stress_score": 0.5,
		"ldh":                     0.4,
	},
	"er_stress": {
		"intensity_mito":          -0.2,
		"transcript_stress_score": 0.9,
		"ldh":                     0.6,
		"texture_variance":        0.2,
	},
}

// KnownMechanisms returns the concrete mechanism vocabulary the posterior
// is defined over, excluding UNKNOWN (§2: "discovery of new biology beyond
// the mechanism vocabulary the posterior defines" is explicitly out of
// scope).
func KnownMechanisms() []string {
	names := make([]string, 0, len(mechanismSignatures))
	for m := range mechanismSignatures {
		names = append(names, m)
	}
	return names
}
