package biomarkers

// Reference holds the healthy-cohort binning thresholds a subject is
// compared against. Thresholds are ascending bin edges: a value below the
// first edge falls in bin 1 (defect), between edges k and k+1 in bin k+1,
// and above the last edge in the top bin.
type Reference struct {
	// Key names the cohort, recorded on every summary derived from it.
	Key string

	// VentThresholds bins the normalized ventilation image (6 bins).
	VentThresholds []float64

	// RBCThresholds bins the RBC:gas image (6 bins).
	RBCThresholds []float64

	// MembraneThresholds bins the membrane:gas image (8 bins).
	MembraneThresholds []float64
}

// DefaultReferenceKey is the reference cohort used when the config does not
// select one.
const DefaultReferenceKey = "reference_218_ppm_01"

// ReferenceByKey returns the named reference cohort, falling back to the
// default cohort for an empty key.
func ReferenceByKey(key string) (Reference, bool) {
	if key == "" {
		key = DefaultReferenceKey
	}
	ref, ok := references[key]
	return ref, ok
}

// references maps cohort keys to threshold sets. The default set targets the
// 218 ppm dissolved-phase excitation protocol.
var references = map[string]Reference{
	DefaultReferenceKey: {
		Key:                DefaultReferenceKey,
		VentThresholds:     []float64{0.185, 0.418, 0.647, 0.806, 0.933},
		RBCThresholds:      []float64{0.00104, 0.00327, 0.00546, 0.00765, 0.00984},
		MembraneThresholds: []float64{0.00290, 0.00518, 0.00746, 0.00974, 0.01202, 0.01430, 0.01658},
	},
}
