// Package signal provides the pure signal-model functions used to turn
// complex Dixon image data into gas/membrane/RBC compartment signals.
// All functions are stateless transforms over explicit inputs.
package signal

import (
	"math"
)

// Physical constants for 129Xe gas-exchange imaging.
const (
	// GyromagneticRatioMHzPerT is the 129Xe gyromagnetic ratio.
	GyromagneticRatioMHzPerT = 11.777

	// T2StarGas is the gas-phase T2* at 3T in seconds.
	T2StarGas = 1.8e-2

	// T2StarRBC3T is the RBC compartment T2* at 3T in seconds.
	T2StarRBC3T = 1.0502e-3

	// T2StarMembrane3T is the membrane compartment T2* at 3T in seconds.
	T2StarMembrane3T = 1.1416e-3

	// RBCMembraneOffsetPPM is the chemical-shift separation between the
	// RBC and membrane resonances.
	RBCMembraneOffsetPPM = 20.3
)

// Hemoglobin correction coefficients.
// Reference: https://onlinelibrary.wiley.com/doi/10.1002/mrm.29712
const (
	HbReference = 14.0 // g/dL
	hbR1        = 0.288
	hbM1        = 0.029
	hbM2        = 0.011
)

// NormalizePhase wraps an angle in radians into [-pi, pi].
func NormalizePhase(rad float64) float64 {
	for rad > math.Pi {
		rad -= 2 * math.Pi
	}
	for rad < -math.Pi {
		rad += 2 * math.Pi
	}
	return rad
}

// FlipAngleFactor returns the multiplicative correction that compensates the
// different excitation flip angles used for the gas and dissolved phases.
// Angles are in degrees.
func FlipAngleFactor(faGasDeg, faDissolvedDeg float64) float64 {
	return math.Sin(faGasDeg*math.Pi/180) / math.Sin(faDissolvedDeg*math.Pi/180)
}

// T2StarFactor returns the signal recovery factor exp(te90/t2star) for a
// compartment, with the 3T reference T2* scaled to the actual field strength
// (T2* shortens linearly with B0).
func T2StarFactor(te90 float64, t2star3T float64, fieldStrength float64) float64 {
	t2star := t2star3T * 3.0 / fieldStrength
	return math.Exp(te90 / t2star)
}

// RBCMembranePhaseOffset returns the phase accumulated between the RBC and
// membrane phasors at the given echo time, in radians. te90 is in seconds.
func RBCMembranePhaseOffset(te90, fieldStrength float64) float64 {
	offsetHz := RBCMembraneOffsetPPM * GyromagneticRatioMHzPerT * fieldStrength
	return NormalizePhase(2 * math.Pi * offsetHz * te90)
}

// HbCorrectionFactors returns the RBC and membrane scaling factors that
// normalize the dissolved-phase signal to the reference hemoglobin level.
// hb is the subject hemoglobin in g/dL and must be positive.
func HbCorrectionFactors(hb float64) (rbcFactor, membraneFactor float64) {
	d := hb/HbReference - 1.0
	rbcFactor = 1.0 / (1.0 + hbR1*d)
	membraneFactor = 1.0 / (1.0 + hbM1*d + hbM2*d*d)
	return rbcFactor, membraneFactor
}
