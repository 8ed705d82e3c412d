// Package calibration resolves the RBC:M ratio, dissolved-phase angle and
// noise floor that parameterize the three-compartment signal model.
//
// The ratio is taken from the first available source in fixed precedence
// order: an explicit configured value, a dedicated calibration scan, or
// statistics of the Dixon acquisition itself. The last option is less robust
// and is flagged on the result so reporting can surface a caveat.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/stat"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/signal"
)

// Source identifies where the resolved RBC:M ratio came from.
type Source string

const (
	// SourceConfig means the ratio was supplied explicitly in the config.
	SourceConfig Source = "config"

	// SourceCalibrationScan means the ratio was fit from a dedicated
	// calibration scan.
	SourceCalibrationScan Source = "calibration_scan"

	// SourceDixonSelf means the ratio was derived from the Dixon
	// acquisition itself. Less robust; downstream reporting should
	// surface a caveat.
	SourceDixonSelf Source = "dixon_self"
)

// selfDeviationTolerance is the relative disagreement between a configured
// ratio and a computable self-calibration above which the deviation is
// recorded on the result.
const selfDeviationTolerance = 0.20

// Result holds the resolved calibration constants. Computed once per subject
// and consumed read-only by the decomposer.
type Result struct {
	// RBCMRatio is the RBC to membrane signal ratio, in (0, 1].
	RBCMRatio float64

	// DissolvedPhase is the rotation in radians, normalized to [-pi, pi],
	// that places the membrane compartment on the real axis and the RBC
	// compartment on the imaginary axis.
	DissolvedPhase float64

	// NoiseFloor is the magnitude below which dissolved-phase voxels are
	// treated as noise. Always >= 0.
	NoiseFloor float64

	// Source records which precedence branch produced the ratio.
	Source Source

	// SelfRatioDeviation is the relative disagreement between a configured
	// ratio and the Dixon self-calibration, recorded when it exceeds the
	// tolerance. Zero when not applicable.
	SelfRatioDeviation float64
}

// Error is returned when no source yields a ratio in the physically valid
// range (0, 1]. Values are never silently clamped.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calibration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("calibration: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Params carries the calibration-relevant configuration.
type Params struct {
	// RBCMRatio is the explicit ratio from the config; 0 means unset.
	RBCMRatio float64
}

// Resolve determines the calibration constants for a subject. dixon is the
// primary Dixon pair; calScan is the optional dedicated calibration scan.
// The dissolved phase and noise floor are always derived from the best
// available scan, even when the ratio itself comes from the config.
func Resolve(p Params, dixon *models.DixonPair, calScan *models.Acquisition) (Result, error) {
	var (
		samples []complex128
		meta    models.ScanMetadata
	)
	switch {
	case calScan != nil:
		samples = calScan.Image.Data
		meta = calScan.Meta
	case dixon != nil:
		samples = b0CorrectedDissolved(dixon)
		meta = dixon.Meta
	default:
		return Result{}, &Error{Reason: "no calibration source available"}
	}

	mean, err := meanPhasor(samples)
	if err != nil {
		return Result{}, &Error{Reason: "dissolved signal is empty", Err: err}
	}
	currentAngle := math.Atan2(imag(mean), real(mean))

	delta := signal.RBCMembranePhaseOffset(meta.TE90, meta.FieldStrength)

	var (
		ratio     float64
		source    Source
		deviation float64
	)
	switch {
	case p.RBCMRatio != 0:
		ratio = p.RBCMRatio
		source = SourceConfig
		if dixon != nil {
			selfDelta := signal.RBCMembranePhaseOffset(dixon.Meta.TE90, dixon.Meta.FieldStrength)
			if self, fitErr := fitRatio(b0CorrectedDissolved(dixon), selfDelta); fitErr == nil {
				rel := math.Abs(self-ratio) / ratio
				if rel > selfDeviationTolerance {
					deviation = rel
				}
			}
		}
	case calScan != nil:
		ratio, err = fitRatio(samples, delta)
		if err != nil {
			return Result{}, &Error{Reason: "calibration scan fit failed", Err: err}
		}
		source = SourceCalibrationScan
	default:
		ratio, err = fitRatio(samples, delta)
		if err != nil {
			return Result{}, &Error{Reason: "dixon self-calibration failed", Err: err}
		}
		source = SourceDixonSelf
	}

	if ratio <= 0 || ratio > 1 {
		return Result{}, &Error{
			Reason: fmt.Sprintf("rbc:m ratio %.4f outside valid range (0, 1]", ratio),
		}
	}

	return Result{
		RBCMRatio:          ratio,
		DissolvedPhase:     signal.NormalizePhase(math.Atan(ratio) - currentAngle),
		NoiseFloor:         estimateNoiseFloor(magnitudes(samples)),
		Source:             source,
		SelfRatioDeviation: deviation,
	}, nil
}

// b0CorrectedDissolved removes the per-voxel B0 inhomogeneity phase from the
// dissolved volume by referencing each voxel to the gas-phase angle.
func b0CorrectedDissolved(pair *models.DixonPair) []complex128 {
	out := make([]complex128, len(pair.Dissolved.Data))
	for i, d := range pair.Dissolved.Data {
		g := pair.Gas.Data[i]
		if cmplx.Abs(g) > 0 {
			out[i] = d * cmplx.Exp(complex(0, -cmplx.Phase(g)))
		} else {
			out[i] = d
		}
	}
	return out
}

// meanPhasor returns the mean complex sample.
func meanPhasor(samples []complex128) (complex128, error) {
	if len(samples) == 0 {
		return 0, errors.New("no samples")
	}
	var sum complex128
	for _, s := range samples {
		sum += s
	}
	mean := sum / complex(float64(len(samples)), 0)
	if cmplx.Abs(mean) == 0 {
		return 0, errors.New("zero mean phasor")
	}
	return mean, nil
}

// fitRatio fits the two-compartment amplitudes to the B0-corrected dissolved
// samples by solving the least-squares normal equations. The model places the
// membrane phasor on the real axis and the RBC phasor at the chemical-shift
// angle delta, so each sample contributes
//
//	re_k = M + R*cos(delta)
//	im_k =     R*sin(delta)
//
// The returned ratio is R/M.
func fitRatio(samples []complex128, delta float64) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.New("no samples to fit")
	}
	sinD, cosD := math.Sin(delta), math.Cos(delta)
	if math.Abs(sinD) < 1e-9 {
		return 0, errors.New("degenerate chemical-shift angle, compartments are collinear")
	}

	// Normal matrix A = G^T G and b = G^T y accumulated over all samples,
	// with per-sample design matrix G = [1 cosD; 0 sinD].
	var a [2][2]float64
	var b [2]float64
	for _, s := range samples {
		re, im := real(s), imag(s)
		a[0][0] += 1
		a[0][1] += cosD
		a[1][0] += cosD
		a[1][1] += cosD*cosD + sinD*sinD
		b[0] += re
		b[1] += re*cosD + im*sinD
	}

	m, r, err := solve2x2(a, b)
	if err != nil {
		return 0, err
	}
	if m == 0 {
		return 0, errors.New("membrane amplitude is zero")
	}
	return r / m, nil
}

// solve2x2 solves A x = b by Gaussian elimination with partial pivoting.
func solve2x2(a [2][2]float64, b [2]float64) (float64, float64, error) {
	if math.Abs(a[1][0]) > math.Abs(a[0][0]) {
		a[0], a[1] = a[1], a[0]
		b[0], b[1] = b[1], b[0]
	}
	if a[0][0] == 0 {
		return 0, 0, errors.New("singular normal matrix")
	}
	f := a[1][0] / a[0][0]
	a[1][1] -= f * a[0][1]
	b[1] -= f * b[0]
	if a[1][1] == 0 {
		return 0, 0, errors.New("singular normal matrix")
	}
	x1 := b[1] / a[1][1]
	x0 := (b[0] - a[0][1]*x1) / a[0][0]
	return x0, x1, nil
}

// estimateNoiseFloor derives a background noise level from the lowest-decile
// magnitudes: mean plus two standard deviations of that background set.
func estimateNoiseFloor(mags []float64) float64 {
	if len(mags) == 0 {
		return 0
	}
	sorted := make([]float64, len(mags))
	copy(sorted, mags)
	sort.Float64s(sorted)

	n := len(sorted) / 10
	if n < 2 {
		return 0
	}
	background := sorted[:n]
	mean := stat.Mean(background, nil)
	sd := stat.StdDev(background, nil)
	return mean + 2*sd
}

func magnitudes(samples []complex128) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = cmplx.Abs(s)
	}
	return out
}
