// Package biomarkers computes defect/low/high bin percentages and summary
// statistics for the decomposed compartment maps, restricted to the
// reconciled lung mask and compared against a healthy-cohort reference.
package biomarkers

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"gxpipeline/internal/models"
)

// Error is returned on an empty mask or a mask/map grid mismatch. Statistics
// are a precondition failure, never a zero-valued result, when no voxels are
// available.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quantification: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("quantification: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// CompartmentStats summarizes one compartment over the masked voxels.
type CompartmentStats struct {
	DefectPct float64
	LowPct    float64
	HighPct   float64
	Mean      float64
	Median    float64
	StdDev    float64
	SNR       float64
}

// Summary is the biomarker set handed to reporting. Every value is computed
// over masked voxels only and tagged with the reference cohort used.
type Summary struct {
	ReferenceKey string

	// Vent holds ventilation statistics; Vent.DefectPct is the
	// ventilation defect percentage (VDP).
	Vent     CompartmentStats
	RBC      CompartmentStats
	Membrane CompartmentStats

	// RBCMMean and RBCMStdDev aggregate the per-voxel RBC:membrane ratio.
	RBCMMean   float64
	RBCMStdDev float64

	// MaskVoxels is the number of voxels the statistics cover.
	MaskVoxels int
}

// Quantify computes the biomarker summary for the compartment maps under the
// lung mask. The ventilation image is normalized to its 99th percentile
// within the mask before binning, matching how the reference thresholds were
// calibrated.
func Quantify(maps *models.CompartmentMaps, mask *models.LungMask, ref Reference) (*Summary, error) {
	if mask == nil {
		return nil, &Error{Reason: "no mask supplied"}
	}
	if !mask.Dims.Equal(maps.Dims()) {
		return nil, &Error{Reason: fmt.Sprintf("mask grid %s does not match maps grid %s",
			mask.Dims, maps.Dims())}
	}
	n := mask.VoxelCount()
	if n == 0 {
		return nil, &Error{Reason: "mask is empty"}
	}

	ventNorm, err := normalize(maps.Gas, mask)
	if err != nil {
		return nil, err
	}

	vent, err := compartmentStats(ventNorm, maps.Gas, mask, ref.VentThresholds, 2)
	if err != nil {
		return nil, err
	}
	rbc, err := compartmentStats(maps.RBC, maps.RBC, mask, ref.RBCThresholds, 2)
	if err != nil {
		return nil, err
	}
	membrane, err := compartmentStats(maps.Membrane, maps.Membrane, mask, ref.MembraneThresholds, 3)
	if err != nil {
		return nil, err
	}

	rbcmMean, rbcmStd := rbcMembraneRatio(maps, mask)

	return &Summary{
		ReferenceKey: ref.Key,
		Vent:         vent,
		RBC:          rbc,
		Membrane:     membrane,
		RBCMMean:     rbcmMean,
		RBCMStdDev:   rbcmStd,
		MaskVoxels:   n,
	}, nil
}

// compartmentStats bins the image against the thresholds and summarizes the
// masked values. highBins is how many top bins count as "high".
func compartmentStats(binImage, rawImage *models.Volume, mask *models.LungMask, thresholds []float64, highBins int) (CompartmentStats, error) {
	bins := linearBin(binImage, mask, thresholds)
	numBins := len(thresholds) + 1

	masked := maskedValues(binImage, mask)
	mean := stat.Mean(masked, nil)
	sd := stat.StdDev(masked, nil)
	if len(masked) < 2 {
		sd = 0
	}
	median, err := stats.Median(masked)
	if err != nil {
		return CompartmentStats{}, &Error{Reason: "median failed", Err: err}
	}

	return CompartmentStats{
		DefectPct: binPercentage(bins, mask, []int{1}),
		LowPct:    binPercentage(bins, mask, []int{2}),
		HighPct:   binPercentage(bins, mask, topBins(numBins, highBins)),
		Mean:      mean,
		Median:    median,
		StdDev:    sd,
		SNR:       snr(rawImage, mask),
	}, nil
}

// normalize scales the image by its 99th percentile within the mask.
func normalize(v *models.Volume, mask *models.LungMask) (*models.Volume, error) {
	masked := maskedValues(v, mask)
	p99, err := stats.Percentile(masked, 99)
	if err != nil {
		return nil, &Error{Reason: "percentile normalization failed", Err: err}
	}
	out := models.NewVolume(v.Dims)
	if p99 <= 0 {
		copy(out.Data, v.Data)
		return out, nil
	}
	for i, val := range v.Data {
		out.Data[i] = val / p99
	}
	return out, nil
}

// linearBin assigns each masked voxel a bin index in [1, len(thresholds)+1];
// voxels outside the mask stay 0.
func linearBin(v *models.Volume, mask *models.LungMask, thresholds []float64) []int {
	bins := make([]int, len(v.Data))
	for i, val := range v.Data {
		if !mask.Data[i] {
			continue
		}
		bin := 1
		for _, t := range thresholds {
			if val >= t {
				bin++
			}
		}
		bins[i] = bin
	}
	return bins
}

// binPercentage returns the percentage of masked voxels falling in any of
// the listed bins.
func binPercentage(bins []int, mask *models.LungMask, want []int) float64 {
	total, hit := 0, 0
	for i, b := range bins {
		if !mask.Data[i] {
			continue
		}
		total++
		for _, w := range want {
			if b == w {
				hit++
				break
			}
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(hit) / float64(total)
}

func topBins(numBins, count int) []int {
	out := make([]int, 0, count)
	for b := numBins - count + 1; b <= numBins; b++ {
		out = append(out, b)
	}
	return out
}

// snr estimates signal-to-noise as the masked mean over the background
// standard deviation. Returns 0 when no usable background exists, so a mask
// covering the whole volume still yields a finite value.
func snr(v *models.Volume, mask *models.LungMask) float64 {
	var background []float64
	for i, val := range v.Data {
		if !mask.Data[i] {
			background = append(background, val)
		}
	}
	if len(background) < 2 {
		return 0
	}
	noise := stat.StdDev(background, nil)
	if noise == 0 {
		return 0
	}
	signal := stat.Mean(maskedValues(v, mask), nil)
	return math.Abs(signal) / noise
}

// rbcMembraneRatio aggregates the per-voxel RBC:membrane ratio over masked
// voxels with nonzero membrane signal.
func rbcMembraneRatio(maps *models.CompartmentMaps, mask *models.LungMask) (mean, sd float64) {
	var ratios []float64
	for i := range maps.RBC.Data {
		if !mask.Data[i] {
			continue
		}
		m := maps.Membrane.Data[i]
		if m == 0 {
			continue
		}
		ratios = append(ratios, maps.RBC.Data[i]/m)
	}
	if len(ratios) == 0 {
		return 0, 0
	}
	mean = stat.Mean(ratios, nil)
	if len(ratios) > 1 {
		sd = stat.StdDev(ratios, nil)
	}
	return mean, sd
}

func maskedValues(v *models.Volume, mask *models.LungMask) []float64 {
	out := make([]float64, 0, len(v.Data))
	for i, val := range v.Data {
		if mask.Data[i] {
			out = append(out, val)
		}
	}
	return out
}
