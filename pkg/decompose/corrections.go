package decompose

import (
	"fmt"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/signal"
)

// HbCorrection selects which dissolved-phase signals receive hemoglobin
// correction.
type HbCorrection string

const (
	HbCorrectionNone           HbCorrection = "none"
	HbCorrectionRBCOnly        HbCorrection = "rbc_only"
	HbCorrectionRBCAndMembrane HbCorrection = "rbc_and_membrane"
)

// Corrections parameterizes the calibration-adjustment pass that turns raw
// compartment maps into gas-normalized, decay-corrected maps.
type Corrections struct {
	// HbKey selects the hemoglobin correction mode.
	HbKey HbCorrection

	// Hb is the subject hemoglobin in g/dL; required > 0 when HbKey is
	// not HbCorrectionNone.
	Hb float64
}

// ApplyCorrections produces the calibration-adjusted maps: membrane and RBC
// signals divided by the gas signal, scaled by the compartment T2* recovery
// factors, and optionally hemoglobin-corrected. The input maps are not
// mutated; a new set is returned.
func ApplyCorrections(maps *models.CompartmentMaps, meta models.ScanMetadata, c Corrections) (*models.CompartmentMaps, error) {
	rbcHb, memHb := 1.0, 1.0
	switch c.HbKey {
	case HbCorrectionNone, "":
		// no correction
	case HbCorrectionRBCOnly:
		if c.Hb <= 0 {
			return nil, &Error{Reason: fmt.Sprintf("invalid hemoglobin value %.2f", c.Hb)}
		}
		rbcHb, _ = signal.HbCorrectionFactors(c.Hb)
	case HbCorrectionRBCAndMembrane:
		if c.Hb <= 0 {
			return nil, &Error{Reason: fmt.Sprintf("invalid hemoglobin value %.2f", c.Hb)}
		}
		rbcHb, memHb = signal.HbCorrectionFactors(c.Hb)
	default:
		return nil, &Error{Reason: fmt.Sprintf("unknown hb correction key %q", c.HbKey)}
	}

	t2RBC := signal.T2StarFactor(meta.TE90, signal.T2StarRBC3T, meta.FieldStrength)
	t2Membrane := signal.T2StarFactor(meta.TE90, signal.T2StarMembrane3T, meta.FieldStrength)

	dims := maps.Dims()
	out := &models.CompartmentMaps{
		Gas:      maps.Gas.Clone(),
		Membrane: models.NewVolume(dims),
		RBC:      models.NewVolume(dims),
	}
	for i, g := range maps.Gas.Data {
		if g <= 0 {
			continue
		}
		out.Membrane.Data[i] = memHb * t2Membrane * maps.Membrane.Data[i] / g
		out.RBC.Data[i] = rbcHb * t2RBC * maps.RBC.Data[i] / g
	}
	return out, nil
}

// MergeMaps combines two aligned compartment map sets by voxelwise mean,
// used when a subject has two Dixon acquisitions.
func MergeMaps(a, b *models.CompartmentMaps) (*models.CompartmentMaps, error) {
	if !a.Dims().Equal(b.Dims()) {
		return nil, &Error{Reason: fmt.Sprintf("cannot merge maps on grids %s and %s",
			a.Dims(), b.Dims())}
	}
	dims := a.Dims()
	out := &models.CompartmentMaps{
		Gas:      models.NewVolume(dims),
		Membrane: models.NewVolume(dims),
		RBC:      models.NewVolume(dims),
	}
	for i := range out.Gas.Data {
		out.Gas.Data[i] = (a.Gas.Data[i] + b.Gas.Data[i]) / 2
		out.Membrane.Data[i] = (a.Membrane.Data[i] + b.Membrane.Data[i]) / 2
		out.RBC.Data[i] = (a.RBC.Data[i] + b.RBC.Data[i]) / 2
	}
	return out, nil
}
