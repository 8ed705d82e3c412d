package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/biomarkers"
	"gxpipeline/pkg/calibration"
	"gxpipeline/pkg/config"
	"gxpipeline/pkg/volfile"
)

// ReportPayload is the bundle handed to the external rendering collaborator:
// the biomarkers, final maps and mask, plus a flat statistics table. This
// core defines only the payload's shape, not its rendering.
type ReportPayload struct {
	RunID       string
	SubjectID   string
	ProcessDate time.Time

	Calibration calibration.Result

	// CalibrationCaveat is set when the ratio came from Dixon
	// self-calibration or when a configured ratio disagreed with the
	// computable self-calibration, so the report can surface a warning.
	CalibrationCaveat bool

	Biomarkers *biomarkers.Summary
	Maps       *models.CompartmentMaps
	Mask       *models.LungMask

	// Stats is the flat key/value table written alongside the report.
	Stats map[string]float64
}

// BuildPayload assembles the report payload from a completed run.
func BuildPayload(run *SubjectRun) *ReportPayload {
	b := run.Biomarkers
	stats := map[string]float64{
		"rbc_m_ratio":         run.Calibration.RBCMRatio,
		"vent_defect_pct":     b.Vent.DefectPct,
		"vent_low_pct":        b.Vent.LowPct,
		"vent_high_pct":       b.Vent.HighPct,
		"vent_mean":           b.Vent.Mean,
		"vent_median":         b.Vent.Median,
		"vent_stddev":         b.Vent.StdDev,
		"vent_snr":            b.Vent.SNR,
		"rbc_defect_pct":      b.RBC.DefectPct,
		"rbc_low_pct":         b.RBC.LowPct,
		"rbc_high_pct":        b.RBC.HighPct,
		"rbc_mean":            b.RBC.Mean,
		"rbc_median":          b.RBC.Median,
		"rbc_stddev":          b.RBC.StdDev,
		"rbc_snr":             b.RBC.SNR,
		"membrane_defect_pct": b.Membrane.DefectPct,
		"membrane_low_pct":    b.Membrane.LowPct,
		"membrane_high_pct":   b.Membrane.HighPct,
		"membrane_mean":       b.Membrane.Mean,
		"membrane_median":     b.Membrane.Median,
		"membrane_stddev":     b.Membrane.StdDev,
		"membrane_snr":        b.Membrane.SNR,
		"rbc_m_mean":          b.RBCMMean,
		"rbc_m_stddev":        b.RBCMStdDev,
		"mask_voxels":         float64(b.MaskVoxels),
	}

	return &ReportPayload{
		RunID:       run.ID,
		SubjectID:   run.Config.SubjectID,
		ProcessDate: time.Now(),
		Calibration: run.Calibration,
		CalibrationCaveat: run.Calibration.Source == calibration.SourceDixonSelf ||
			run.Calibration.SelfRatioDeviation > 0,
		Biomarkers: b,
		Maps:       run.Maps,
		Mask:       run.Mask,
		Stats:      stats,
	}
}

// writeOutputs materializes the run outputs. Everything is written into a
// temporary directory first and atomically renamed into place only on
// success, so a failed run never leaves a partially finalized directory.
func (o *Orchestrator) writeOutputs(run *SubjectRun, payload *ReportPayload) error {
	outBase := o.cfg.OutputDir
	if outBase == "" {
		outBase = o.cfg.DataDir
	}
	if err := os.MkdirAll(outBase, 0755); err != nil {
		return fmt.Errorf("failed to create output base: %w", err)
	}

	tmpDir, err := os.MkdirTemp(outBase, ".gx-staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := volfile.WriteVolume(filepath.Join(tmpDir, "gas.vol"), payload.Maps.Gas); err != nil {
		return err
	}
	if err := volfile.WriteVolume(filepath.Join(tmpDir, "membrane.vol"), payload.Maps.Membrane); err != nil {
		return err
	}
	if err := volfile.WriteVolume(filepath.Join(tmpDir, "rbc.vol"), payload.Maps.RBC); err != nil {
		return err
	}
	if err := volfile.WriteMask(filepath.Join(tmpDir, "mask.vol"), payload.Mask); err != nil {
		return err
	}

	stats := struct {
		RunID             string             `yaml:"run_id"`
		SubjectID         string             `yaml:"subject_id"`
		ProcessDate       time.Time          `yaml:"process_date"`
		ReferenceKey      string             `yaml:"reference_data_key"`
		CalibrationSource string             `yaml:"calibration_source"`
		CalibrationCaveat bool               `yaml:"calibration_caveat"`
		Stats             map[string]float64 `yaml:"stats"`
	}{
		RunID:             payload.RunID,
		SubjectID:         payload.SubjectID,
		ProcessDate:       payload.ProcessDate,
		ReferenceKey:      payload.Biomarkers.ReferenceKey,
		CalibrationSource: string(payload.Calibration.Source),
		CalibrationCaveat: payload.CalibrationCaveat,
		Stats:             payload.Stats,
	}
	data, err := yaml.Marshal(&stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "stats.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}

	finalDir := filepath.Join(outBase, o.cfg.SubjectID+"_gx")
	if err := os.RemoveAll(finalDir); err != nil {
		return fmt.Errorf("failed to clear previous output: %w", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return fmt.Errorf("failed to finalize output directory: %w", err)
	}
	o.log.Info("report finalized", "subject", o.cfg.SubjectID, "dir", finalDir)
	return nil
}

// OutputDir returns the finalized output directory for a subject.
func OutputDir(cfg *config.Config) string {
	base := cfg.OutputDir
	if base == "" {
		base = cfg.DataDir
	}
	return filepath.Join(base, cfg.SubjectID+"_gx")
}
