// Package pipeline sequences the gas-exchange mapping stages for one
// subject: decomposition, calibration adjustment, segmentation, optional
// dual-scan registration, quantification and report assembly. It is the only
// component with cross-stage state; the numerical packages it drives are
// stateless transforms.
//
// The pipeline follows the state machine
//
//	Loaded -> Reconstructed -> Decomposed -> Calibrated -> Segmented
//	       -> [Registered] -> Quantified -> Reported
//
// with terminal states Reported and Failed(stage, cause). Reprocess mode
// resumes from a persisted snapshot at Decomposed or later, skipping the
// expensive reconstruction path.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/biasfield"
	"gxpipeline/pkg/biomarkers"
	"gxpipeline/pkg/calibration"
	"gxpipeline/pkg/config"
	"gxpipeline/pkg/decompose"
	"gxpipeline/pkg/registration"
	"gxpipeline/pkg/segmentation"
	"gxpipeline/pkg/volfile"
)

// State names a pipeline stage. The Failed terminal state records which
// stage caused the abort.
type State string

const (
	StateLoaded        State = "Loaded"
	StateReconstructed State = "Reconstructed"
	StateDecomposed    State = "Decomposed"
	StateCalibrated    State = "Calibrated"
	StateSegmented     State = "Segmented"
	StateRegistered    State = "Registered"
	StateQuantified    State = "Quantified"
	StateReported      State = "Reported"
	StateFailed        State = "Failed"
)

// StageFailure is the terminal error of a failed run: the originating stage
// plus the underlying cause. No report artifact exists for a failed run.
type StageFailure struct {
	Stage State
	Err   error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("pipeline failed at stage %s: %v", f.Stage, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// RunInput is the reconstructed input bundle for one subject: one or two
// Dixon pairs, the optional dedicated calibration scan, and the optional
// proton UTE anatomical scan. Reconstruction itself is an external
// collaborator; this core consumes its output.
type RunInput struct {
	Pairs   []*models.DixonPair
	CalScan *models.Acquisition
	Proton  *models.Acquisition
}

// SubjectRun is the top-level aggregate for one subject's processing: it
// owns the acquisitions, calibration, masks, maps and biomarkers, and tracks
// the state machine position.
type SubjectRun struct {
	ID      string
	Config  *config.Config
	Pairs   []*models.DixonPair
	CalScan *models.Acquisition
	Proton  *models.Acquisition

	Calibration calibration.Result

	// RawMaps and Corrected hold the per-pair decomposed and
	// calibration-adjusted maps; Maps and Mask are the final (merged in
	// the dual-scan case) set used for quantification.
	RawMaps   []*models.CompartmentMaps
	Corrected []*models.CompartmentMaps
	Masks     []*models.LungMask
	Maps      *models.CompartmentMaps
	Mask      *models.LungMask

	Biomarkers *biomarkers.Summary

	State       State
	FailedStage State
}

// Orchestrator runs the pipeline for one subject. The segmentation,
// registration and bias-correction capabilities are injected so the pipeline
// can be exercised with deterministic fakes.
type Orchestrator struct {
	cfg  *config.Config
	seg  segmentation.Segmenter
	reg  registration.Registrar
	bias biasfield.Corrector
	log  *slog.Logger
}

// New creates an orchestrator for the given configuration and capabilities.
// A nil logger discards pipeline logs.
func New(cfg *config.Config, seg segmentation.Segmenter, reg registration.Registrar, bias biasfield.Corrector, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{cfg: cfg, seg: seg, reg: reg, bias: bias, log: log}
}

// Run executes the full pipeline from Loaded and returns the report payload.
// A stage failure aborts the remaining stages and returns a StageFailure; no
// report artifact is produced.
func (o *Orchestrator) Run(ctx context.Context, input *RunInput) (*ReportPayload, error) {
	run := &SubjectRun{
		ID:      uuid.NewString(),
		Config:  o.cfg,
		Pairs:   input.Pairs,
		CalScan: input.CalScan,
		Proton:  input.Proton,
		State:   StateLoaded,
	}
	return o.runFrom(ctx, run, StateLoaded)
}

// Reprocess resumes a run from the persisted intermediate artifact, starting
// at the stage after the snapshot's unless force_calibration requests a
// recompute from Decomposed.
func (o *Orchestrator) Reprocess(ctx context.Context, snapshotPath string) (*ReportPayload, error) {
	run, err := LoadSnapshot(snapshotPath, o.cfg)
	if err != nil {
		return nil, &StageFailure{Stage: StateLoaded, Err: err}
	}
	start := nextState(run.State, len(run.Pairs) == 2)
	if o.cfg.ForceCalibration {
		start = StateDecomposed
	}
	o.log.Info("resuming from snapshot",
		"subject", o.cfg.SubjectID, "snapshot_state", string(run.State), "start", string(start))
	return o.runFrom(ctx, run, start)
}

// stageOrder returns the state sequence for a run; the registration stage is
// present only in the dual-scan case.
func stageOrder(dual bool) []State {
	states := []State{
		StateLoaded, StateReconstructed, StateDecomposed, StateCalibrated,
		StateSegmented,
	}
	if dual {
		states = append(states, StateRegistered)
	}
	return append(states, StateQuantified, StateReported)
}

func nextState(s State, dual bool) State {
	order := stageOrder(dual)
	for i, st := range order {
		if st == s && i+1 < len(order) {
			return order[i+1]
		}
	}
	return StateReported
}

func (o *Orchestrator) runFrom(ctx context.Context, run *SubjectRun, start State) (*ReportPayload, error) {
	dual := len(run.Pairs) == 2
	order := stageOrder(dual)

	started := false
	var payload *ReportPayload
	for _, stage := range order {
		if !started {
			if stage != start {
				continue
			}
			started = true
		}

		o.log.Info("stage starting", "subject", o.cfg.SubjectID, "stage", string(stage))
		var err error
		switch stage {
		case StateLoaded:
			err = o.stageLoaded(run)
		case StateReconstructed:
			err = o.stageReconstructed(run)
		case StateDecomposed:
			err = o.stageDecomposed(run)
		case StateCalibrated:
			err = o.stageCalibrated(run)
		case StateSegmented:
			err = o.stageSegmented(ctx, run)
		case StateRegistered:
			err = o.stageRegistered(ctx, run)
		case StateQuantified:
			err = o.stageQuantified(ctx, run)
		case StateReported:
			payload, err = o.stageReported(run)
		}
		if err != nil {
			run.State = StateFailed
			run.FailedStage = stage
			o.log.Error("stage failed", "subject", o.cfg.SubjectID,
				"stage", string(stage), "error", err)
			return nil, &StageFailure{Stage: stage, Err: err}
		}
		run.State = stage

		// Persist the resumable artifact at every stage boundary from
		// Decomposed onward; the report itself is finalized atomically
		// by stageReported.
		if stageAtLeast(stage, StateDecomposed) && stage != StateReported {
			if err := SaveSnapshot(o.snapshotPath(), run); err != nil {
				o.log.Warn("snapshot write failed", "subject", o.cfg.SubjectID,
					"stage", string(stage), "error", err)
			}
		}
	}
	return payload, nil
}

func stageAtLeast(s, min State) bool {
	order := stageOrder(true)
	pos := func(st State) int {
		for i, x := range order {
			if x == st {
				return i
			}
		}
		return -1
	}
	return pos(s) >= pos(min)
}

// SnapshotPath returns where a subject's intermediate artifact lives.
func SnapshotPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, cfg.SubjectID+"_gx.snapshot")
}

func (o *Orchestrator) snapshotPath() string {
	return SnapshotPath(o.cfg)
}

func (o *Orchestrator) stageLoaded(run *SubjectRun) error {
	if len(run.Pairs) == 0 {
		return fmt.Errorf("no dixon acquisitions supplied")
	}
	if len(run.Pairs) > 2 {
		return fmt.Errorf("at most two dixon acquisitions are supported, got %d", len(run.Pairs))
	}
	return nil
}

func (o *Orchestrator) stageReconstructed(run *SubjectRun) error {
	// Reconstruction is an external collaborator; the pairs arrive as
	// complex volumes. Validate grid consistency here.
	for i, p := range run.Pairs {
		if !p.Gas.Dims.Equal(p.Dissolved.Dims) {
			return fmt.Errorf("acquisition %d grid mismatch: %s vs %s",
				i, p.Gas.Dims, p.Dissolved.Dims)
		}
	}
	if len(run.Pairs) == 2 && !run.Pairs[0].Gas.Dims.Equal(run.Pairs[1].Gas.Dims) {
		return fmt.Errorf("dual-scan grids differ: %s vs %s",
			run.Pairs[0].Gas.Dims, run.Pairs[1].Gas.Dims)
	}
	return nil
}

func (o *Orchestrator) stageDecomposed(run *SubjectRun) error {
	cal, err := calibration.Resolve(
		calibration.Params{RBCMRatio: o.cfg.RBCMRatio}, run.Pairs[0], run.CalScan)
	if err != nil {
		return err
	}
	run.Calibration = cal
	o.log.Info("calibration resolved", "subject", o.cfg.SubjectID,
		"source", string(cal.Source), "rbc_m_ratio", cal.RBCMRatio)
	if cal.SelfRatioDeviation > 0 {
		o.log.Warn("self-calibration disagrees with configured ratio",
			"subject", o.cfg.SubjectID, "relative_deviation", cal.SelfRatioDeviation)
	}

	run.RawMaps = run.RawMaps[:0]
	for _, p := range run.Pairs {
		maps, err := decompose.Decompose(p, cal)
		if err != nil {
			return err
		}
		run.RawMaps = append(run.RawMaps, maps)
	}
	return nil
}

func (o *Orchestrator) stageCalibrated(run *SubjectRun) error {
	corr := decompose.Corrections{
		HbKey: decompose.HbCorrection(o.cfg.HbCorrectionKey),
		Hb:    o.cfg.Hb,
	}
	run.Corrected = run.Corrected[:0]
	for i, maps := range run.RawMaps {
		adjusted, err := decompose.ApplyCorrections(maps, run.Pairs[i].Meta, corr)
		if err != nil {
			return err
		}
		run.Corrected = append(run.Corrected, adjusted)
	}
	return nil
}

func (o *Orchestrator) stageSegmented(ctx context.Context, run *SubjectRun) error {
	key := segmentation.Key(o.cfg.SegmentationKey)

	var manual *models.LungMask
	if key == segmentation.KeyManualVent {
		m, err := volfile.ReadMask(o.cfg.ManualSegFilepath)
		if err != nil {
			return &segmentation.Error{Reason: "failed to load manual mask", Err: err}
		}
		manual = m
	}

	// Segment on the proton anatomical scan when one was acquired,
	// otherwise on the gas ventilation image.
	var protonImage *models.Volume
	if run.Proton != nil {
		if !run.Proton.Image.Dims.Equal(run.Pairs[0].Gas.Dims) {
			return &segmentation.Error{Reason: fmt.Sprintf("proton grid %s does not match dixon grid %s",
				run.Proton.Image.Dims, run.Pairs[0].Gas.Dims)}
		}
		protonImage = run.Proton.Image.Magnitude()
	}

	run.Masks = run.Masks[:0]
	for _, p := range run.Pairs {
		anatomical := protonImage
		if anatomical == nil {
			anatomical = p.Gas.Magnitude()
		}
		segCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.ToolTimeout))
		mask, err := segmentation.Reconcile(segCtx, key, anatomical, manual, o.seg)
		cancel()
		if err != nil {
			return err
		}
		run.Masks = append(run.Masks, mask)
	}

	if len(run.Pairs) == 1 {
		run.Mask = run.Masks[0]
		run.Maps = run.Corrected[0]
	}
	return nil
}

// stageRegistered aligns the second acquisition to the first and merges the
// per-scan masks and maps. Alignment is mandatory in the dual-scan case, so
// a registration failure aborts the run.
func (o *Orchestrator) stageRegistered(ctx context.Context, run *SubjectRun) error {
	if o.reg == nil {
		return &registration.Error{Reason: "dual-scan input requires a registration capability, none wired"}
	}

	workDir, err := os.MkdirTemp("", "gx-register-*")
	if err != nil {
		return &registration.Error{Reason: "failed to create work directory", Err: err}
	}
	defer os.RemoveAll(workDir)

	fixedPath := filepath.Join(workDir, "fixed.vol")
	movingPath := filepath.Join(workDir, "moving.vol")
	if err := volfile.WriteVolume(fixedPath, run.Pairs[0].Gas.Magnitude()); err != nil {
		return &registration.Error{Reason: "failed to stage fixed image", Err: err}
	}
	if err := volfile.WriteVolume(movingPath, run.Pairs[1].Gas.Magnitude()); err != nil {
		return &registration.Error{Reason: "failed to stage moving image", Err: err}
	}

	regCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.ToolTimeout))
	defer cancel()
	transform, err := o.reg.Register(regCtx, movingPath, fixedPath)
	if err != nil {
		return err
	}

	alignedMask, err := transform.ApplyToMask(run.Masks[1])
	if err != nil {
		return err
	}
	merged, err := segmentation.Merge(run.Masks[0], alignedMask, segmentation.MergeOp(o.cfg.MaskMerge))
	if err != nil {
		return err
	}
	run.Mask = merged

	aligned, err := applyToMaps(transform, run.Corrected[1])
	if err != nil {
		return err
	}
	mergedMaps, err := decompose.MergeMaps(run.Corrected[0], aligned)
	if err != nil {
		return err
	}
	run.Maps = mergedMaps
	return nil
}

func applyToMaps(t *registration.Transform, maps *models.CompartmentMaps) (*models.CompartmentMaps, error) {
	gas, err := t.ApplyToVolume(maps.Gas)
	if err != nil {
		return nil, err
	}
	membrane, err := t.ApplyToVolume(maps.Membrane)
	if err != nil {
		return nil, err
	}
	rbc, err := t.ApplyToVolume(maps.RBC)
	if err != nil {
		return nil, err
	}
	return &models.CompartmentMaps{Gas: gas, Membrane: membrane, RBC: rbc}, nil
}

func (o *Orchestrator) stageQuantified(ctx context.Context, run *SubjectRun) error {
	if biasfield.Key(o.cfg.BiasKey) == biasfield.KeyN4ITK {
		if o.bias == nil {
			return &biasfield.Error{Reason: "n4itk bias correction selected but no capability wired"}
		}
		biasCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.ToolTimeout))
		corrected, err := o.bias.Correct(biasCtx, run.Maps.Gas, run.Mask)
		cancel()
		if err != nil {
			return err
		}
		run.Maps = &models.CompartmentMaps{
			Gas:      corrected,
			Membrane: run.Maps.Membrane,
			RBC:      run.Maps.RBC,
		}
	}

	ref, ok := biomarkers.ReferenceByKey(o.cfg.ReferenceDataKey)
	if !ok {
		return &biomarkers.Error{Reason: fmt.Sprintf("unknown reference cohort %q", o.cfg.ReferenceDataKey)}
	}
	summary, err := biomarkers.Quantify(run.Maps, run.Mask, ref)
	if err != nil {
		return err
	}
	run.Biomarkers = summary
	return nil
}

func (o *Orchestrator) stageReported(run *SubjectRun) (*ReportPayload, error) {
	payload := BuildPayload(run)
	if err := o.writeOutputs(run, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
