package pipeline

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/biasfield"
	"gxpipeline/pkg/config"
	"gxpipeline/pkg/registration"
	"gxpipeline/pkg/segmentation"
	"gxpipeline/pkg/volfile"
)

// The analytic test subject: an 8x8x8 grid whose interior voxels carry the
// phasor membrane + i*rbc with a spatially varying B0 phase shared between the
// gas and dissolved volumes. With matched flip angles and zero echo time every
// correction factor is exactly 1, so the pipeline must recover the input
// amplitudes.
const (
	testGas      = 50.0
	testMembrane = 8.0
	testRBC      = 2.0
)

var testDims = models.Dims{X: 8, Y: 8, Z: 8}

// interior reports whether the voxel lies in the 6x6x6 signal region.
func interior(x, y, z int) bool {
	return x >= 1 && x <= 6 && y >= 1 && y <= 6 && z >= 1 && z <= 6
}

func analyticPair(t *testing.T) *models.DixonPair {
	t.Helper()
	gas := models.NewComplexVolume(testDims)
	dissolved := models.NewComplexVolume(testDims)
	base := complex(testMembrane, testRBC)
	i := 0
	for z := 0; z < testDims.Z; z++ {
		for y := 0; y < testDims.Y; y++ {
			for x := 0; x < testDims.X; x++ {
				if interior(x, y, z) {
					b0 := cmplx.Exp(complex(0, 0.2*math.Sin(float64(i))))
					gas.Data[i] = complex(testGas, 0) * b0
					dissolved.Data[i] = base * b0
				}
				i++
			}
		}
	}
	meta := models.ScanMetadata{
		TE90:          0,
		FAGas:         20,
		FADissolved:   20,
		FieldStrength: 3.0,
	}
	pair, err := models.NewDixonPair(gas, dissolved, meta)
	if err != nil {
		t.Fatalf("NewDixonPair: %v", err)
	}
	return pair
}

func interiorMask() *models.LungMask {
	m := models.NewLungMask(testDims, models.MaskSourceCNN)
	i := 0
	for z := 0; z < testDims.Z; z++ {
		for y := 0; y < testDims.Y; y++ {
			for x := 0; x < testDims.X; x++ {
				m.Data[i] = interior(x, y, z)
				i++
			}
		}
	}
	return m
}

type fakeSegmenter struct{}

func (fakeSegmenter) Infer(ctx context.Context, image *models.Volume) (*models.LungMask, error) {
	return interiorMask(), nil
}

type identityRegistrar struct{}

func (identityRegistrar) Register(ctx context.Context, movingPath, fixedPath string) (*registration.Transform, error) {
	return registration.Identity(), nil
}

type failingRegistrar struct{}

func (failingRegistrar) Register(ctx context.Context, movingPath, fixedPath string) (*registration.Transform, error) {
	return nil, &registration.Error{Reason: "registration tool failed: exit status 1"}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SubjectID = "sub01"
	cfg.RBCMRatio = testRBC / testMembrane
	cfg.ToolTimeout = config.Duration(time.Minute)
	return cfg
}

func TestRunSingleScanRecoversAmplitudes(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	payload, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantMembrane := testMembrane / testGas
	wantRBC := testRBC / testGas
	checks := []struct {
		key  string
		want float64
	}{
		{"rbc_m_ratio", testRBC / testMembrane},
		{"membrane_mean", wantMembrane},
		{"rbc_mean", wantRBC},
		{"rbc_m_mean", testRBC / testMembrane},
		{"vent_defect_pct", 0},
		{"mask_voxels", 216},
	}
	for _, c := range checks {
		got, ok := payload.Stats[c.key]
		if !ok {
			t.Fatalf("stats missing key %q", c.key)
		}
		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("%s = %v, want %v", c.key, got, c.want)
		}
	}
	if payload.CalibrationCaveat {
		t.Error("configured ratio must not carry a calibration caveat")
	}

	outDir := OutputDir(cfg)
	for _, name := range []string{"gas.vol", "membrane.vol", "rbc.vol", "mask.vol", "stats.yaml"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}
	if _, err := os.Stat(SnapshotPath(cfg)); err != nil {
		t.Errorf("missing snapshot: %v", err)
	}
}

func TestReprocessMatchesFullRun(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	full, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	resumed, err := New(cfg, fakeSegmenter{}, nil, nil, nil).Reprocess(context.Background(), SnapshotPath(cfg))
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	for key, want := range full.Stats {
		got, ok := resumed.Stats[key]
		if !ok {
			t.Fatalf("resumed stats missing key %q", key)
		}
		if got != want {
			t.Errorf("%s: resumed %v != full %v", key, got, want)
		}
	}
}

func TestReprocessFromDecomposedArtifact(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	full, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Rewind the persisted artifact to the Decomposed boundary so the
	// resume replays every downstream stage from the stored raw maps.
	run, err := LoadSnapshot(SnapshotPath(cfg), cfg)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	run.State = StateDecomposed
	if err := SaveSnapshot(SnapshotPath(cfg), run); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	resumed, err := New(cfg, fakeSegmenter{}, nil, nil, nil).Reprocess(context.Background(), SnapshotPath(cfg))
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	for key, want := range full.Stats {
		if got := resumed.Stats[key]; math.Abs(got-want) > 1e-12 {
			t.Errorf("%s: resumed %v != full %v", key, got, want)
		}
	}
}

func TestReprocessForceCalibration(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	full, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg.ForceCalibration = true
	resumed, err := New(cfg, fakeSegmenter{}, nil, nil, nil).Reprocess(context.Background(), SnapshotPath(cfg))
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	for key, want := range full.Stats {
		if got := resumed.Stats[key]; math.Abs(got-want) > 1e-12 {
			t.Errorf("%s: recomputed %v != full %v", key, got, want)
		}
	}
}

func TestRunDualScan(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, identityRegistrar{}, nil, nil)

	payload, err := orch.Run(context.Background(), &RunInput{
		Pairs: []*models.DixonPair{analyticPair(t), analyticPair(t)},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if payload.Mask.Source != models.MaskSourceMerged {
		t.Errorf("mask source = %s, want %s", payload.Mask.Source, models.MaskSourceMerged)
	}
	// Two identical acquisitions aligned by the identity transform must
	// quantify the same as a single acquisition.
	if got := payload.Stats["membrane_mean"]; math.Abs(got-testMembrane/testGas) > 1e-6 {
		t.Errorf("membrane_mean = %v, want %v", got, testMembrane/testGas)
	}
	if got := payload.Stats["mask_voxels"]; got != 216 {
		t.Errorf("mask_voxels = %v, want 216", got)
	}
}

func TestRunFailedRegistration(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, failingRegistrar{}, nil, nil)

	_, err := orch.Run(context.Background(), &RunInput{
		Pairs: []*models.DixonPair{analyticPair(t), analyticPair(t)},
	})
	var sf *StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v, want *StageFailure", err)
	}
	if sf.Stage != StateRegistered {
		t.Errorf("failed stage = %s, want %s", sf.Stage, StateRegistered)
	}

	// A failed run must not leave a finalized report directory behind.
	if _, statErr := os.Stat(OutputDir(cfg)); !os.IsNotExist(statErr) {
		t.Errorf("output directory exists after a failed run: %v", statErr)
	}
}

func TestRunDualScanWithoutRegistrar(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	// A dual-scan run reaches the registration stage, so a missing
	// registration capability must fail that stage rather than crash.
	_, err := orch.Run(context.Background(), &RunInput{
		Pairs: []*models.DixonPair{analyticPair(t), analyticPair(t)},
	})
	var sf *StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v, want *StageFailure", err)
	}
	if sf.Stage != StateRegistered {
		t.Errorf("failed stage = %s, want %s", sf.Stage, StateRegistered)
	}
	var regErr *registration.Error
	if !errors.As(err, &regErr) {
		t.Errorf("cause = %v, want *registration.Error", sf.Err)
	}
	if _, statErr := os.Stat(OutputDir(cfg)); !os.IsNotExist(statErr) {
		t.Errorf("output directory exists after a failed run: %v", statErr)
	}
}

func TestRunManualMaskMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentationKey = "manual_vent"
	cfg.ManualSegFilepath = filepath.Join(cfg.DataDir, "mask.vol")

	// A mask on the wrong grid must abort at the segmentation stage.
	wrong := models.NewLungMask(models.Dims{X: 4, Y: 4, Z: 4}, models.MaskSourceManual)
	wrong.Data[0] = true
	if err := volfile.WriteMask(cfg.ManualSegFilepath, wrong); err != nil {
		t.Fatalf("WriteMask: %v", err)
	}

	orch := New(cfg, nil, nil, nil, nil)
	_, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	var sf *StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v, want *StageFailure", err)
	}
	if sf.Stage != StateSegmented {
		t.Errorf("failed stage = %s, want %s", sf.Stage, StateSegmented)
	}
	var segErr *segmentation.Error
	if !errors.As(err, &segErr) {
		t.Errorf("cause = %v, want *segmentation.Error", sf.Err)
	}
}

func TestRunManualMask(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentationKey = "manual_vent"
	cfg.ManualSegFilepath = filepath.Join(cfg.DataDir, "mask.vol")
	if err := volfile.WriteMask(cfg.ManualSegFilepath, interiorMask()); err != nil {
		t.Fatalf("WriteMask: %v", err)
	}

	orch := New(cfg, nil, nil, nil, nil)
	payload, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := payload.Stats["mask_voxels"]; got != 216 {
		t.Errorf("mask_voxels = %v, want 216", got)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	t.Run("no acquisitions", func(t *testing.T) {
		_, err := orch.Run(context.Background(), &RunInput{})
		var sf *StageFailure
		if !errors.As(err, &sf) || sf.Stage != StateLoaded {
			t.Fatalf("error = %v, want failure at %s", err, StateLoaded)
		}
	})

	t.Run("three acquisitions", func(t *testing.T) {
		_, err := orch.Run(context.Background(), &RunInput{
			Pairs: []*models.DixonPair{analyticPair(t), analyticPair(t), analyticPair(t)},
		})
		var sf *StageFailure
		if !errors.As(err, &sf) || sf.Stage != StateLoaded {
			t.Fatalf("error = %v, want failure at %s", err, StateLoaded)
		}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	run := &SubjectRun{
		ID:     "run-1",
		Config: cfg,
		Pairs:  []*models.DixonPair{analyticPair(t)},
		State:  StateDecomposed,
	}
	run.Calibration.RBCMRatio = 0.25
	run.Calibration.DissolvedPhase = 0.1

	path := filepath.Join(t.TempDir(), "run.snapshot")
	if err := SaveSnapshot(path, run); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := LoadSnapshot(path, cfg)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.ID != run.ID || got.State != run.State {
		t.Errorf("got id=%s state=%s, want id=%s state=%s", got.ID, got.State, run.ID, run.State)
	}
	if got.Calibration != run.Calibration {
		t.Errorf("calibration %+v != %+v", got.Calibration, run.Calibration)
	}
	if len(got.Pairs) != 1 || !got.Pairs[0].Gas.Dims.Equal(testDims) {
		t.Error("pairs were not restored")
	}
	for i, d := range got.Pairs[0].Dissolved.Data {
		if d != run.Pairs[0].Dissolved.Data[i] {
			t.Fatalf("dissolved voxel %d changed in round trip", i)
		}
	}
}

func TestLoadSnapshotRejectsEarlyState(t *testing.T) {
	cfg := testConfig(t)
	run := &SubjectRun{
		ID:     "run-2",
		Config: cfg,
		Pairs:  []*models.DixonPair{analyticPair(t)},
		State:  StateReconstructed,
	}
	path := filepath.Join(t.TempDir(), "run.snapshot")
	if err := SaveSnapshot(path, run); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := LoadSnapshot(path, cfg); err == nil {
		t.Fatal("expected an error for a pre-Decomposed snapshot")
	}
}

func TestRunInputRoundTrip(t *testing.T) {
	input := &RunInput{
		Pairs: []*models.DixonPair{analyticPair(t)},
		CalScan: &models.Acquisition{
			Image: models.NewComplexVolume(models.Dims{X: 2, Y: 2, Z: 2}),
			Role:  models.RoleCalibration,
		},
	}
	input.CalScan.Image.Data[0] = complex(3, 1)

	path := filepath.Join(t.TempDir(), "input.gxb")
	if err := SaveRunInput(path, input); err != nil {
		t.Fatalf("SaveRunInput: %v", err)
	}
	got, err := LoadRunInput(path)
	if err != nil {
		t.Fatalf("LoadRunInput: %v", err)
	}
	if len(got.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(got.Pairs))
	}
	if got.CalScan == nil || got.CalScan.Image.Data[0] != complex(3, 1) {
		t.Error("calibration scan was not restored")
	}
	if got.CalScan.Role != models.RoleCalibration {
		t.Errorf("role = %s, want %s", got.CalScan.Role, models.RoleCalibration)
	}
}

// recordingSegmenter captures the anatomical image handed to inference.
type recordingSegmenter struct {
	gotImage *models.Volume
}

func (s *recordingSegmenter) Infer(ctx context.Context, image *models.Volume) (*models.LungMask, error) {
	s.gotImage = image
	return interiorMask(), nil
}

func protonScan(dims models.Dims) *models.Acquisition {
	img := models.NewComplexVolume(dims)
	for i := range img.Data {
		img.Data[i] = complex(7, 0)
	}
	return &models.Acquisition{Image: img, Role: models.RoleProtonUTE}
}

func TestRunSegmentsOnProtonScan(t *testing.T) {
	cfg := testConfig(t)
	seg := &recordingSegmenter{}
	orch := New(cfg, seg, nil, nil, nil)

	_, err := orch.Run(context.Background(), &RunInput{
		Pairs:  []*models.DixonPair{analyticPair(t)},
		Proton: protonScan(testDims),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seg.gotImage == nil {
		t.Fatal("segmenter was never invoked")
	}
	// The proton magnitude is 7 everywhere; the gas magnitude is 0 in the
	// background, so the corner voxel identifies the image segmented.
	if got := seg.gotImage.Data[0]; got != 7 {
		t.Errorf("segmented image corner voxel = %v, want proton magnitude 7", got)
	}
}

func TestRunProtonGridMismatch(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	_, err := orch.Run(context.Background(), &RunInput{
		Pairs:  []*models.DixonPair{analyticPair(t)},
		Proton: protonScan(models.Dims{X: 4, Y: 4, Z: 4}),
	})
	var sf *StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v, want *StageFailure", err)
	}
	if sf.Stage != StateSegmented {
		t.Errorf("failed stage = %s, want %s", sf.Stage, StateSegmented)
	}
	var segErr *segmentation.Error
	if !errors.As(err, &segErr) {
		t.Errorf("cause = %v, want *segmentation.Error", sf.Err)
	}
}

// dimmingCorrector zeroes the first voxels of the masked ventilation image so
// the test can observe the corrected volume driving the binning.
type dimmingCorrector struct {
	voxels     int
	maskVoxels int
}

func (c *dimmingCorrector) Correct(ctx context.Context, image *models.Volume, mask *models.LungMask) (*models.Volume, error) {
	c.maskVoxels = mask.VoxelCount()
	out := models.NewVolume(image.Dims)
	copy(out.Data, image.Data)
	left := c.voxels
	for i := range out.Data {
		if left == 0 {
			break
		}
		if mask.Data[i] {
			out.Data[i] = 0
			left--
		}
	}
	return out, nil
}

func TestRunBiasCorrection(t *testing.T) {
	cfg := testConfig(t)
	cfg.BiasKey = "n4itk"
	bias := &dimmingCorrector{voxels: 27}
	orch := New(cfg, fakeSegmenter{}, nil, bias, nil)

	payload, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bias.maskVoxels != 216 {
		t.Errorf("corrector saw %d mask voxels, want 216", bias.maskVoxels)
	}
	// 27 of 216 masked voxels were zeroed by the corrector, so they must
	// land in the defect bin of the ventilation histogram.
	want := 100 * 27.0 / 216.0
	if got := payload.Stats["vent_defect_pct"]; math.Abs(got-want) > 1e-9 {
		t.Errorf("vent_defect_pct = %v, want %v", got, want)
	}
}

func TestRunBiasCorrectionWithoutCorrector(t *testing.T) {
	cfg := testConfig(t)
	cfg.BiasKey = "n4itk"
	orch := New(cfg, fakeSegmenter{}, nil, nil, nil)

	_, err := orch.Run(context.Background(), &RunInput{Pairs: []*models.DixonPair{analyticPair(t)}})
	var sf *StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("error = %v, want *StageFailure", err)
	}
	if sf.Stage != StateQuantified {
		t.Errorf("failed stage = %s, want %s", sf.Stage, StateQuantified)
	}
	var biasErr *biasfield.Error
	if !errors.As(err, &biasErr) {
		t.Errorf("cause = %v, want *biasfield.Error", sf.Err)
	}
}

func TestStageOrder(t *testing.T) {
	single := stageOrder(false)
	for _, s := range single {
		if s == StateRegistered {
			t.Error("single-scan order must not contain the registration stage")
		}
	}
	dual := stageOrder(true)
	found := false
	for i, s := range dual {
		if s == StateRegistered {
			found = true
			if dual[i-1] != StateSegmented || dual[i+1] != StateQuantified {
				t.Error("registration must run between segmentation and quantification")
			}
		}
	}
	if !found {
		t.Error("dual-scan order must contain the registration stage")
	}

	if next := nextState(StateSegmented, false); next != StateQuantified {
		t.Errorf("nextState(Segmented, single) = %s, want %s", next, StateQuantified)
	}
	if next := nextState(StateSegmented, true); next != StateRegistered {
		t.Errorf("nextState(Segmented, dual) = %s, want %s", next, StateRegistered)
	}
}
