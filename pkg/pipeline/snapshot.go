package pipeline

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/biomarkers"
	"gxpipeline/pkg/calibration"
	"gxpipeline/pkg/config"
)

// The snapshot is the persisted intermediate artifact: acquisitions,
// calibration result and decomposed maps, sufficient to resume at Decomposed
// or later without re-running reconstruction. Complex volumes are stored as
// separate real and imaginary planes because gob has no complex encoding.

type complexVolumeRecord struct {
	Re, Im  []float64
	X, Y, Z int
}

type volumeRecord struct {
	Data    []float64
	X, Y, Z int
}

type maskRecord struct {
	Data    []bool
	X, Y, Z int
	Source  string
}

type pairRecord struct {
	Gas, Dissolved complexVolumeRecord
	Meta           models.ScanMetadata
}

type acquisitionRecord struct {
	Image complexVolumeRecord
	Meta  models.ScanMetadata
	Role  string
}

type mapsRecord struct {
	Gas, Membrane, RBC volumeRecord
}

type snapshotRecord struct {
	RunID       string
	State       string
	Pairs       []pairRecord
	CalScan     *acquisitionRecord
	Proton      *acquisitionRecord
	Calibration calibration.Result
	RawMaps     []mapsRecord
	Corrected   []mapsRecord
	Maps        *mapsRecord
	Masks       []maskRecord
	Mask        *maskRecord
	Biomarkers  *biomarkers.Summary
}

// SaveSnapshot persists the run to path. The file is written whole and then
// renamed into place so readers never observe a torn snapshot.
func SaveSnapshot(path string, run *SubjectRun) error {
	rec := snapshotRecord{
		RunID:       run.ID,
		State:       string(run.State),
		Calibration: run.Calibration,
	}
	for _, p := range run.Pairs {
		rec.Pairs = append(rec.Pairs, pairRecord{
			Gas:       packComplex(p.Gas),
			Dissolved: packComplex(p.Dissolved),
			Meta:      p.Meta,
		})
	}
	if run.CalScan != nil {
		rec.CalScan = &acquisitionRecord{
			Image: packComplex(run.CalScan.Image),
			Meta:  run.CalScan.Meta,
			Role:  string(run.CalScan.Role),
		}
	}
	if run.Proton != nil {
		rec.Proton = &acquisitionRecord{
			Image: packComplex(run.Proton.Image),
			Meta:  run.Proton.Meta,
			Role:  string(run.Proton.Role),
		}
	}
	for _, m := range run.RawMaps {
		rec.RawMaps = append(rec.RawMaps, packMaps(m))
	}
	for _, m := range run.Corrected {
		rec.Corrected = append(rec.Corrected, packMaps(m))
	}
	if run.Maps != nil {
		m := packMaps(run.Maps)
		rec.Maps = &m
	}
	for _, m := range run.Masks {
		rec.Masks = append(rec.Masks, packMask(m))
	}
	if run.Mask != nil {
		m := packMask(run.Mask)
		rec.Mask = &m
	}
	rec.Biomarkers = run.Biomarkers

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(&rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores a run from the persisted intermediate artifact.
func LoadSnapshot(path string, cfg *config.Config) (*SubjectRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot is not gzip data: %w", err)
	}
	defer zr.Close()

	var rec snapshotRecord
	if err := gob.NewDecoder(zr).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	run := &SubjectRun{
		ID:          rec.RunID,
		Config:      cfg,
		Calibration: rec.Calibration,
		State:       State(rec.State),
	}
	for _, p := range rec.Pairs {
		pair, err := models.NewDixonPair(unpackComplex(p.Gas), unpackComplex(p.Dissolved), p.Meta)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot pair: %w", err)
		}
		run.Pairs = append(run.Pairs, pair)
	}
	if rec.CalScan != nil {
		run.CalScan = &models.Acquisition{
			Image: unpackComplex(rec.CalScan.Image),
			Meta:  rec.CalScan.Meta,
			Role:  models.Role(rec.CalScan.Role),
		}
	}
	if rec.Proton != nil {
		run.Proton = &models.Acquisition{
			Image: unpackComplex(rec.Proton.Image),
			Meta:  rec.Proton.Meta,
			Role:  models.Role(rec.Proton.Role),
		}
	}
	for _, m := range rec.RawMaps {
		run.RawMaps = append(run.RawMaps, unpackMaps(m))
	}
	for _, m := range rec.Corrected {
		run.Corrected = append(run.Corrected, unpackMaps(m))
	}
	if rec.Maps != nil {
		run.Maps = unpackMaps(*rec.Maps)
	}
	for _, m := range rec.Masks {
		run.Masks = append(run.Masks, unpackMask(m))
	}
	if rec.Mask != nil {
		run.Mask = unpackMask(*rec.Mask)
	}
	run.Biomarkers = rec.Biomarkers

	if !stageAtLeast(run.State, StateDecomposed) {
		return nil, fmt.Errorf("snapshot state %s predates Decomposed, reprocessing requires a full run", run.State)
	}
	return run, nil
}

func packComplex(v *models.ComplexVolume) complexVolumeRecord {
	rec := complexVolumeRecord{
		Re: make([]float64, len(v.Data)),
		Im: make([]float64, len(v.Data)),
		X:  v.Dims.X, Y: v.Dims.Y, Z: v.Dims.Z,
	}
	for i, c := range v.Data {
		rec.Re[i] = real(c)
		rec.Im[i] = imag(c)
	}
	return rec
}

func unpackComplex(rec complexVolumeRecord) *models.ComplexVolume {
	v := models.NewComplexVolume(models.Dims{X: rec.X, Y: rec.Y, Z: rec.Z})
	for i := range rec.Re {
		v.Data[i] = complex(rec.Re[i], rec.Im[i])
	}
	return v
}

func packVolume(v *models.Volume) volumeRecord {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return volumeRecord{Data: data, X: v.Dims.X, Y: v.Dims.Y, Z: v.Dims.Z}
}

func unpackVolume(rec volumeRecord) *models.Volume {
	v := models.NewVolume(models.Dims{X: rec.X, Y: rec.Y, Z: rec.Z})
	copy(v.Data, rec.Data)
	return v
}

func packMaps(m *models.CompartmentMaps) mapsRecord {
	return mapsRecord{
		Gas:      packVolume(m.Gas),
		Membrane: packVolume(m.Membrane),
		RBC:      packVolume(m.RBC),
	}
}

func unpackMaps(rec mapsRecord) *models.CompartmentMaps {
	return &models.CompartmentMaps{
		Gas:      unpackVolume(rec.Gas),
		Membrane: unpackVolume(rec.Membrane),
		RBC:      unpackVolume(rec.RBC),
	}
}

func packMask(m *models.LungMask) maskRecord {
	data := make([]bool, len(m.Data))
	copy(data, m.Data)
	return maskRecord{Data: data, X: m.Dims.X, Y: m.Dims.Y, Z: m.Dims.Z, Source: string(m.Source)}
}

func unpackMask(rec maskRecord) *models.LungMask {
	m := models.NewLungMask(models.Dims{X: rec.X, Y: rec.Y, Z: rec.Z}, models.MaskSource(rec.Source))
	copy(m.Data, rec.Data)
	return m
}
