package pipeline

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/config"
)

// inputRecord is the on-disk form of the reconstructed input bundle the
// external reconstruction collaborator produces for a subject.
type inputRecord struct {
	Pairs   []pairRecord
	CalScan *acquisitionRecord
	Proton  *acquisitionRecord
}

// InputBundlePath returns where a subject's reconstructed input bundle is
// expected.
func InputBundlePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, cfg.SubjectID+"_recon.gxb")
}

// SaveRunInput writes a reconstructed input bundle, used by the
// reconstruction collaborator and by tests to stage pipeline inputs.
func SaveRunInput(path string, input *RunInput) error {
	var rec inputRecord
	for _, p := range input.Pairs {
		rec.Pairs = append(rec.Pairs, pairRecord{
			Gas:       packComplex(p.Gas),
			Dissolved: packComplex(p.Dissolved),
			Meta:      p.Meta,
		})
	}
	if input.CalScan != nil {
		rec.CalScan = &acquisitionRecord{
			Image: packComplex(input.CalScan.Image),
			Meta:  input.CalScan.Meta,
			Role:  string(input.CalScan.Role),
		}
	}
	if input.Proton != nil {
		rec.Proton = &acquisitionRecord{
			Image: packComplex(input.Proton.Image),
			Meta:  input.Proton.Meta,
			Role:  string(input.Proton.Role),
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create input bundle: %w", err)
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(&rec); err != nil {
		return fmt.Errorf("failed to encode input bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// LoadRunInput reads a reconstructed input bundle.
func LoadRunInput(path string) (*RunInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input bundle: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("input bundle is not gzip data: %w", err)
	}
	defer zr.Close()

	var rec inputRecord
	if err := gob.NewDecoder(zr).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode input bundle: %w", err)
	}

	input := &RunInput{}
	for _, p := range rec.Pairs {
		pair, err := models.NewDixonPair(unpackComplex(p.Gas), unpackComplex(p.Dissolved), p.Meta)
		if err != nil {
			return nil, fmt.Errorf("corrupt input bundle: %w", err)
		}
		input.Pairs = append(input.Pairs, pair)
	}
	if rec.CalScan != nil {
		input.CalScan = &models.Acquisition{
			Image: unpackComplex(rec.CalScan.Image),
			Meta:  rec.CalScan.Meta,
			Role:  models.Role(rec.CalScan.Role),
		}
	}
	if rec.Proton != nil {
		input.Proton = &models.Acquisition{
			Image: unpackComplex(rec.Proton.Image),
			Meta:  rec.Proton.Meta,
			Role:  models.Role(rec.Proton.Role),
		}
	}
	return input, nil
}
