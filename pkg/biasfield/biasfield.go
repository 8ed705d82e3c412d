// Package biasfield removes the low-frequency receive-coil intensity bias
// from the ventilation image before binning. The N4ITK algorithm runs as an
// external tool, modeled as an injectable capability like segmentation and
// registration.
package biasfield

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/volfile"
)

// Key selects the bias-field handling.
type Key string

const (
	// KeySkip leaves the ventilation image uncorrected.
	KeySkip Key = "skip"

	// KeyN4ITK corrects the ventilation image with the external N4ITK
	// tool.
	KeyN4ITK Key = "n4itk"
)

// Error is returned on a tool failure, malformed output, or timeout.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bias correction: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("bias correction: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Corrector is the bias-correction capability: given the ventilation image
// and the lung mask, it returns the corrected image on the same grid.
// Implementations must honor the context deadline.
type Corrector interface {
	Correct(ctx context.Context, image *models.Volume, mask *models.LungMask) (*models.Volume, error)
}

// CommandCorrector shells out to the external N4ITK binary:
//
//	<bin> -i <image> -m <mask> -o <corrected image>
//
// and must exit zero after writing the corrected volume file.
type CommandCorrector struct {
	// BinPath is the path to the bias-correction executable.
	BinPath string

	// WorkDir is where input and output files are exchanged.
	WorkDir string
}

// Correct implements Corrector.
func (c *CommandCorrector) Correct(ctx context.Context, image *models.Volume, mask *models.LungMask) (*models.Volume, error) {
	inPath := filepath.Join(c.WorkDir, "bias_input.vol")
	maskPath := filepath.Join(c.WorkDir, "bias_mask.vol")
	outPath := filepath.Join(c.WorkDir, "bias_corrected.vol")

	if err := volfile.WriteVolume(inPath, image); err != nil {
		return nil, &Error{Reason: "failed to stage input image", Err: err}
	}
	if err := volfile.WriteMask(maskPath, mask); err != nil {
		return nil, &Error{Reason: "failed to stage mask", Err: err}
	}

	cmd := exec.CommandContext(ctx, c.BinPath, "-i", inPath, "-m", maskPath, "-o", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Reason: "bias correction timed out", Err: ctx.Err()}
		}
		return nil, &Error{
			Reason: fmt.Sprintf("bias correction tool failed: %s", out),
			Err:    err,
		}
	}

	corrected, err := volfile.ReadVolume(outPath)
	if err != nil {
		return nil, &Error{Reason: "failed to read corrected image", Err: err}
	}
	if !corrected.Dims.Equal(image.Dims) {
		return nil, &Error{Reason: fmt.Sprintf("corrected image grid %s does not match input grid %s",
			corrected.Dims, image.Dims)}
	}
	return corrected, nil
}
