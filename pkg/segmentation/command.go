package segmentation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/volfile"
)

// CommandSegmenter runs the CNN inference model as an external command. The
// anatomical image is handed over as a volume file and the mask is read back
// from the tool's output file.
type CommandSegmenter struct {
	// BinPath is the path to the inference executable.
	BinPath string

	// WorkDir is where input and output files are exchanged.
	WorkDir string
}

// Infer implements Segmenter. The tool is invoked as:
//
//	<bin> -i <image file> -o <mask file>
//
// and must exit zero after writing the mask file. The caller's context
// bounds the inference; a deadline is surfaced as a segmentation error.
func (s *CommandSegmenter) Infer(ctx context.Context, image *models.Volume) (*models.LungMask, error) {
	inPath := filepath.Join(s.WorkDir, "segment_input.vol")
	outPath := filepath.Join(s.WorkDir, "segment_mask.vol")

	if err := volfile.WriteVolume(inPath, image); err != nil {
		return nil, &Error{Reason: "failed to stage inference input", Err: err}
	}

	cmd := exec.CommandContext(ctx, s.BinPath, "-i", inPath, "-o", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Reason: "cnn inference timed out", Err: ctx.Err()}
		}
		return nil, &Error{
			Reason: fmt.Sprintf("inference tool failed: %s", out),
			Err:    err,
		}
	}

	mask, err := volfile.ReadMask(outPath)
	if err != nil {
		return nil, &Error{Reason: "failed to read inference output", Err: err}
	}
	mask.Source = models.MaskSourceCNN
	return mask, nil
}
