// Package registration wraps the external image registration tool as an
// injectable capability. The tool maps a moving image onto a fixed image and
// writes a spatial transform to disk; this package invokes it, parses the
// transform, and applies it to downstream masks. Failures are surfaced
// immediately and never retried.
package registration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"gxpipeline/internal/models"
)

// Error is returned on an external tool failure, malformed output, or
// timeout.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("registration: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Transform is the affine spatial mapping produced by the registration tool,
// stored as a 4x4 row-major matrix in voxel coordinates.
type Transform struct {
	Matrix [16]float64
}

// Registrar is the registration capability: it aligns the moving image file
// to the fixed image file and returns the resulting transform.
// Implementations must honor the context deadline.
type Registrar interface {
	Register(ctx context.Context, movingPath, fixedPath string) (*Transform, error)
}

// ToolRegistrar shells out to the external registration binary:
//
//	<bin> -m <moving> -f <fixed> -o <transform file>
//
// A non-zero exit or a missing/malformed transform file is an Error.
type ToolRegistrar struct {
	// BinPath is the path to the registration executable.
	BinPath string

	// WorkDir is where the transform file is written.
	WorkDir string
}

// Register implements Registrar.
func (r *ToolRegistrar) Register(ctx context.Context, movingPath, fixedPath string) (*Transform, error) {
	outPath := filepath.Join(r.WorkDir, "transform.txt")

	cmd := exec.CommandContext(ctx, r.BinPath, "-m", movingPath, "-f", fixedPath, "-o", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Reason: "registration timed out", Err: ctx.Err()}
		}
		return nil, &Error{
			Reason: fmt.Sprintf("registration tool failed: %s", out),
			Err:    err,
		}
	}

	t, err := LoadTransform(outPath)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTransform parses a transform file: 16 whitespace-separated floats
// forming a row-major 4x4 affine.
func LoadTransform(path string) (*Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: "transform file missing", Err: err}
	}
	fields := strings.Fields(string(data))
	if len(fields) != 16 {
		return nil, &Error{Reason: fmt.Sprintf("transform file has %d values, want 16", len(fields))}
	}
	var t Transform
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, &Error{Reason: "malformed transform value " + f, Err: err}
		}
		t.Matrix[i] = v
	}
	return &t, nil
}

// Identity returns the identity transform.
func Identity() *Transform {
	return &Transform{Matrix: [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}}
}

// ApplyToMask resamples a mask through the transform with nearest-neighbor
// interpolation. Each output voxel is mapped back through the inverse affine
// to find its source voxel; out-of-grid lookups are false.
func (t *Transform) ApplyToMask(mask *models.LungMask) (*models.LungMask, error) {
	m := mat.NewDense(4, 4, t.Matrix[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, &Error{Reason: "transform is singular", Err: err}
	}

	out := models.NewLungMask(mask.Dims, mask.Source)
	for z := 0; z < mask.Dims.Z; z++ {
		for y := 0; y < mask.Dims.Y; y++ {
			for x := 0; x < mask.Dims.X; x++ {
				sx := inv.At(0, 0)*float64(x) + inv.At(0, 1)*float64(y) + inv.At(0, 2)*float64(z) + inv.At(0, 3)
				sy := inv.At(1, 0)*float64(x) + inv.At(1, 1)*float64(y) + inv.At(1, 2)*float64(z) + inv.At(1, 3)
				sz := inv.At(2, 0)*float64(x) + inv.At(2, 1)*float64(y) + inv.At(2, 2)*float64(z) + inv.At(2, 3)

				ix, iy, iz := nearest(sx), nearest(sy), nearest(sz)
				if ix < 0 || iy < 0 || iz < 0 ||
					ix >= mask.Dims.X || iy >= mask.Dims.Y || iz >= mask.Dims.Z {
					continue
				}
				out.Set(x, y, z, mask.At(ix, iy, iz))
			}
		}
	}
	return out, nil
}

// ApplyToVolume resamples a real volume through the transform with
// nearest-neighbor interpolation, mirroring ApplyToMask.
func (t *Transform) ApplyToVolume(v *models.Volume) (*models.Volume, error) {
	m := mat.NewDense(4, 4, t.Matrix[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, &Error{Reason: "transform is singular", Err: err}
	}

	out := models.NewVolume(v.Dims)
	out.VoxelSize = v.VoxelSize
	for z := 0; z < v.Dims.Z; z++ {
		for y := 0; y < v.Dims.Y; y++ {
			for x := 0; x < v.Dims.X; x++ {
				sx := inv.At(0, 0)*float64(x) + inv.At(0, 1)*float64(y) + inv.At(0, 2)*float64(z) + inv.At(0, 3)
				sy := inv.At(1, 0)*float64(x) + inv.At(1, 1)*float64(y) + inv.At(1, 2)*float64(z) + inv.At(1, 3)
				sz := inv.At(2, 0)*float64(x) + inv.At(2, 1)*float64(y) + inv.At(2, 2)*float64(z) + inv.At(2, 3)

				ix, iy, iz := nearest(sx), nearest(sy), nearest(sz)
				if ix < 0 || iy < 0 || iz < 0 ||
					ix >= v.Dims.X || iy >= v.Dims.Y || iz >= v.Dims.Z {
					continue
				}
				out.Set(x, y, z, v.At(ix, iy, iz))
			}
		}
	}
	return out, nil
}

func nearest(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}
