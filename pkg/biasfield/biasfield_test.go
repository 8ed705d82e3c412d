package biasfield

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"gxpipeline/internal/models"
	"gxpipeline/pkg/volfile"
)

// fakeTool writes a shell script standing in for the external binary. The
// script sees the adapter's arguments: -i <image> -m <mask> -o <corrected>.
func fakeTool(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(dir, "n4itk.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write tool script: %v", err)
	}
	return path
}

func testImage(dims models.Dims, fill float64) *models.Volume {
	v := models.NewVolume(dims)
	for i := range v.Data {
		v.Data[i] = fill
	}
	return v
}

func TestCommandCorrector(t *testing.T) {
	dims := models.Dims{X: 2, Y: 2, Z: 2}
	image := testImage(dims, 5)
	mask := models.NewLungMask(dims, models.MaskSourceCNN)
	for i := range mask.Data {
		mask.Data[i] = true
	}

	t.Run("valid output", func(t *testing.T) {
		dir := t.TempDir()
		prepared := filepath.Join(dir, "prepared.vol")
		if err := volfile.WriteVolume(prepared, testImage(dims, 3)); err != nil {
			t.Fatalf("WriteVolume: %v", err)
		}
		c := &CommandCorrector{
			BinPath: fakeTool(t, dir, fmt.Sprintf("cp %s \"$6\"", prepared)),
			WorkDir: dir,
		}

		got, err := c.Correct(context.Background(), image, mask)
		if err != nil {
			t.Fatalf("Correct: %v", err)
		}
		if !got.Dims.Equal(dims) {
			t.Fatalf("corrected dims = %s, want %s", got.Dims, dims)
		}
		for i, v := range got.Data {
			if v != 3 {
				t.Fatalf("corrected voxel %d = %v, want 3", i, v)
			}
		}
		// The adapter must have staged both inputs for the tool.
		for _, name := range []string{"bias_input.vol", "bias_mask.vol"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				t.Errorf("staged file %s missing: %v", name, err)
			}
		}
	})

	t.Run("tool exits non-zero", func(t *testing.T) {
		dir := t.TempDir()
		c := &CommandCorrector{
			BinPath: fakeTool(t, dir, "echo image unreadable >&2\nexit 3"),
			WorkDir: dir,
		}

		_, err := c.Correct(context.Background(), image, mask)
		var berr *Error
		if !errors.As(err, &berr) {
			t.Fatalf("error = %v, want *Error", err)
		}
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		dir := t.TempDir()
		c := &CommandCorrector{
			BinPath: fakeTool(t, dir, "exec sleep 2"),
			WorkDir: dir,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Correct(ctx, image, mask)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("error = %v, want deadline exceeded", err)
		}
		var berr *Error
		if !errors.As(err, &berr) {
			t.Fatalf("error = %v, want *Error", err)
		}
	})

	t.Run("output on wrong grid", func(t *testing.T) {
		dir := t.TempDir()
		prepared := filepath.Join(dir, "prepared.vol")
		wrong := testImage(models.Dims{X: 4, Y: 4, Z: 4}, 3)
		if err := volfile.WriteVolume(prepared, wrong); err != nil {
			t.Fatalf("WriteVolume: %v", err)
		}
		c := &CommandCorrector{
			BinPath: fakeTool(t, dir, fmt.Sprintf("cp %s \"$6\"", prepared)),
			WorkDir: dir,
		}

		_, err := c.Correct(context.Background(), image, mask)
		var berr *Error
		if !errors.As(err, &berr) {
			t.Fatalf("error = %v, want *Error", err)
		}
	})
}
