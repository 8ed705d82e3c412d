// Package volfile reads and writes the flat binary volume format used to
// hand images to external tools (registration, CNN inference) and to persist
// masks. The format is a short magic header, the grid dimensions as
// little-endian int32, then the voxel data in row-major order.
package volfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gxpipeline/internal/models"
)

const (
	volumeMagic = "GXVOL1"
	maskMagic   = "GXMSK1"
)

// WriteVolume writes a real-valued volume to path.
func WriteVolume(path string, v *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(volumeMagic)); err != nil {
		return err
	}
	if err := writeDims(f, v.Dims); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return f.Close()
}

// ReadVolume reads a real-valued volume from path.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	dims, err := readHeader(f, volumeMagic)
	if err != nil {
		return nil, err
	}
	v := models.NewVolume(dims)
	if err := binary.Read(f, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return v, nil
}

// WriteMask writes a lung mask to path. Voxels are stored as single bytes.
func WriteMask(path string, m *models.LungMask) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mask file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(maskMagic)); err != nil {
		return err
	}
	if err := writeDims(f, m.Dims); err != nil {
		return err
	}
	buf := make([]byte, len(m.Data))
	for i, v := range m.Data {
		if v {
			buf[i] = 1
		}
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write mask data: %w", err)
	}
	return f.Close()
}

// ReadMask reads a lung mask from path. Any non-zero byte marks a voxel
// inside the mask.
func ReadMask(path string) (*models.LungMask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask file: %w", err)
	}
	defer f.Close()

	dims, err := readHeader(f, maskMagic)
	if err != nil {
		return nil, err
	}
	m := models.NewLungMask(dims, models.MaskSourceManual)
	buf := make([]byte, dims.Count())
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("failed to read mask data: %w", err)
	}
	for i, b := range buf {
		m.Data[i] = b != 0
	}
	return m, nil
}

func writeDims(f *os.File, d models.Dims) error {
	for _, n := range []int32{int32(d.X), int32(d.Y), int32(d.Z)} {
		if err := binary.Write(f, binary.LittleEndian, n); err != nil {
			return fmt.Errorf("failed to write dimensions: %w", err)
		}
	}
	return nil
}

func readHeader(f *os.File, magic string) (models.Dims, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return models.Dims{}, fmt.Errorf("failed to read header: %w", err)
	}
	if string(head) != magic {
		return models.Dims{}, fmt.Errorf("bad magic %q, want %q", head, magic)
	}
	var xyz [3]int32
	for i := range xyz {
		if err := binary.Read(f, binary.LittleEndian, &xyz[i]); err != nil {
			return models.Dims{}, fmt.Errorf("failed to read dimensions: %w", err)
		}
		if xyz[i] <= 0 {
			return models.Dims{}, fmt.Errorf("invalid dimension %d", xyz[i])
		}
	}
	return models.Dims{X: int(xyz[0]), Y: int(xyz[1]), Z: int(xyz[2])}, nil
}
