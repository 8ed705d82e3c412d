package models

import "fmt"

// MaskSource records how a lung mask was produced.
type MaskSource string

const (
	// MaskSourceCNN marks a mask produced by the segmentation network.
	MaskSourceCNN MaskSource = "cnn"

	// MaskSourceManual marks a user-supplied mask file.
	MaskSourceManual MaskSource = "manual"

	// MaskSourceMerged marks a mask combined from two acquisitions.
	MaskSourceMerged MaskSource = "merged"
)

// LungMask is a boolean volume marking thoracic cavity voxels. The grid must
// match the image it masks; a mismatch is an error, never silently coerced.
type LungMask struct {
	Data   []bool
	Dims   Dims
	Source MaskSource
}

// NewLungMask allocates an all-false mask with the given dimensions.
func NewLungMask(dims Dims, source MaskSource) *LungMask {
	return &LungMask{
		Data:   make([]bool, dims.Count()),
		Dims:   dims,
		Source: source,
	}
}

// At returns the mask value at (x, y, z).
func (m *LungMask) At(x, y, z int) bool {
	return m.Data[z*m.Dims.X*m.Dims.Y+y*m.Dims.X+x]
}

// Set assigns the mask value at (x, y, z).
func (m *LungMask) Set(x, y, z int, val bool) {
	m.Data[z*m.Dims.X*m.Dims.Y+y*m.Dims.X+x] = val
}

// VoxelCount returns the number of voxels inside the mask.
func (m *LungMask) VoxelCount() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *LungMask) Clone() *LungMask {
	out := NewLungMask(m.Dims, m.Source)
	copy(out.Data, m.Data)
	return out
}

// Validate checks the mask against the grid it is meant to cover.
func (m *LungMask) Validate(imageDims Dims) error {
	if !m.Dims.Equal(imageDims) {
		return fmt.Errorf("mask grid %s does not match image grid %s", m.Dims, imageDims)
	}
	if m.VoxelCount() == 0 {
		return fmt.Errorf("mask contains no voxels")
	}
	return nil
}
