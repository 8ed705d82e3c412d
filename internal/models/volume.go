package models

import (
	"fmt"
	"math/cmplx"
)

// Dims holds the voxel grid dimensions of a 3D volume.
type Dims struct {
	X, Y, Z int
}

// Count returns the total number of voxels in the grid.
func (d Dims) Count() int {
	return d.X * d.Y * d.Z
}

// Equal reports whether two grids have identical dimensions.
func (d Dims) Equal(other Dims) bool {
	return d.X == other.X && d.Y == other.Y && d.Z == other.Z
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Volume represents a real-valued 3D image volume.
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	Data []float64

	// Dims are the grid dimensions of the volume in voxels
	Dims Dims

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with the given dimensions.
func NewVolume(dims Dims) *Volume {
	return &Volume{
		Data: make([]float64, dims.Count()),
		Dims: dims,
	}
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Dims.X*v.Dims.Y+y*v.Dims.X+x]
}

// Set assigns the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[z*v.Dims.X*v.Dims.Y+y*v.Dims.X+x] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := NewVolume(v.Dims)
	copy(out.Data, v.Data)
	out.VoxelSize = v.VoxelSize
	return out
}

// ComplexVolume represents a complex-valued 3D image volume, such as a
// reconstructed gas- or dissolved-phase image.
type ComplexVolume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	Data []complex128

	// Dims are the grid dimensions of the volume in voxels
	Dims Dims
}

// NewComplexVolume allocates a zero-filled complex volume with the given
// dimensions.
func NewComplexVolume(dims Dims) *ComplexVolume {
	return &ComplexVolume{
		Data: make([]complex128, dims.Count()),
		Dims: dims,
	}
}

// At returns the voxel value at (x, y, z).
func (v *ComplexVolume) At(x, y, z int) complex128 {
	return v.Data[z*v.Dims.X*v.Dims.Y+y*v.Dims.X+x]
}

// Set assigns the voxel value at (x, y, z).
func (v *ComplexVolume) Set(x, y, z int, val complex128) {
	v.Data[z*v.Dims.X*v.Dims.Y+y*v.Dims.X+x] = val
}

// Magnitude returns a real volume holding the voxelwise magnitude.
func (v *ComplexVolume) Magnitude() *Volume {
	out := NewVolume(v.Dims)
	for i, c := range v.Data {
		out.Data[i] = cmplx.Abs(c)
	}
	return out
}

// Clone returns a deep copy of the complex volume.
func (v *ComplexVolume) Clone() *ComplexVolume {
	out := NewComplexVolume(v.Dims)
	copy(out.Data, v.Data)
	return out
}
