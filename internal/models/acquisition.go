package models

import (
	"fmt"
	"time"
)

// Role identifies the function of an acquisition within a subject exam.
type Role string

const (
	// RoleProtonUTE is the proton ultra-short echo-time anatomical scan.
	RoleProtonUTE Role = "proton_ute"

	// RoleDixon is the one-point Dixon gas-exchange scan.
	RoleDixon Role = "dixon"

	// RoleCalibration is the dedicated calibration scan used to derive
	// the RBC:M ratio and dissolved-phase angle.
	RoleCalibration Role = "calibration"
)

// ScanMetadata holds the acquisition parameters needed by the signal model.
// Field names follow the scanner protocol conventions.
type ScanMetadata struct {
	// TE90 is the echo time at which RBC and membrane phasors are 90
	// degrees apart, in seconds.
	TE90 float64

	// TR is the repetition time in seconds.
	TR float64

	// FAGas and FADissolved are the gas- and dissolved-phase flip angles
	// in degrees.
	FAGas       float64
	FADissolved float64

	// FieldStrength is the main magnetic field strength in Tesla.
	FieldStrength float64

	// FOV is the field of view in cm.
	FOV float64

	// DissolvedOffsetHz is the RF offset frequency of the dissolved-phase
	// excitation relative to the gas resonance, in Hz.
	DissolvedOffsetHz float64

	// ScanDate is when the acquisition was performed.
	ScanDate time.Time
}

// Acquisition is one scan's reconstructed complex volume together with its
// metadata and role. Immutable once reconstructed.
type Acquisition struct {
	Image *ComplexVolume
	Meta  ScanMetadata
	Role  Role
}

// DixonPair holds the co-registered gas- and dissolved-phase complex volumes
// from a single one-point Dixon excitation. Both volumes share one voxel grid.
type DixonPair struct {
	Gas       *ComplexVolume
	Dissolved *ComplexVolume
	Meta      ScanMetadata
}

// NewDixonPair validates and assembles a Dixon pair. The two volumes must
// share identical grid dimensions.
func NewDixonPair(gas, dissolved *ComplexVolume, meta ScanMetadata) (*DixonPair, error) {
	if gas == nil || dissolved == nil {
		return nil, fmt.Errorf("dixon pair requires both gas and dissolved volumes")
	}
	if !gas.Dims.Equal(dissolved.Dims) {
		return nil, fmt.Errorf("dixon pair grid mismatch: gas %s vs dissolved %s",
			gas.Dims, dissolved.Dims)
	}
	return &DixonPair{Gas: gas, Dissolved: dissolved, Meta: meta}, nil
}

// CompartmentMaps holds the gas, membrane and RBC maps decomposed from a
// Dixon pair. All three share the source pair's voxel grid. Derived data;
// a new set is produced whenever decomposition parameters change.
type CompartmentMaps struct {
	Gas      *Volume
	Membrane *Volume
	RBC      *Volume
}

// Dims returns the shared grid dimensions of the maps.
func (m *CompartmentMaps) Dims() Dims {
	return m.Gas.Dims
}

// Clone returns a deep copy of all three maps.
func (m *CompartmentMaps) Clone() *CompartmentMaps {
	return &CompartmentMaps{
		Gas:      m.Gas.Clone(),
		Membrane: m.Membrane.Clone(),
		RBC:      m.RBC.Clone(),
	}
}
