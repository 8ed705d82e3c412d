// Package config provides configuration loading and management for the
// gas-exchange mapping pipeline. Configuration is a fixed YAML schema with
// explicit defaults; unrecognized keys are rejected at load time rather than
// silently ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configs can carry values like "90s" or
// "5m"; yaml.v3 has no native duration support.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config represents one subject's processing configuration loaded from YAML.
type Config struct {
	// DataDir is the directory holding the subject's reconstructed input
	// bundle and where outputs are finalized.
	DataDir string `yaml:"data_dir"`

	// SubjectID identifies the subject; stamped on all outputs.
	SubjectID string `yaml:"subject_id"`

	// OutputDir is where the finalized run directory is placed. Defaults
	// to DataDir when empty.
	OutputDir string `yaml:"output_dir"`

	// RBCMRatio is an explicit RBC:M ratio overriding any scan-derived
	// calibration. 0 means derive from scan data.
	RBCMRatio float64 `yaml:"rbc_m_ratio"`

	// SegmentationKey selects the mask source: cnn_vent or manual_vent.
	SegmentationKey string `yaml:"segmentation_key"`

	// ManualSegFilepath is the mask file path; required iff manual_vent.
	ManualSegFilepath string `yaml:"manual_seg_filepath"`

	// SegmentationTool is the CNN inference executable invoked for
	// cnn_vent.
	SegmentationTool string `yaml:"segmentation_tool"`

	// RegistrationTool is the external registration executable, required
	// for dual-Dixon subjects.
	RegistrationTool string `yaml:"registration_tool"`

	// MaskMerge selects how dual-Dixon masks are combined: union or
	// intersection.
	MaskMerge string `yaml:"mask_merge"`

	// BiasKey selects ventilation bias-field handling: skip or n4itk.
	BiasKey string `yaml:"bias_key"`

	// BiasTool is the N4ITK executable invoked when bias_key is n4itk.
	BiasTool string `yaml:"bias_tool"`

	// ReferenceDataKey names the healthy-cohort reference thresholds.
	ReferenceDataKey string `yaml:"reference_data_key"`

	// HbCorrectionKey selects hemoglobin correction: none, rbc_only or
	// rbc_and_membrane.
	HbCorrectionKey string `yaml:"hb_correction_key"`

	// Hb is the subject hemoglobin in g/dL; required > 0 when a
	// hemoglobin correction is selected.
	Hb float64 `yaml:"hb"`

	// ForceReprocess resumes from the persisted intermediate artifact
	// instead of running the full pipeline.
	ForceReprocess bool `yaml:"force_reprocess"`

	// ForceCalibration recomputes calibration when resuming from an
	// intermediate artifact.
	ForceCalibration bool `yaml:"force_calibration"`

	// ToolTimeout bounds each external capability call (CNN inference,
	// registration).
	ToolTimeout Duration `yaml:"tool_timeout"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		SegmentationKey:  "cnn_vent",
		MaskMerge:        "union",
		BiasKey:          "skip",
		ReferenceDataKey: "reference_218_ppm_01",
		HbCorrectionKey:  "none",
		ToolTimeout:      Duration(5 * time.Minute),
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// Unknown keys are an error.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Validate enforces the cross-field rules of the schema.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.SubjectID == "" {
		return fmt.Errorf("config: subject_id is required")
	}
	if c.RBCMRatio < 0 || c.RBCMRatio > 1 {
		return fmt.Errorf("config: rbc_m_ratio %.4f outside valid range (0, 1]", c.RBCMRatio)
	}
	switch c.SegmentationKey {
	case "cnn_vent":
		// segmentation_tool is checked at run time; tests inject a fake
	case "manual_vent":
		if c.ManualSegFilepath == "" {
			return fmt.Errorf("config: manual_seg_filepath is required with segmentation_key manual_vent")
		}
	default:
		return fmt.Errorf("config: unknown segmentation_key %q", c.SegmentationKey)
	}
	switch c.MaskMerge {
	case "union", "intersection":
	default:
		return fmt.Errorf("config: unknown mask_merge %q", c.MaskMerge)
	}
	switch c.BiasKey {
	case "skip", "n4itk":
	default:
		return fmt.Errorf("config: unknown bias_key %q", c.BiasKey)
	}
	switch c.HbCorrectionKey {
	case "none":
	case "rbc_only", "rbc_and_membrane":
		if c.Hb <= 0 {
			return fmt.Errorf("config: hb must be positive with hb_correction_key %q", c.HbCorrectionKey)
		}
	default:
		return fmt.Errorf("config: unknown hb_correction_key %q", c.HbCorrectionKey)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: tool_timeout must be positive")
	}
	return nil
}
