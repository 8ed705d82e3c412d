package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"gxpipeline/pkg/biasfield"
	"gxpipeline/pkg/config"
	"gxpipeline/pkg/pipeline"
	"gxpipeline/pkg/registration"
	"gxpipeline/pkg/segmentation"
)

func main() {
	configPath := flag.String("config", "", "Subject configuration YAML file")
	batchDir := flag.String("batch-dir", "", "Directory of subject configuration files to process")
	parallel := flag.Int("parallel", 4, "Maximum subjects processed concurrently in batch mode")
	reprocess := flag.Bool("reprocess", false, "Resume from the persisted intermediate artifact")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if (*configPath == "") == (*batchDir == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -config or -batch-dir is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	if *configPath != "" {
		if err := runSubject(ctx, log, *configPath, *reprocess); err != nil {
			reportFailure(log, *configPath, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	configs, err := collectConfigs(*batchDir)
	if err != nil {
		log.Error("batch discovery failed", "dir", *batchDir, "error", err)
		os.Exit(1)
	}
	if len(configs) == 0 {
		log.Error("no configuration files found", "dir", *batchDir)
		os.Exit(1)
	}

	// Subjects are independent: each run owns exclusive copies of its
	// volumes, so batch processing fans out safely.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for _, path := range configs {
		path := path
		g.Go(func() error {
			if err := runSubject(gctx, log, path, *reprocess); err != nil {
				reportFailure(log, path, err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.Exit(1)
	}
}

// runSubject processes one subject from its configuration file.
func runSubject(ctx context.Context, log *slog.Logger, configPath string, reprocess bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	var seg segmentation.Segmenter
	if cfg.SegmentationKey == string(segmentation.KeyCNNVent) {
		if cfg.SegmentationTool == "" {
			return fmt.Errorf("segmentation_tool is required with segmentation_key cnn_vent")
		}
		workDir, err := os.MkdirTemp("", "gx-segment-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
		seg = &segmentation.CommandSegmenter{BinPath: cfg.SegmentationTool, WorkDir: workDir}
	}

	var reg registration.Registrar
	if cfg.RegistrationTool != "" {
		workDir, err := os.MkdirTemp("", "gx-transform-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
		reg = &registration.ToolRegistrar{BinPath: cfg.RegistrationTool, WorkDir: workDir}
	}

	var bias biasfield.Corrector
	if cfg.BiasKey == string(biasfield.KeyN4ITK) {
		if cfg.BiasTool == "" {
			return fmt.Errorf("bias_tool is required with bias_key n4itk")
		}
		workDir, err := os.MkdirTemp("", "gx-bias-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
		bias = &biasfield.CommandCorrector{BinPath: cfg.BiasTool, WorkDir: workDir}
	}

	orch := pipeline.New(cfg, seg, reg, bias, log)

	log.Info("processing subject", "subject", cfg.SubjectID, "config", configPath)
	if reprocess || cfg.ForceReprocess {
		_, err = orch.Reprocess(ctx, pipeline.SnapshotPath(cfg))
	} else {
		input, loadErr := pipeline.LoadRunInput(pipeline.InputBundlePath(cfg))
		if loadErr != nil {
			return loadErr
		}
		_, err = orch.Run(ctx, input)
	}
	if err != nil {
		return err
	}
	log.Info("subject complete", "subject", cfg.SubjectID, "output", pipeline.OutputDir(cfg))
	return nil
}

// collectConfigs lists the YAML configuration files in a batch directory in
// stable order.
func collectConfigs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// reportFailure logs a run failure, naming the failed stage when the error
// carries one.
func reportFailure(log *slog.Logger, configPath string, err error) {
	var sf *pipeline.StageFailure
	if errors.As(err, &sf) {
		log.Error("run failed", "config", configPath, "stage", string(sf.Stage), "error", sf.Err)
		fmt.Fprintf(os.Stderr, "FAILED %s at stage %s: %v\n", configPath, sf.Stage, sf.Err)
		return
	}
	log.Error("run failed", "config", configPath, "error", err)
	fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", configPath, err)
}
