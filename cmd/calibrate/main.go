// Command calibrate fits per-image (scale, offset) pairs that map relative
// depth estimates onto sparse reference depths, and stores them next to the
// model as calibration.json.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/config"
	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/version"
)

// OutputFile is written inside model_path unless -out is given.
const OutputFile = "calibration.json"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, fsutil.OSFileSystem{}); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("calibrate: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, fsys fsutil.FileSystem) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "run configuration JSON file")
	out := fs.String("out", "", "output file (default <model_path>/"+OutputFile+", or stdout without a model path)")
	showVersion := fs.Bool("version", false, "print version and exit")
	overrides := &config.RunConfig{}
	overrides.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := config.Resolve(*configPath, overrides)
	if err != nil {
		return err
	}
	if cfg.GetDepthDir() == "" {
		return fmt.Errorf("depth_dir is required")
	}
	if cfg.GetReferencePoints() == "" {
		return fmt.Errorf("reference_points is required")
	}
	loader, err := cfg.DepthLoader(fsys)
	if err != nil {
		return err
	}
	if loader.Units.Metric() {
		log.Printf("depth units are %s; metric maps train without calibration, fitting anyway", loader.Units)
	}

	refs, err := loadReferences(fsys, cfg.GetReferencePoints())
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	estimates := make(map[string]*depth.Map, len(ids))
	for _, id := range ids {
		m, err := loader.Load(id)
		if err != nil {
			return err
		}
		estimates[id] = m
	}

	params, err := calibrate.CalibrateAll(ctx, estimates, refs, cfg.GetCalibrationWorkers())
	if err != nil {
		return err
	}
	for _, p := range calibrate.Sorted(params) {
		log.Printf("image %s: scale=%.6f offset=%.6f points=%d rms=%.6f r2=%.4f",
			p.ImageID, p.Scale, p.Offset, p.Count, p.Residual, p.R2)
	}

	dest := *out
	if dest == "" && cfg.GetModelPath() != "" {
		dest = filepath.Join(cfg.GetModelPath(), OutputFile)
	}
	if dest == "" {
		return calibrate.WriteJSON(stdout, params)
	}
	if err := fsys.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := fsys.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if err := calibrate.WriteJSON(f, params); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("wrote %d calibrations to %s", len(params), dest)
	return nil
}

func loadReferences(fsys fsutil.FileSystem, path string) (map[string][]calibrate.ReferencePoint, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference points: %w", err)
	}
	defer f.Close()
	refs, err := calibrate.LoadReferencePoints(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return refs, nil
}
