// Command compare judges a candidate training run against a baseline.
//
//	compare -baseline models/weak -candidate models/strong -output reports/
//
// Each model directory must hold a metrics.db; the newest run in each is
// compared. The summary JSON, a text summary, a PNG grid and an HTML page
// are written to -output.
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
	"syscall"
	"time"

	"github.com/banshee-data/splatdepth/internal/compare"
	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, fsutil.OSFileSystem{}); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("compare: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, fsys fsutil.FileSystem) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	baselineDir := fs.String("baseline", "", "baseline model directory")
	candidateDir := fs.String("candidate", "", "candidate model directory")
	output := fs.String("output", "comparison", "directory for the report artifacts")
	baselineLabel := fs.String("baseline-label", "", "legend label for the baseline (default: its mode)")
	candidateLabel := fs.String("candidate-label", "", "legend label for the candidate (default: its mode)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if *baselineDir == "" || *candidateDir == "" {
		return fmt.Errorf("-baseline and -candidate are required")
	}

	baseline, err := metrics.ReadLatestRun(ctx, *baselineDir)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}
	candidate, err := metrics.ReadLatestRun(ctx, *candidateDir)
	if err != nil {
		return fmt.Errorf("candidate: %w", err)
	}
	for _, l := range []*metrics.RunLog{baseline, candidate} {
		if l.Run.Status != metrics.StatusFinished {
			log.Printf("warning: run %s in %s is %s", l.Run.RunID, l.Run.ModelPath, l.Run.Status)
		}
	}

	bl := label(*baselineLabel, baseline, *baselineDir)
	cl := label(*candidateLabel, candidate, *candidateDir)
	report, err := compare.BuildReport(bl, baseline, cl, candidate, time.Now())
	if err != nil {
		return err
	}
	if err := compare.WriteArtifacts(fsys, *output, report, baseline, candidate); err != nil {
		return err
	}
	return report.WriteText(stdout)
}

func label(flagValue string, l *metrics.RunLog, dir string) string {
	switch {
	case flagValue != "":
		return flagValue
	case l.Run.Mode != "":
		return l.Run.Mode
	default:
		return filepath.Base(dir)
	}
}
