package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatdepth/internal/compare"
	"github.com/banshee-data/splatdepth/internal/db"
	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/testutil"
	"github.com/banshee-data/splatdepth/internal/timeutil"
)

func writeRun(t *testing.T, mode string, l1, psnr float64, testIter int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), mode)
	database, err := db.NewDB(db.PathFor(dir))
	require.NoError(t, err)
	defer database.Close()

	logger := metrics.NewLogger(database, timeutil.NewMockClock(time.Unix(1700000000, 0)))
	_, err = logger.StartRun(metrics.RunInfo{ModelPath: dir, Mode: mode})
	require.NoError(t, err)
	for it := 1000; it <= 7000; it += 1000 {
		require.NoError(t, logger.RecordIteration(metrics.IterationRecord{
			Iteration: it, L1: l1, Photometric: l1, Total: l1, GaussianCount: 100000,
		}))
	}
	require.NoError(t, logger.RecordTest(metrics.TestRecord{Iteration: testIter, Split: metrics.SplitTest, L1: l1, PSNR: psnr}))
	require.NoError(t, logger.Finish(metrics.StatusFinished, nil))
	return dir
}

func TestRunWritesArtifacts(t *testing.T) {
	testutil.RouteLogsToTest(t)
	weak := writeRun(t, "weak", 0.077, 24.52, 7000)
	strong := writeRun(t, "strong", 0.041, 25.29, 7000)

	mfs := fsutil.NewMemoryFileSystem()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{
		"-baseline", weak, "-candidate", strong, "-output", "/reports",
	}, &out, mfs))

	assert.Contains(t, out.String(), "✅ Validation PSNR: +3.14% improvement")
	assert.Contains(t, out.String(), "✅ L1 Loss: -46.75% improvement")
	for _, name := range []string{compare.SummaryJSON, compare.SummaryText, compare.PlotPNG, compare.PlotHTML} {
		assert.True(t, mfs.Exists(filepath.Join("/reports", name)), name)
	}
}

func TestRunIncompatibleLogs(t *testing.T) {
	testutil.RouteLogsToTest(t)
	weak := writeRun(t, "weak", 0.077, 24.52, 3000)
	strong := writeRun(t, "strong", 0.041, 25.29, 7000)

	err := run(context.Background(), []string{"-baseline", weak, "-candidate", strong}, &bytes.Buffer{}, fsutil.NewMemoryFileSystem())
	assert.ErrorIs(t, err, compare.ErrIncompatibleLogs)
}

func TestRunArguments(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	assert.ErrorContains(t, run(context.Background(), []string{"-baseline", "x"}, &bytes.Buffer{}, mfs), "required")
	assert.Error(t, run(context.Background(), []string{"-baseline", t.TempDir(), "-candidate", t.TempDir()}, &bytes.Buffer{}, mfs))
}
