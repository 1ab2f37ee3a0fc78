package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/db"
	"github.com/banshee-data/splatdepth/internal/testutil"
	"github.com/banshee-data/splatdepth/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T) (*Logger, *db.DB, *timeutil.MockClock, string) {
	t.Helper()
	testutil.RouteLogsToTest(t)
	modelPath := filepath.Join(t.TempDir(), "model")
	database, err := db.NewDB(db.PathFor(modelPath))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := timeutil.NewMockClock(epoch)
	return NewLogger(database, clock), database, clock, modelPath
}

func ptr(v float64) *float64 { return &v }

func TestLoggerRoundTrip(t *testing.T) {
	l, database, clock, modelPath := newTestLogger(t)
	ctx := context.Background()

	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, SourcePath: "/data/garden", Mode: "weak", Config: map[string]int{"iterations": 3}})
	require.NoError(t, err)
	assert.Len(t, runID, 36)
	assert.Equal(t, runID, l.RunID())

	calib := map[string]calibrate.Params{
		"b": {ImageID: "b", Scale: 2, Offset: 0.5, Count: 10, Residual: 0.01, R2: 0.98},
		"a": {ImageID: "a", Scale: 1.5, Offset: -0.2, Count: 8, Residual: 0.02, R2: 0.97},
	}
	require.NoError(t, l.RecordCalibrations(calib))

	iters := []IterationRecord{
		{Iteration: 1, L1: 0.2, Photometric: 0.25, Depth: ptr(0.4), Total: 0.65, GaussianCount: 1000, WallTime: time.Second},
		{Iteration: 2, L1: 0.18, Photometric: 0.22, Total: 0.22, GaussianCount: 1010, WallTime: 2 * time.Second},
		{Iteration: 5, L1: 0.1, Photometric: 0.12, Depth: ptr(0.1), Total: 0.32, GaussianCount: 1200, WallTime: 5 * time.Second},
	}
	for _, rec := range iters {
		require.NoError(t, l.RecordIteration(rec))
	}
	tests := []TestRecord{
		{Iteration: 5, Split: SplitTest, L1: 0.09, PSNR: 24.5},
		{Iteration: 5, Split: SplitTrain, L1: 0.08, PSNR: 25.1},
	}
	for _, rec := range tests {
		require.NoError(t, l.RecordTest(rec))
	}

	clock.Advance(time.Minute)
	require.NoError(t, l.Finish(StatusFinished, nil))
	assert.Empty(t, l.RunID())

	got, err := ReadRun(ctx, database, runID)
	require.NoError(t, err)

	finished := epoch.Add(time.Minute)
	want := &RunLog{
		Run: Run{
			RunID: runID, ModelPath: modelPath, SourcePath: "/data/garden", Mode: "weak",
			ConfigJSON: `{"iterations":3}`, Status: StatusFinished,
			StartedAt: epoch, FinishedAt: &finished,
		},
		Iterations:   iters,
		Tests:        tests,
		Calibrations: calibrate.Sorted(calib),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadRun mismatch (-want +got):\n%s", diff)
	}

	latest, err := ReadLatestRun(ctx, modelPath)
	require.NoError(t, err)
	assert.Equal(t, runID, latest.Run.RunID)
}

func TestLoggerRejectsOutOfOrder(t *testing.T) {
	l, _, _, modelPath := newTestLogger(t)
	_, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)

	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 10}))
	assert.Panics(t, func() { l.RecordIteration(IterationRecord{Iteration: 10}) })
	assert.Panics(t, func() { l.RecordIteration(IterationRecord{Iteration: 3}) })
	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 11}))

	require.NoError(t, l.RecordTest(TestRecord{Iteration: 7000, Split: SplitTest}))
	require.NoError(t, l.RecordTest(TestRecord{Iteration: 7000, Split: SplitTrain}))
	assert.Panics(t, func() { l.RecordTest(TestRecord{Iteration: 6999, Split: SplitTest}) })
}

func TestLoggerWithoutRun(t *testing.T) {
	l, _, _, modelPath := newTestLogger(t)
	assert.ErrorIs(t, l.RecordIteration(IterationRecord{Iteration: 1}), ErrNoActiveRun)
	assert.ErrorIs(t, l.RecordTest(TestRecord{Iteration: 1}), ErrNoActiveRun)
	assert.ErrorIs(t, l.Finish(StatusAborted, nil), ErrNoActiveRun)

	_, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)
	_, err = l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	assert.Error(t, err, "only one active run per logger")
}

func TestFinishRecordsCause(t *testing.T) {
	l, database, _, modelPath := newTestLogger(t)
	ctx := context.Background()
	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "strong"})
	require.NoError(t, err)
	require.NoError(t, l.Finish(StatusAborted, errors.New("training diverged at iteration 12")))

	run, err := GetRun(ctx, database, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)
	assert.Contains(t, run.Error, "iteration 12")

	_, err = GetRun(ctx, database, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLatestRunID(t *testing.T) {
	l, database, clock, modelPath := newTestLogger(t)
	ctx := context.Background()

	_, err := LatestRunID(ctx, database)
	assert.ErrorIs(t, err, ErrNoRuns)

	first, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "weak"})
	require.NoError(t, err)
	require.NoError(t, l.Finish(StatusFinished, nil))
	clock.Advance(time.Hour)
	second, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "strong"})
	require.NoError(t, err)

	id, err := LatestRunID(ctx, database)
	require.NoError(t, err)
	assert.Equal(t, second, id)

	runs, err := ListRuns(ctx, database)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, []string{second, first}, []string{runs[0].RunID, runs[1].RunID})
}

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	id1, c1 := h.Subscribe()
	_, c2 := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	ev := Event{Kind: EventStatus, RunID: "r", Status: StatusRunning}
	h.Publish(ev)
	assert.Equal(t, ev, <-c1)
	assert.Equal(t, ev, <-c2)

	h.Unsubscribe(id1)
	_, open := <-c1
	assert.False(t, open)
	h.Unsubscribe(id1)

	// A subscriber that never reads must not block the publisher.
	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish(ev)
	}
	assert.Len(t, c2, subscriberBuffer)

	h.Close()
	assert.Zero(t, h.Subscribers())
	_, c3 := h.Subscribe()
	_, open = <-c3
	assert.False(t, open)
}

func TestLoggerPublishes(t *testing.T) {
	l, _, _, modelPath := newTestLogger(t)
	_, events := l.Hub().Subscribe()

	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)
	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 1, Total: 0.3}))
	require.NoError(t, l.RecordTest(TestRecord{Iteration: 1, Split: SplitTest, PSNR: 20}))
	require.NoError(t, l.Finish(StatusFinished, nil))

	var kinds []EventKind
	for i := 0; i < 4; i++ {
		ev := <-events
		assert.Equal(t, runID, ev.RunID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventStatus, EventIteration, EventTest, EventStatus}, kinds)
}

func TestTailerFollowsWriter(t *testing.T) {
	l, _, _, modelPath := newTestLogger(t)
	ctx := context.Background()
	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)

	reader, err := db.OpenExisting(db.PathFor(modelPath))
	require.NoError(t, err)
	defer reader.Close()

	tail := NewTailer(reader, runID, nil, time.Second)

	events, err := tail.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StatusRunning, events[0].Status)

	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 1, Total: 0.5}))
	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 2, Total: 0.4}))
	events, err = tail.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Iteration.Iteration)

	events, err = tail.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing new")

	require.NoError(t, l.RecordTest(TestRecord{Iteration: 2, Split: SplitTest, PSNR: 21}))
	require.NoError(t, l.Finish(StatusFinished, nil))
	events, err = tail.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTest, events[0].Kind)
	assert.Equal(t, StatusFinished, events[1].Status)
}

// Records appended just before Finish are delivered before the terminal
// status, even when Finish lands in the middle of a poll.
func TestTailerDeliversRecordsBeforeTerminalStatus(t *testing.T) {
	l, database, _, modelPath := newTestLogger(t)
	ctx := context.Background()
	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)

	tail := NewTailer(database, runID, nil, time.Second)
	fired := false
	tail.afterStatus = func() {
		if fired {
			return
		}
		fired = true
		require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 1, Total: 0.5}))
		require.NoError(t, l.Finish(StatusFinished, nil))
	}

	var kinds []EventKind
	for i := 0; i < 2; i++ {
		events, err := tail.Poll(ctx)
		require.NoError(t, err)
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventIteration, EventStatus, EventStatus}, kinds)
	assert.Equal(t, StatusFinished, tail.status)
}

func TestTailerRunStopsWhenRunEnds(t *testing.T) {
	l, database, _, modelPath := newTestLogger(t)
	runID, err := l.StartRun(RunInfo{ModelPath: modelPath, Mode: "none"})
	require.NoError(t, err)
	require.NoError(t, l.RecordIteration(IterationRecord{Iteration: 1, Total: 0.5}))

	clock := timeutil.NewMockClock(epoch)
	tail := NewTailer(database, runID, clock, time.Second)

	var snap Snapshot
	done := make(chan error, 1)
	polled := make(chan struct{}, 8)
	go func() {
		done <- tail.Run(context.Background(), func(ev Event) {
			snap.Apply(ev)
			polled <- struct{}{}
		})
	}()

	// Initial poll delivers the status and the first iteration.
	<-polled
	<-polled
	require.NoError(t, l.Finish(StatusFinished, nil))
	// Ticks until the tailer observes the finished status.
	for {
		clock.Advance(time.Second)
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, StatusFinished, snap.Status)
			assert.Equal(t, 0.5, snap.Series[SeriesTotalLoss].Value)
			return
		case <-polled:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLatestSnapshot(t *testing.T) {
	log := &RunLog{
		Run: Run{RunID: "r", Status: StatusRunning},
		Iterations: []IterationRecord{
			{Iteration: 1, L1: 0.3, Depth: ptr(0.2), Total: 0.7, GaussianCount: 10},
			{Iteration: 2, L1: 0.2, Total: 0.2, GaussianCount: 12},
		},
		Tests: []TestRecord{{Iteration: 2, Split: SplitTest, PSNR: 22.5}},
	}
	s := Latest(log)
	assert.Equal(t, Sample{2, 0.2}, s.Series[SeriesTotalLoss])
	assert.Equal(t, Sample{1, 0.2}, s.Series[SeriesDepthLoss])
	assert.Equal(t, Sample{2, 12}, s.Series[SeriesGaussianCount])
	assert.Equal(t, Sample{2, 22.5}, s.Series[TestSeries(SplitTest)])

	var b strings.Builder
	_, err := s.WriteTo(&b)
	require.NoError(t, err)
	assert.Contains(t, b.String(), "test psnr           : 22.500000 (iter 2)")
	assert.Contains(t, b.String(), "Run r (running)")
}
