package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/splatdepth/internal/db"
	"github.com/banshee-data/splatdepth/internal/timeutil"
)

// DefaultPollInterval matches the refresh cadence of the run monitor.
const DefaultPollInterval = 30 * time.Second

// Tailer follows a run that another process is writing. It never holds a
// transaction open across polls, so the writer is never blocked.
type Tailer struct {
	db       *db.DB
	runID    string
	clock    timeutil.Clock
	interval time.Duration

	lastIterRecord int64
	lastTestRecord int64
	status         Status

	// afterStatus runs between the status read and the record reads.
	afterStatus func()
}

// NewTailer returns a tailer positioned at the start of runID.
func NewTailer(database *db.DB, runID string, clock timeutil.Clock, interval time.Duration) *Tailer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Tailer{db: database, runID: runID, clock: clock, interval: interval}
}

// Poll returns records committed since the previous poll, followed by a
// status event if the run's status changed. The status is read first, so a
// terminal status is only reported once every record before it was returned.
func (t *Tailer) Poll(ctx context.Context) ([]Event, error) {
	run, err := GetRun(ctx, t.db, t.runID)
	if err != nil {
		return nil, err
	}
	if t.afterStatus != nil {
		t.afterStatus()
	}
	iters, lastIter, err := queryIterations(ctx, t.db, t.runID, t.lastIterRecord)
	if err != nil {
		return nil, err
	}
	tests, lastTest, err := queryTests(ctx, t.db, t.runID, t.lastTestRecord)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(iters)+len(tests)+1)
	for i := range iters {
		events = append(events, Event{Kind: EventIteration, RunID: t.runID, Iteration: &iters[i]})
	}
	for i := range tests {
		events = append(events, Event{Kind: EventTest, RunID: t.runID, Test: &tests[i]})
	}
	if run.Status != t.status {
		events = append(events, Event{Kind: EventStatus, RunID: t.runID, Status: run.Status})
	}

	t.lastIterRecord, t.lastTestRecord, t.status = lastIter, lastTest, run.Status
	return events, nil
}

// Run polls on every tick and hands each event to fn until ctx is done or
// the run leaves the running state.
func (t *Tailer) Run(ctx context.Context, fn func(Event)) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		events, err := t.Poll(ctx)
		if err != nil {
			return fmt.Errorf("tail run %s: %w", t.runID, err)
		}
		for _, ev := range events {
			fn(ev)
		}
		if t.status != StatusRunning && t.status != "" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
