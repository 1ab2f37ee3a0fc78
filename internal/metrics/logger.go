package metrics

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/db"
	"github.com/banshee-data/splatdepth/internal/timeutil"
)

// ErrNoActiveRun is returned by record methods before StartRun or after
// Finish.
var ErrNoActiveRun = errors.New("no active run")

// RunInfo is supplied when a run starts.
type RunInfo struct {
	ModelPath  string
	SourcePath string
	Mode       string
	// Config is stored as JSON alongside the run for later inspection.
	Config any
}

// Logger appends records for one run at a time.
type Logger struct {
	db    *db.DB
	clock timeutil.Clock
	hub   *Hub

	mu       sync.Mutex
	runID    string
	lastIter int
	lastTest map[string]int
}

// NewLogger wraps an open metrics database. A nil clock uses wall time.
func NewLogger(database *db.DB, clock timeutil.Clock) *Logger {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Logger{db: database, clock: clock, hub: NewHub()}
}

// Hub is the in-process fan-out for this logger's records.
func (l *Logger) Hub() *Hub { return l.hub }

// RunID returns the active run, or "" when none is active.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// StartRun inserts a run row and makes it the target of later records.
func (l *Logger) StartRun(info RunInfo) (string, error) {
	cfg := []byte("{}")
	if info.Config != nil {
		b, err := json.Marshal(info.Config)
		if err != nil {
			return "", fmt.Errorf("marshal run config: %w", err)
		}
		cfg = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID != "" {
		return "", fmt.Errorf("run %s is still active", l.runID)
	}

	id := uuid.NewString()
	_, err := l.db.Exec(`INSERT INTO training_runs
		(run_id, model_path, source_path, mode, config_json, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, info.ModelPath, info.SourcePath, info.Mode, string(cfg), string(StatusRunning), l.clock.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	l.runID = id
	l.lastIter = 0
	l.lastTest = map[string]int{}
	l.hub.Publish(Event{Kind: EventStatus, RunID: id, Status: StatusRunning})
	return id, nil
}

// RecordIteration appends one iteration record. Iterations must strictly
// increase; a violation is a programming error and panics.
func (l *Logger) RecordIteration(rec IterationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID == "" {
		return ErrNoActiveRun
	}
	if rec.Iteration <= l.lastIter {
		panic(fmt.Sprintf("metrics: iteration %d recorded after %d", rec.Iteration, l.lastIter))
	}

	var depthLoss sql.NullFloat64
	if rec.Depth != nil {
		depthLoss = sql.NullFloat64{Float64: *rec.Depth, Valid: true}
	}
	_, err := l.db.Exec(`INSERT INTO iteration_records
		(run_id, iteration, l1_loss, photometric_loss, depth_loss, total_loss, gaussian_count, wall_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, rec.Iteration, rec.L1, rec.Photometric, depthLoss, rec.Total, rec.GaussianCount, int64(rec.WallTime))
	if err != nil {
		return fmt.Errorf("insert iteration %d: %w", rec.Iteration, err)
	}
	l.lastIter = rec.Iteration
	l.hub.Publish(Event{Kind: EventIteration, RunID: l.runID, Iteration: &rec})
	return nil
}

// RecordTest appends one test record. Iterations must strictly increase
// within a split.
func (l *Logger) RecordTest(rec TestRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID == "" {
		return ErrNoActiveRun
	}
	if last, ok := l.lastTest[rec.Split]; ok && rec.Iteration <= last {
		panic(fmt.Sprintf("metrics: %s test at iteration %d recorded after %d", rec.Split, rec.Iteration, last))
	}

	_, err := l.db.Exec(`INSERT INTO test_records (run_id, iteration, split, l1_loss, psnr)
		VALUES (?, ?, ?, ?, ?)`, l.runID, rec.Iteration, rec.Split, rec.L1, rec.PSNR)
	if err != nil {
		return fmt.Errorf("insert %s test %d: %w", rec.Split, rec.Iteration, err)
	}
	l.lastTest[rec.Split] = rec.Iteration
	l.hub.Publish(Event{Kind: EventTest, RunID: l.runID, Test: &rec})
	return nil
}

// RecordCalibrations stores fitted parameters for the active run in one
// transaction.
func (l *Logger) RecordCalibrations(params map[string]calibrate.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID == "" {
		return ErrNoActiveRun
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin calibration insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO calibrations
		(run_id, image_id, depth_scale, depth_offset, point_count, residual, r_squared)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare calibration insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range calibrate.Sorted(params) {
		if _, err := stmt.Exec(l.runID, p.ImageID, p.Scale, p.Offset, p.Count, p.Residual, p.R2); err != nil {
			return fmt.Errorf("insert calibration %s: %w", p.ImageID, err)
		}
	}
	return tx.Commit()
}

// Finish closes the active run with status and an optional cause.
func (l *Logger) Finish(status Status, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID == "" {
		return ErrNoActiveRun
	}

	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	_, err := l.db.Exec(`UPDATE training_runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ?`,
		string(status), l.clock.Now().UnixNano(), msg, l.runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", l.runID, err)
	}
	l.hub.Publish(Event{Kind: EventStatus, RunID: l.runID, Status: status})
	l.runID = ""
	return nil
}
