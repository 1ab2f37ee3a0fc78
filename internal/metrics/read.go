package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/db"
)

var (
	// ErrNoRuns is returned when a metrics database holds no runs.
	ErrNoRuns = errors.New("no training runs recorded")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("training run not found")
)

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// GetRun loads the run row for runID.
func GetRun(ctx context.Context, database *db.DB, runID string) (Run, error) {
	var (
		r          Run
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		errMsg     sql.NullString
	)
	err := database.QueryRowContext(ctx, `SELECT run_id, model_path, source_path, mode, config_json,
		status, started_at, finished_at, error FROM training_runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.ModelPath, &r.SourcePath, &r.Mode, &r.ConfigJSON, &status, &startedAt, &finishedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	r.Status = Status(status)
	r.StartedAt = unixNano(startedAt)
	if finishedAt.Valid {
		t := unixNano(finishedAt.Int64)
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	return r, nil
}

// ListRuns returns every run, newest first.
func ListRuns(ctx context.Context, database *db.DB) ([]Run, error) {
	rows, err := database.QueryContext(ctx, `SELECT run_id FROM training_runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := GetRun(ctx, database, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// LatestRunID returns the most recently started run.
func LatestRunID(ctx context.Context, database *db.DB) (string, error) {
	var id string
	err := database.QueryRowContext(ctx, `SELECT run_id FROM training_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	if err != nil {
		return "", fmt.Errorf("query latest run: %w", err)
	}
	return id, nil
}

func scanIteration(rows *sql.Rows) (IterationRecord, int64, error) {
	var (
		rec       IterationRecord
		recordID  int64
		depthLoss sql.NullFloat64
		wallNS    int64
	)
	if err := rows.Scan(&recordID, &rec.Iteration, &rec.L1, &rec.Photometric, &depthLoss,
		&rec.Total, &rec.GaussianCount, &wallNS); err != nil {
		return IterationRecord{}, 0, err
	}
	if depthLoss.Valid {
		v := depthLoss.Float64
		rec.Depth = &v
	}
	rec.WallTime = time.Duration(wallNS)
	return rec, recordID, nil
}

const iterationColumns = `record_id, iteration, l1_loss, photometric_loss, depth_loss, total_loss, gaussian_count, wall_time_ns`

func queryIterations(ctx context.Context, database *db.DB, runID string, afterRecord int64) ([]IterationRecord, int64, error) {
	rows, err := database.QueryContext(ctx, `SELECT `+iterationColumns+` FROM iteration_records
		WHERE run_id = ? AND record_id > ? ORDER BY record_id`, runID, afterRecord)
	if err != nil {
		return nil, afterRecord, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []IterationRecord
	last := afterRecord
	for rows.Next() {
		rec, id, err := scanIteration(rows)
		if err != nil {
			return nil, afterRecord, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, rec)
		last = id
	}
	return out, last, rows.Err()
}

func queryTests(ctx context.Context, database *db.DB, runID string, afterRecord int64) ([]TestRecord, int64, error) {
	rows, err := database.QueryContext(ctx, `SELECT record_id, iteration, split, l1_loss, psnr FROM test_records
		WHERE run_id = ? AND record_id > ? ORDER BY record_id`, runID, afterRecord)
	if err != nil {
		return nil, afterRecord, fmt.Errorf("query tests: %w", err)
	}
	defer rows.Close()

	var out []TestRecord
	last := afterRecord
	for rows.Next() {
		var (
			rec TestRecord
			id  int64
		)
		if err := rows.Scan(&id, &rec.Iteration, &rec.Split, &rec.L1, &rec.PSNR); err != nil {
			return nil, afterRecord, fmt.Errorf("scan test: %w", err)
		}
		out = append(out, rec)
		last = id
	}
	return out, last, rows.Err()
}

func queryCalibrations(ctx context.Context, database *db.DB, runID string) ([]calibrate.Params, error) {
	rows, err := database.QueryContext(ctx, `SELECT image_id, depth_scale, depth_offset, point_count, residual, r_squared
		FROM calibrations WHERE run_id = ? ORDER BY image_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()

	var out []calibrate.Params
	for rows.Next() {
		var p calibrate.Params
		if err := rows.Scan(&p.ImageID, &p.Scale, &p.Offset, &p.Count, &p.Residual, &p.R2); err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadRun loads the complete log for runID.
func ReadRun(ctx context.Context, database *db.DB, runID string) (*RunLog, error) {
	run, err := GetRun(ctx, database, runID)
	if err != nil {
		return nil, err
	}
	iters, _, err := queryIterations(ctx, database, runID, 0)
	if err != nil {
		return nil, err
	}
	tests, _, err := queryTests(ctx, database, runID, 0)
	if err != nil {
		return nil, err
	}
	calib, err := queryCalibrations(ctx, database, runID)
	if err != nil {
		return nil, err
	}
	return &RunLog{Run: run, Iterations: iters, Tests: tests, Calibrations: calib}, nil
}

// ReadLatestRun opens <modelPath>/metrics.db and loads its newest run.
func ReadLatestRun(ctx context.Context, modelPath string) (*RunLog, error) {
	database, err := db.OpenExisting(db.PathFor(modelPath))
	if err != nil {
		return nil, err
	}
	defer database.Close()

	id, err := LatestRunID(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}
	return ReadRun(ctx, database, id)
}
