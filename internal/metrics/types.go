// Package metrics is the append-only training log.
//
// A Logger is the single writer for a run: every IterationRecord and
// TestRecord becomes one INSERT, so a record is either fully visible to
// readers or not at all. In-process consumers Subscribe to a Hub; other
// processes open the same sqlite file and follow it with a Tailer.
package metrics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/splatdepth/internal/calibrate"
)

// Status is the lifecycle state stored on a run row.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusAborted  Status = "aborted"
)

// Test record splits.
const (
	SplitTest  = "test"
	SplitTrain = "train"
)

// Run describes one training run.
type Run struct {
	RunID      string     `json:"run_id"`
	ModelPath  string     `json:"model_path"`
	SourcePath string     `json:"source_path"`
	Mode       string     `json:"mode"`
	ConfigJSON string     `json:"config_json,omitempty"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// IterationRecord is written once per committed training iteration.
type IterationRecord struct {
	Iteration   int     `json:"iteration"`
	L1          float64 `json:"l1_loss"`
	Photometric float64 `json:"photometric_loss"`
	// Depth is nil when the run has no depth term.
	Depth         *float64      `json:"depth_loss,omitempty"`
	Total         float64       `json:"total_loss"`
	GaussianCount int           `json:"gaussian_count"`
	WallTime      time.Duration `json:"wall_time_ns"`
}

// TestRecord is written at each test iteration, once per split.
type TestRecord struct {
	Iteration int     `json:"iteration"`
	Split     string  `json:"split"`
	L1        float64 `json:"l1_loss"`
	PSNR      float64 `json:"psnr"`
}

// MaxPSNR stands in for the infinite PSNR of a pixel-perfect render wherever
// the value has to be JSON.
const MaxPSNR = 100.0

// CapPSNR clamps v to MaxPSNR.
func CapPSNR(v float64) float64 {
	if v > MaxPSNR {
		return MaxPSNR
	}
	return v
}

// MarshalJSON writes PSNR capped at MaxPSNR. The stored value is unchanged.
func (r TestRecord) MarshalJSON() ([]byte, error) {
	type plain TestRecord
	p := plain(r)
	p.PSNR = CapPSNR(p.PSNR)
	return json.Marshal(p)
}

func (r TestRecord) String() string {
	return fmt.Sprintf("[ITER %d] Evaluating %s: L1 %.6f PSNR %.4f", r.Iteration, r.Split, r.L1, r.PSNR)
}

// RunLog is a closed view of everything recorded for a run.
type RunLog struct {
	Run          Run                `json:"run"`
	Iterations   []IterationRecord  `json:"iterations"`
	Tests        []TestRecord       `json:"tests"`
	Calibrations []calibrate.Params `json:"calibrations,omitempty"`
}

// Final returns the last iteration record.
func (l *RunLog) Final() (IterationRecord, bool) {
	if len(l.Iterations) == 0 {
		return IterationRecord{}, false
	}
	return l.Iterations[len(l.Iterations)-1], true
}

// TestsFor returns test records of one split in iteration order.
func (l *RunLog) TestsFor(split string) []TestRecord {
	var out []TestRecord
	for _, r := range l.Tests {
		if r.Split == split {
			out = append(out, r)
		}
	}
	return out
}

// EventKind tags an Event.
type EventKind string

const (
	EventIteration EventKind = "iteration"
	EventTest      EventKind = "test"
	EventStatus    EventKind = "status"
)

// Event is one fan-out notification.
type Event struct {
	Kind      EventKind        `json:"kind"`
	RunID     string           `json:"run_id"`
	Iteration *IterationRecord `json:"iteration,omitempty"`
	Test      *TestRecord      `json:"test,omitempty"`
	Status    Status           `json:"status,omitempty"`
}
