package train

import (
	"errors"
	"fmt"

	"github.com/banshee-data/splatdepth/internal/depth"
)

// State is the scheduler's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateTesting
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateTesting:
		return "testing"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

var (
	// ErrMissingDepthData means a supervised run lacks an estimate for a
	// training view.
	ErrMissingDepthData = errors.New("missing depth data")
	// ErrInvalidDepthFormat means an estimate could not be decoded or has
	// the wrong kind for the supervision mode.
	ErrInvalidDepthFormat = depth.ErrInvalidFormat
	// ErrTrainingDiverged means the loss stayed non-finite for longer than
	// the configured tolerance.
	ErrTrainingDiverged = errors.New("training diverged")
	// ErrSkipView may be wrapped by a Renderer to skip one view.
	ErrSkipView = errors.New("skip view")
)

// DivergedError carries where divergence was detected.
type DivergedError struct {
	Iteration   int
	Consecutive int
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("%v at iteration %d after %d consecutive non-finite losses",
		ErrTrainingDiverged, e.Iteration, e.Consecutive)
}

func (e *DivergedError) Unwrap() error { return ErrTrainingDiverged }
