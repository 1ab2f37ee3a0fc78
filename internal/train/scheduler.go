// Package train drives the optimization loop of a depth-supervised
// Gaussian-splat run.
//
// The Scheduler is a state machine:
//
//	Initializing → Running ⇄ Testing → Finished
//	       ↘           ↘
//	        Aborted     Aborted
//
// Every iteration's render, loss and model step complete before the next one
// starts. A run can only be stopped between iterations.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/loss"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/monitoring"
	"github.com/banshee-data/splatdepth/internal/timeutil"
)

var logf = monitoring.Prefixed("train")

// Deps are the collaborators a run needs. Depth and References are only
// consulted when supervision is enabled (References only in weak mode).
type Deps struct {
	Scene      Scene
	Renderer   Renderer
	Model      Model
	Depth      DepthSource
	References ReferenceSource
	Recorder   Recorder
	// Rand drives view sampling. Nil seeds from the clock.
	Rand  *rand.Rand
	Clock timeutil.Clock
}

// Summary describes a completed or aborted run.
type Summary struct {
	State State
	// LastIteration is the last iteration that was attempted.
	LastIteration int
	Records       int
	Tests         int
	Skipped       int
	NonFinite     int
	Snapshots     []int
	Elapsed       time.Duration
}

// Scheduler runs one training run. It is not reusable.
type Scheduler struct {
	cfg  Config
	deps Deps

	state atomic.Int32

	composer *loss.Composer
	targets  map[string]*depth.Map
	views    []View
	stack    []int
	tests    map[int]bool
	saves    map[int]bool
	start    time.Time
	summary  Summary
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scene == nil || deps.Renderer == nil || deps.Model == nil || deps.Recorder == nil {
		return nil, errors.New("scene, renderer, model and recorder are required")
	}
	mode := cfg.Supervision.Mode
	if mode != loss.ModeNone && deps.Depth == nil {
		return nil, fmt.Errorf("%v supervision needs a depth source", mode)
	}
	if mode == loss.ModeWeak && deps.References == nil {
		return nil, errors.New("weak supervision needs reference points for calibration")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Rand == nil {
		seed := uint64(deps.Clock.Now().UnixNano())
		deps.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Scheduler{
		cfg:   cfg,
		deps:  deps,
		tests: iterationSet(cfg.TestIterations),
		saves: iterationSet(cfg.SaveIterations),
	}, nil
}

// State is safe to call from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes the whole schedule. The returned Summary is valid even when
// err is non-nil.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateInitializing)) {
		return s.summary, errors.New("scheduler already used")
	}
	s.start = s.deps.Clock.Now()

	if err := s.initialize(ctx); err != nil {
		return s.abort(fmt.Errorf("initialize: %w", err))
	}
	s.setState(StateRunning)
	logf("training %d views for %d iterations (%v supervision)", len(s.views), s.cfg.Iterations, s.cfg.Supervision.Mode)

	consecutive := 0
	for it := 1; it <= s.cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			logf("stopped before iteration %d: %v", it, err)
			return s.abort(err)
		}
		s.summary.LastIteration = it

		finite, err := s.iterate(ctx, it)
		if err != nil {
			return s.abort(err)
		}
		if finite {
			consecutive = 0
		} else {
			consecutive++
			s.summary.NonFinite++
			if consecutive > s.cfg.DivergenceTolerance {
				return s.abort(&DivergedError{Iteration: it, Consecutive: consecutive})
			}
		}

		// A skipped step still owes its scheduled evaluation and snapshot.
		if s.tests[it] {
			s.setState(StateTesting)
			if err := s.evaluate(ctx, it); err != nil {
				return s.abort(err)
			}
			s.setState(StateRunning)
		}
		if s.saves[it] {
			if err := s.snapshot(ctx, it); err != nil {
				return s.abort(err)
			}
		}
	}

	if n := len(s.summary.Snapshots); n == 0 || s.summary.Snapshots[n-1] != s.cfg.Iterations {
		if err := s.snapshot(ctx, s.cfg.Iterations); err != nil {
			return s.abort(err)
		}
	}
	s.setState(StateFinished)
	s.summary.State = StateFinished
	s.summary.Elapsed = s.deps.Clock.Since(s.start)
	if err := s.deps.Recorder.Finish(metrics.StatusFinished, nil); err != nil {
		return s.summary, fmt.Errorf("finish run: %w", err)
	}
	logf("finished %d iterations in %v (%d skipped)", s.cfg.Iterations, s.summary.Elapsed, s.summary.Skipped)
	return s.summary, nil
}

func (s *Scheduler) abort(cause error) (Summary, error) {
	s.setState(StateAborted)
	s.summary.State = StateAborted
	s.summary.Elapsed = s.deps.Clock.Since(s.start)
	logf("aborted: %v", cause)
	if err := s.deps.Recorder.Finish(metrics.StatusAborted, cause); err != nil {
		logf("failed to close aborted run: %v", err)
	}
	return s.summary, cause
}

// initialize loads depth for every training view and calibrates it.
func (s *Scheduler) initialize(ctx context.Context) error {
	s.views = s.deps.Scene.TrainViews()
	if len(s.views) == 0 {
		return errors.New("scene has no training views")
	}

	sup := s.cfg.Supervision
	var calib map[string]calibrate.Params
	if sup.Mode != loss.ModeNone {
		s.targets = make(map[string]*depth.Map, len(s.views))
		wantKind := sup.Units.Kind()
		for _, v := range s.views {
			m, err := s.deps.Depth.Load(v.ImageID)
			switch {
			case errors.Is(err, depth.ErrNotFound):
				return fmt.Errorf("%w: %s: %v", ErrMissingDepthData, v.ImageID, err)
			case err != nil:
				return fmt.Errorf("load depth for %s: %w", v.ImageID, err)
			case m == nil:
				return fmt.Errorf("%w: %s", ErrMissingDepthData, v.ImageID)
			case m.Kind != wantKind:
				return fmt.Errorf("%w: %s is %v depth, %v supervision needs %v",
					ErrInvalidDepthFormat, v.ImageID, m.Kind, sup.Mode, wantKind)
			}
			s.targets[v.ImageID] = m
		}
		logf("loaded %d depth estimates", len(s.targets))
	}

	switch sup.Mode {
	case loss.ModeWeak:
		refs := make(map[string][]calibrate.ReferencePoint, len(s.views))
		for _, v := range s.views {
			pts, err := s.deps.References.Points(v.ImageID)
			if err != nil {
				return fmt.Errorf("reference points for %s: %w", v.ImageID, err)
			}
			refs[v.ImageID] = pts
		}
		var err error
		if calib, err = calibrate.CalibrateAll(ctx, s.targets, refs, s.cfg.CalibrationWorkers); err != nil {
			return err
		}
	case loss.ModeStrong:
		calib = make(map[string]calibrate.Params, len(s.targets))
		for id := range s.targets {
			calib[id] = calibrate.Identity(id)
		}
	}
	if len(calib) > 0 {
		if err := s.deps.Recorder.RecordCalibrations(calib); err != nil {
			return err
		}
	}

	composer, err := loss.NewComposer(sup, calib)
	if err != nil {
		return err
	}
	s.composer = composer
	return nil
}

// sample pops the next view from a shuffled stack, reshuffling when empty.
func (s *Scheduler) sample() View {
	if len(s.stack) == 0 {
		s.stack = s.deps.Rand.Perm(len(s.views))
	}
	i := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return s.views[i]
}

func recoverable(err error) bool {
	return errors.Is(err, ErrSkipView) || errors.Is(err, loss.ErrShapeMismatch) || errors.Is(err, loss.ErrNoValidDepth)
}

// iterate runs one render → loss → step → record cycle. It reports false
// when the loss was non-finite and nothing was committed.
func (s *Scheduler) iterate(ctx context.Context, it int) (bool, error) {
	view := s.sample()

	r, err := s.deps.Renderer.Render(ctx, view)
	if err == nil {
		var b loss.Breakdown
		b, err = s.composer.Compute(loss.Inputs{
			Rendered:      r.Image,
			Reference:     view.Image,
			RenderedDepth: r.Depth,
			Target:        s.targets[view.ImageID],
			Iteration:     it,
		})
		if err == nil {
			return s.commit(ctx, it, view, b)
		}
	}
	if recoverable(err) {
		s.summary.Skipped++
		logf("[ITER %d] skipping %s: %v", it, view.ImageID, err)
		return true, nil
	}
	return false, fmt.Errorf("iteration %d view %s: %w", it, view.ImageID, err)
}

func (s *Scheduler) commit(ctx context.Context, it int, view View, b loss.Breakdown) (bool, error) {
	if math.IsNaN(b.Total) || math.IsInf(b.Total, 0) {
		logf("[ITER %d] non-finite loss on %s (photometric %v depth %v)", it, view.ImageID, b.Photometric, b.Depth)
		return false, nil
	}
	if err := s.deps.Model.Step(ctx, it, b); err != nil {
		return false, fmt.Errorf("model step at iteration %d: %w", it, err)
	}
	if s.cfg.Densify.Due(it) {
		if err := s.deps.Model.Densify(ctx, it); err != nil {
			return false, fmt.Errorf("densify at iteration %d: %w", it, err)
		}
	}

	rec := metrics.IterationRecord{
		Iteration:     it,
		L1:            b.L1,
		Photometric:   b.Photometric,
		Total:         b.Total,
		GaussianCount: s.deps.Model.GaussianCount(),
		WallTime:      s.deps.Clock.Since(s.start),
	}
	if b.HasDepth {
		d := b.Depth
		rec.Depth = &d
	}
	if err := s.deps.Recorder.RecordIteration(rec); err != nil {
		return false, err
	}
	s.summary.Records++

	if s.cfg.LogInterval > 0 && it%s.cfg.LogInterval == 0 {
		logf("[ITER %d] loss %.6f l1 %.6f gaussians %d", it, rec.Total, rec.L1, rec.GaussianCount)
	}
	return true, nil
}

// trainEvalViews mirrors the usual 3DGS report: five training views at
// indices 5, 10, ..., 25 (wrapping).
func (s *Scheduler) trainEvalViews() []View {
	out := make([]View, 0, 5)
	for idx := 5; idx < 30; idx += 5 {
		out = append(out, s.views[idx%len(s.views)])
	}
	return out
}

func (s *Scheduler) evaluate(ctx context.Context, it int) error {
	splits := []struct {
		name  string
		views []View
	}{
		{metrics.SplitTest, s.deps.Scene.TestViews()},
		{metrics.SplitTrain, s.trainEvalViews()},
	}
	for _, sp := range splits {
		var l1, psnr float64
		n := 0
		for _, v := range sp.views {
			r, err := s.deps.Renderer.Render(ctx, v)
			if errors.Is(err, ErrSkipView) {
				continue
			}
			if err != nil {
				return fmt.Errorf("evaluate %s at iteration %d: %w", v.ImageID, it, err)
			}
			vl1, err := loss.MeanAbsError(r.Image, v.Image)
			if err != nil {
				logf("[ITER %d] skipping %s in %s evaluation: %v", it, v.ImageID, sp.name, err)
				continue
			}
			vpsnr, _ := loss.PSNR(r.Image, v.Image)
			// +Inf PSNR is a perfect render and is kept.
			if math.IsNaN(vl1) || math.IsInf(vl1, 0) || math.IsNaN(vpsnr) || math.IsInf(vpsnr, -1) {
				s.summary.Skipped++
				logf("[ITER %d] skipping %s in %s evaluation: non-finite l1 %v psnr %v", it, v.ImageID, sp.name, vl1, vpsnr)
				continue
			}
			l1 += vl1
			psnr += vpsnr
			n++
		}
		if n == 0 {
			continue
		}
		rec := metrics.TestRecord{Iteration: it, Split: sp.name, L1: l1 / float64(n), PSNR: psnr / float64(n)}
		if err := s.deps.Recorder.RecordTest(rec); err != nil {
			return err
		}
		s.summary.Tests++
		logf("%v", rec)
	}
	return nil
}

func (s *Scheduler) snapshot(ctx context.Context, it int) error {
	if err := s.deps.Model.Snapshot(ctx, it); err != nil {
		return fmt.Errorf("snapshot at iteration %d: %w", it, err)
	}
	s.summary.Snapshots = append(s.summary.Snapshots, it)
	logf("[ITER %d] saved snapshot", it)
	return nil
}
