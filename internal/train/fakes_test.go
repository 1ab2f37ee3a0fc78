package train

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/loss"
	"github.com/banshee-data/splatdepth/internal/metrics"
)

const (
	imgW, imgH = 8, 6
)

type fakeScene struct {
	train, test []View
}

func (s fakeScene) TrainViews() []View { return s.train }
func (s fakeScene) TestViews() []View  { return s.test }

func newScene(nTrain, nTest int) fakeScene {
	mk := func(prefix string, i int) View {
		im := loss.NewImage(imgW, imgH, 3)
		for p := range im.Pix {
			im.Pix[p] = float32((p+i)%7) / 10
		}
		return View{ImageID: fmt.Sprintf("%s_%03d", prefix, i), Image: im}
	}
	var s fakeScene
	for i := 0; i < nTrain; i++ {
		s.train = append(s.train, mk("train", i))
	}
	for i := 0; i < nTest; i++ {
		s.test = append(s.test, mk("test", i))
	}
	return s
}

// fakeRenderer returns the reference image brightened by a fixed amount and
// a constant depth. Hooks let tests inject failures per call.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	seen  []string
	depth float32
	// fail is consulted with the 1-based call number.
	fail func(call int, v View) error
	// poison makes the rendered image NaN for the given call.
	poison func(call int) bool
}

func (r *fakeRenderer) Render(_ context.Context, v View) (Render, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.seen = append(r.seen, v.ImageID)
	r.mu.Unlock()

	if r.fail != nil {
		if err := r.fail(call, v); err != nil {
			return Render{}, err
		}
	}
	im := loss.NewImage(v.Image.Width, v.Image.Height, v.Image.Channels)
	for i, p := range v.Image.Pix {
		im.Pix[i] = p + 0.05
	}
	if r.poison != nil && r.poison(call) {
		im.Pix[0] = float32(math.NaN())
	}
	d := depth.New(v.ImageID, imgW, imgH, depth.KindMetric)
	for i := range d.Data {
		d.Data[i] = r.depth
	}
	return Render{Image: im, Depth: d}, nil
}

type fakeModel struct {
	steps     []int
	densified []int
	snapshots []int
	gaussians int
	stepErr   error
}

func (m *fakeModel) Step(_ context.Context, it int, b loss.Breakdown) error {
	if m.stepErr != nil {
		return m.stepErr
	}
	m.steps = append(m.steps, it)
	return nil
}

func (m *fakeModel) Densify(_ context.Context, it int) error {
	m.densified = append(m.densified, it)
	m.gaussians += 100
	return nil
}

func (m *fakeModel) GaussianCount() int { return m.gaussians }

func (m *fakeModel) Snapshot(_ context.Context, it int) error {
	m.snapshots = append(m.snapshots, it)
	return nil
}

// memRecorder keeps everything in memory.
type memRecorder struct {
	iterations []metrics.IterationRecord
	tests      []metrics.TestRecord
	calib      map[string]calibrate.Params
	status     metrics.Status
	cause      error
}

func (r *memRecorder) RecordIteration(rec metrics.IterationRecord) error {
	r.iterations = append(r.iterations, rec)
	return nil
}

func (r *memRecorder) RecordTest(rec metrics.TestRecord) error {
	r.tests = append(r.tests, rec)
	return nil
}

func (r *memRecorder) RecordCalibrations(p map[string]calibrate.Params) error {
	r.calib = p
	return nil
}

func (r *memRecorder) Finish(status metrics.Status, cause error) error {
	r.status, r.cause = status, cause
	return nil
}

// mapDepth is an in-memory DepthSource.
type mapDepth map[string]*depth.Map

func (m mapDepth) Load(id string) (*depth.Map, error) {
	d, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", depth.ErrNotFound, id)
	}
	return d, nil
}

// relativeDepth builds a ramp estimate per view plus reference points that
// map it through 2·v + 0.5.
func relativeDepth(views []View) (mapDepth, ReferenceTable) {
	maps := mapDepth{}
	refs := ReferenceTable{}
	for _, v := range views {
		m := depth.New(v.ImageID, imgW, imgH, depth.KindRelative)
		for y := 0; y < imgH; y++ {
			for x := 0; x < imgW; x++ {
				m.Set(x, y, float32(0.5+0.1*float64(x)+0.2*float64(y)))
			}
		}
		maps[v.ImageID] = m
		for _, p := range [][2]int{{0, 0}, {7, 5}, {3, 2}} {
			val := float64(m.At(p[0], p[1]))
			refs[v.ImageID] = append(refs[v.ImageID], calibrate.ReferencePoint{
				U: float64(p[0]) + 0.5, V: float64(p[1]) + 0.5, Depth: 2*val + 0.5,
			})
		}
	}
	return maps, refs
}
