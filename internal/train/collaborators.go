package train

import (
	"context"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/loss"
	"github.com/banshee-data/splatdepth/internal/metrics"
)

// View is one posed image of the scene. Camera parameters stay with the
// scene loader; the core only needs the identifier and the reference image.
type View struct {
	ImageID string
	Image   loss.Image
}

// Scene is the read-only dataset a run trains on.
type Scene interface {
	TrainViews() []View
	// TestViews are held out from training. May be empty.
	TestViews() []View
}

// Render is what the rasterizer produces for one view.
type Render struct {
	Image loss.Image
	// Depth is the rendered depth in meters. Required when supervision is
	// enabled.
	Depth *depth.Map
}

// Renderer rasterizes the current model from a view's camera. Returning an
// error that wraps ErrSkipView skips the view for this iteration.
type Renderer interface {
	Render(ctx context.Context, v View) (Render, error)
}

// Model is the Gaussian-primitive optimizer.
type Model interface {
	// Step applies the gradient of the composed loss.
	Step(ctx context.Context, iteration int, b loss.Breakdown) error
	// Densify runs one densification and pruning pass.
	Densify(ctx context.Context, iteration int) error
	GaussianCount() int
	// Snapshot persists the current model.
	Snapshot(ctx context.Context, iteration int) error
}

// DepthSource supplies per-image depth estimates. *depth.Loader implements it.
type DepthSource interface {
	Load(imageID string) (*depth.Map, error)
}

// ReferenceSource supplies projected scene points for calibration.
type ReferenceSource interface {
	Points(imageID string) ([]calibrate.ReferencePoint, error)
}

// ReferenceTable is an in-memory ReferenceSource, e.g. from
// calibrate.LoadReferencePoints.
type ReferenceTable map[string][]calibrate.ReferencePoint

// Points returns the points for imageID; unknown images have none.
func (t ReferenceTable) Points(imageID string) ([]calibrate.ReferencePoint, error) {
	return t[imageID], nil
}

// Recorder is the append-only sink for a run. *metrics.Logger implements it.
type Recorder interface {
	RecordIteration(metrics.IterationRecord) error
	RecordTest(metrics.TestRecord) error
	RecordCalibrations(map[string]calibrate.Params) error
	Finish(status metrics.Status, cause error) error
}
