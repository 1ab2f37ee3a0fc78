// Package depth models single-channel depth rasters aligned to training
// images and decodes them from the on-disk formats the training core accepts.
//
// A pixel is valid when it is finite and strictly positive; everything else
// (zero fill, NaN, negative sentinels) marks a hole in the estimate.
package depth

import (
	"errors"
	"fmt"
	"math"
)

// Kind tags whether a map is known only up to an affine transform or is
// already expressed in physical units.
type Kind int

const (
	KindRelative Kind = iota
	KindMetric
)

func (k Kind) String() string {
	switch k {
	case KindRelative:
		return "relative"
	case KindMetric:
		return "metric"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Units names the unit of stored depth values.
type Units string

const (
	UnitsRelative    Units = "relative"
	UnitsMeters      Units = "meters"
	UnitsMillimeters Units = "millimeters"
)

// ErrUnknownUnits is returned by ParseUnits for unsupported unit names.
var ErrUnknownUnits = errors.New("unknown depth units")

// ParseUnits validates a depth_units option.
func ParseUnits(s string) (Units, error) {
	switch u := Units(s); u {
	case UnitsRelative, UnitsMeters, UnitsMillimeters:
		return u, nil
	}
	return "", fmt.Errorf("%w %q (want relative, meters or millimeters)", ErrUnknownUnits, s)
}

// Metric reports whether values in these units carry physical scale.
func (u Units) Metric() bool {
	return u == UnitsMeters || u == UnitsMillimeters
}

// Kind returns the map kind implied by the units.
func (u Units) Kind() Kind {
	if u.Metric() {
		return KindMetric
	}
	return KindRelative
}

// MetersPerUnit is the factor converting a stored value to meters. Relative
// depth has no physical scale and converts with factor 1.
func (u Units) MetersPerUnit() float64 {
	if u == UnitsMillimeters {
		return 1e-3
	}
	return 1
}

// Map is a depth raster stored row-major.
type Map struct {
	ImageID string
	Width   int
	Height  int
	Kind    Kind
	Data    []float32
}

// New allocates a zero-filled (entirely invalid) map.
func New(imageID string, width, height int, kind Kind) *Map {
	return &Map{
		ImageID: imageID,
		Width:   width,
		Height:  height,
		Kind:    kind,
		Data:    make([]float32, width*height),
	}
}

// At returns the value at pixel (x, y).
func (m *Map) At(x, y int) float32 {
	return m.Data[y*m.Width+x]
}

// Set stores v at pixel (x, y).
func (m *Map) Set(x, y int, v float32) {
	m.Data[y*m.Width+x] = v
}

// Inside reports whether (x, y) addresses a pixel of the map.
func (m *Map) Inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// SameShape reports whether both maps cover the same pixel grid.
func (m *Map) SameShape(o *Map) bool {
	return o != nil && m.Width == o.Width && m.Height == o.Height
}

// ValidCount counts valid pixels.
func (m *Map) ValidCount() int {
	n := 0
	for _, v := range m.Data {
		if IsValid(float64(v)) {
			n++
		}
	}
	return n
}

// Check verifies the buffer matches the declared dimensions and that the map
// has at least one valid pixel.
func (m *Map) Check() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: %s has non-positive size %dx%d", ErrInvalidFormat, m.ImageID, m.Width, m.Height)
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("%w: %s has %d values for %dx%d", ErrInvalidFormat, m.ImageID, len(m.Data), m.Width, m.Height)
	}
	if m.ValidCount() == 0 {
		return fmt.Errorf("%w: %s has no valid pixels", ErrInvalidFormat, m.ImageID)
	}
	return nil
}

// IsValid reports whether a depth value is usable.
func IsValid(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
