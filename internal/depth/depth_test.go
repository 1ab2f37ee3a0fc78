package depth

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/banshee-data/splatdepth/internal/fsutil"
)

func gray16(w, h int, counts []uint16) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i, c := range counts {
		img.SetGray16(i%w, i/w, color.Gray16{Y: c})
	}
	return img
}

func TestParseUnits(t *testing.T) {
	for _, s := range []string{"relative", "meters", "millimeters"} {
		u, err := ParseUnits(s)
		require.NoError(t, err)
		assert.Equal(t, Units(s), u)
	}
	_, err := ParseUnits("feet")
	assert.ErrorIs(t, err, ErrUnknownUnits)

	assert.Equal(t, KindRelative, UnitsRelative.Kind())
	assert.Equal(t, KindMetric, UnitsMillimeters.Kind())
	assert.InDelta(t, 1e-3, UnitsMillimeters.MetersPerUnit(), 1e-12)
	assert.InDelta(t, 1.0, UnitsMeters.MetersPerUnit(), 1e-12)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("tiff16")
	require.NoError(t, err)
	assert.Equal(t, ".tiff", f.Ext())

	_, err = ParseFormat("exr")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(0.5))
	assert.False(t, IsValid(0))
	assert.False(t, IsValid(-1))
	assert.False(t, IsValid(math.NaN()))
	assert.False(t, IsValid(math.Inf(1)))
}

func TestMapCheck(t *testing.T) {
	m := New("a", 2, 2, KindRelative)
	assert.ErrorIs(t, m.Check(), ErrInvalidFormat, "all-zero map has no valid pixels")

	m.Set(1, 1, 3)
	require.NoError(t, m.Check())
	assert.Equal(t, 1, m.ValidCount())
	assert.Equal(t, float32(3), m.At(1, 1))

	m.Data = m.Data[:3]
	assert.ErrorIs(t, m.Check(), ErrInvalidFormat)
}

func TestLoaderPNG16(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gray16(3, 2, []uint16{0, 1000, 2000, 3000, 4000, 65535})))

	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/depth/img_01.png", buf.Bytes())

	l := &Loader{FS: mfs, Dir: "/depth", Format: FormatPNG16, Units: UnitsMillimeters}
	m, err := l.Load("img_01")
	require.NoError(t, err)

	assert.Equal(t, 3, m.Width)
	assert.Equal(t, 2, m.Height)
	assert.Equal(t, KindMetric, m.Kind)
	assert.True(t, math.IsNaN(float64(m.At(0, 0))), "zero count is a hole")
	assert.InDelta(t, 1000, m.At(1, 0), 1e-3)
	assert.InDelta(t, 65535, m.At(2, 1), 1e-3)
	assert.Equal(t, 5, m.ValidCount())
}

func TestLoaderTIFF16Scale(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, gray16(2, 2, []uint16{10, 20, 30, 40}), nil))

	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/d/view.tiff", buf.Bytes())

	l := &Loader{FS: mfs, Dir: "/d", Format: FormatTIFF16, Units: UnitsRelative, Scale: 0.5}
	m, err := l.Load("view")
	require.NoError(t, err)
	assert.Equal(t, KindRelative, m.Kind)
	assert.Equal(t, []float32{5, 10, 15, 20}, m.Data)
}

func TestLoaderRaw(t *testing.T) {
	values := []float32{1.5, 0, float32(math.NaN()), 4}
	var payload bytes.Buffer
	require.NoError(t, binary.Write(&payload, binary.LittleEndian, values))

	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/d/v.raw", payload.Bytes())
	mfs.WriteFile("/d/v.json", []byte(`{"width":2,"height":2}`))

	l := &Loader{FS: mfs, Dir: "/d", Format: FormatRaw, Units: UnitsMeters}
	m, err := l.Load("v")
	require.NoError(t, err)
	assert.Equal(t, 2, m.ValidCount())
	assert.Equal(t, float32(1.5), m.At(0, 0))
	assert.Equal(t, float32(4), m.At(1, 1))
}

func TestLoaderErrors(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/d/garbage.png", []byte("not a png"))
	mfs.WriteFile("/d/short.raw", []byte{0, 0, 128, 63})
	mfs.WriteFile("/d/short.json", []byte(`{"width":2,"height":2}`))
	mfs.WriteFile("/d/nosidecar.raw", []byte{0, 0, 128, 63})

	var rgba bytes.Buffer
	require.NoError(t, png.Encode(&rgba, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	mfs.WriteFile("/d/color.png", rgba.Bytes())

	pngLoader := &Loader{FS: mfs, Dir: "/d", Format: FormatPNG16, Units: UnitsRelative}
	rawLoader := &Loader{FS: mfs, Dir: "/d", Format: FormatRaw, Units: UnitsRelative}

	tests := []struct {
		name    string
		loader  *Loader
		imageID string
		want    error
	}{
		{"missing file", pngLoader, "absent", ErrNotFound},
		{"corrupt png", pngLoader, "garbage", ErrInvalidFormat},
		{"not grayscale", pngLoader, "color", ErrInvalidFormat},
		{"raw size mismatch", rawLoader, "short", ErrInvalidFormat},
		{"raw without sidecar", rawLoader, "nosidecar", ErrInvalidFormat},
		{"traversal", pngLoader, "../etc/shadow", ErrBadImageID},
		{"empty id", rawLoader, "", ErrBadImageID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.loader.Load(tt.imageID)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
