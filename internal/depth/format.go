package depth

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"io/fs"
	"math"
	"path/filepath"

	"golang.org/x/image/tiff"

	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/security"
)

// Format is the pixel encoding of depth files on disk.
type Format string

const (
	// FormatPNG16 is a 16-bit grayscale PNG of integer depth counts.
	FormatPNG16 Format = "png16"
	// FormatRaw is little-endian float32 with a JSON sidecar for dimensions.
	FormatRaw Format = "raw"
	// FormatTIFF16 is a 16-bit grayscale TIFF of integer depth counts.
	FormatTIFF16 Format = "tiff16"
)

var (
	// ErrInvalidFormat marks a depth file that cannot be decoded as the
	// configured format.
	ErrInvalidFormat = errors.New("invalid depth format")
	// ErrNotFound marks an image without a depth estimate on disk.
	ErrNotFound = errors.New("depth estimate not found")
)

// ParseFormat validates a depth_format option.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatPNG16, FormatRaw, FormatTIFF16:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown format %q (want png16, raw or tiff16)", ErrInvalidFormat, s)
}

// Ext returns the file extension (with dot) used for the format.
func (f Format) Ext() string {
	switch f {
	case FormatPNG16:
		return ".png"
	case FormatTIFF16:
		return ".tiff"
	default:
		return ".raw"
	}
}

// RawHeader is the sidecar describing a raw float32 depth file.
type RawHeader struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DecodeGray16 decodes a 16-bit grayscale PNG or TIFF. Each count is
// multiplied by scale; zero counts are holes.
func DecodeGray16(r io.Reader, f Format, imageID string, scale float64, kind Kind) (*Map, error) {
	var (
		img image.Image
		err error
	)
	switch f {
	case FormatPNG16:
		img, err = png.Decode(r)
	case FormatTIFF16:
		img, err = tiff.Decode(r)
	default:
		return nil, fmt.Errorf("%w: %s is not a 16-bit raster format", ErrInvalidFormat, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFormat, imageID, err)
	}

	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected 16-bit grayscale, got %T", ErrInvalidFormat, imageID, img)
	}

	b := gray.Bounds()
	m := New(imageID, b.Dx(), b.Dy(), kind)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			count := gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			if count == 0 {
				m.Set(x, y, float32(math.NaN()))
				continue
			}
			m.Set(x, y, float32(float64(count)*scale))
		}
	}
	return m, nil
}

// DecodeRaw decodes little-endian float32 samples with known dimensions.
func DecodeRaw(data []byte, hdr RawHeader, imageID string, kind Kind) (*Map, error) {
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, fmt.Errorf("%w: %s: bad raw header %dx%d", ErrInvalidFormat, imageID, hdr.Width, hdr.Height)
	}
	want := hdr.Width * hdr.Height * 4
	if len(data) != want {
		return nil, fmt.Errorf("%w: %s: raw payload is %d bytes, want %d", ErrInvalidFormat, imageID, len(data), want)
	}
	m := New(imageID, hdr.Width, hdr.Height, kind)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, m.Data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFormat, imageID, err)
	}
	return m, nil
}

// Loader reads per-image depth estimates from a directory laid out as
// <Dir>/<image_id><ext>.
type Loader struct {
	FS     fsutil.FileSystem
	Dir    string
	Format Format
	Units  Units
	// Scale multiplies integer counts of png16/tiff16 files. Zero means 1.
	Scale float64
}

// Path returns where the estimate for imageID is expected.
func (l *Loader) Path(imageID string) string {
	return filepath.Join(l.Dir, imageID+l.Format.Ext())
}

// ErrBadImageID marks an image id that would resolve outside the depth
// directory.
var ErrBadImageID = errors.New("invalid image id")

// Load reads and validates the estimate for imageID.
func (l *Loader) Load(imageID string) (*Map, error) {
	fsys := l.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	base, err := security.JoinWithin(l.Dir, imageID)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadImageID, imageID, err)
	}
	path := base + l.Format.Ext()
	kind := l.Units.Kind()

	var m *Map
	switch l.Format {
	case FormatPNG16, FormatTIFF16:
		f, openErr := fsys.Open(path)
		if openErr != nil {
			return nil, notFound(imageID, path, openErr)
		}
		defer f.Close()
		scale := l.Scale
		if scale == 0 {
			scale = 1
		}
		m, err = DecodeGray16(f, l.Format, imageID, scale, kind)
	case FormatRaw:
		data, readErr := fsys.ReadFile(path)
		if readErr != nil {
			return nil, notFound(imageID, path, readErr)
		}
		var hdr RawHeader
		sidecar := path[:len(path)-len(filepath.Ext(path))] + ".json"
		hdrData, hdrErr := fsys.ReadFile(sidecar)
		if hdrErr != nil {
			return nil, fmt.Errorf("%w: %s: missing raw sidecar %s: %v", ErrInvalidFormat, imageID, sidecar, hdrErr)
		}
		if jsonErr := json.Unmarshal(hdrData, &hdr); jsonErr != nil {
			return nil, fmt.Errorf("%w: %s: bad raw sidecar: %v", ErrInvalidFormat, imageID, jsonErr)
		}
		m, err = DecodeRaw(data, hdr, imageID, kind)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidFormat, l.Format)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Check(); err != nil {
		return nil, err
	}
	return m, nil
}

func notFound(imageID, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s (%s)", ErrNotFound, imageID, path)
	}
	return fmt.Errorf("open depth for %s: %w", imageID, err)
}
