package loss

import (
	"fmt"
	"math"
)

// Image is a float RGB(A) raster in height-width-channel order with values
// nominally in [0, 1].
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// NewImage allocates a black image.
func NewImage(width, height, channels int) Image {
	return Image{Width: width, Height: height, Channels: channels, Pix: make([]float32, width*height*channels)}
}

// At returns channel c of pixel (x, y).
func (im Image) At(x, y, c int) float32 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set writes channel c of pixel (x, y).
func (im Image) Set(x, y, c int, v float32) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Fill sets every sample to v.
func (im Image) Fill(v float32) {
	for i := range im.Pix {
		im.Pix[i] = v
	}
}

func (im Image) sameShape(o Image) error {
	if im.Width != o.Width || im.Height != o.Height || im.Channels != o.Channels {
		return fmt.Errorf("%w: image %dx%dx%d vs %dx%dx%d", ErrShapeMismatch,
			im.Width, im.Height, im.Channels, o.Width, o.Height, o.Channels)
	}
	if len(im.Pix) != im.Width*im.Height*im.Channels || len(o.Pix) != len(im.Pix) || len(im.Pix) == 0 {
		return fmt.Errorf("%w: pixel buffer length", ErrShapeMismatch)
	}
	return nil
}

// MeanAbsError is the mean per-sample |a-b|.
func MeanAbsError(a, b Image) (float64, error) {
	if err := a.sameShape(b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a.Pix {
		sum += math.Abs(float64(a.Pix[i]) - float64(b.Pix[i]))
	}
	return sum / float64(len(a.Pix)), nil
}

// PSNR is 20·log10(1/√MSE) for images in [0, 1]. Identical images give +Inf.
func PSNR(a, b Image) (float64, error) {
	if err := a.sameShape(b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a.Pix {
		d := float64(a.Pix[i]) - float64(b.Pix[i])
		sum += d * d
	}
	mse := sum / float64(len(a.Pix))
	return 20 * math.Log10(1/math.Sqrt(mse)), nil
}

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

var ssimKernel = gaussianKernel(ssimWindow, ssimSigma)

func gaussianKernel(size int, sigma float64) []float64 {
	k := make([]float64, size)
	var sum float64
	for i := range k {
		d := float64(i - size/2)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blur convolves a single-channel plane with the separable SSIM window,
// treating samples outside the image as zero.
func blur(src []float64, w, h int) []float64 {
	r := len(ssimKernel) / 2
	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range ssimKernel {
				xx := x + k - r
				if xx >= 0 && xx < w {
					acc += kv * src[y*w+xx]
				}
			}
			tmp[y*w+x] = acc
		}
	}
	out := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range ssimKernel {
				yy := y + k - r
				if yy >= 0 && yy < h {
					acc += kv * tmp[yy*w+x]
				}
			}
			out[y*w+x] = acc
		}
	}
	return out
}

// SSIM is the mean structural similarity over all pixels and channels using
// an 11×11 Gaussian window (σ = 1.5) with zero padding.
func SSIM(a, b Image) (float64, error) {
	if err := a.sameShape(b); err != nil {
		return 0, err
	}
	w, h, n := a.Width, a.Height, a.Width*a.Height
	x := make([]float64, n)
	y := make([]float64, n)
	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)

	var total float64
	for c := 0; c < a.Channels; c++ {
		for i := 0; i < n; i++ {
			av := float64(a.Pix[i*a.Channels+c])
			bv := float64(b.Pix[i*b.Channels+c])
			x[i], y[i] = av, bv
			xx[i], yy[i], xy[i] = av*av, bv*bv, av*bv
		}
		mx, my := blur(x, w, h), blur(y, w, h)
		sxx, syy, sxy := blur(xx, w, h), blur(yy, w, h), blur(xy, w, h)
		for i := 0; i < n; i++ {
			mx2, my2, mxy := mx[i]*mx[i], my[i]*my[i], mx[i]*my[i]
			vx, vy, cov := sxx[i]-mx2, syy[i]-my2, sxy[i]-mxy
			total += ((2*mxy + ssimC1) * (2*cov + ssimC2)) /
				((mx2 + my2 + ssimC1) * (vx + vy + ssimC2))
		}
	}
	return total / float64(n*a.Channels), nil
}
