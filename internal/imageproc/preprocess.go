package imageproc

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Preprocessor normalizes uploads before inference.
type Preprocessor struct {
	// Bound caps both dimensions in pixels.
	Bound int
}

// NewPreprocessor returns a Preprocessor capped at bound pixels.
func NewPreprocessor(bound int) *Preprocessor {
	return &Preprocessor{Bound: bound}
}

// Normalize decodes data, flattens it to opaque RGB, downscales it to fit
// inside Bound×Bound keeping the aspect ratio and re-encodes it as PNG.
func (p *Preprocessor) Normalize(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &FormatError{Err: err}
	}

	out := p.Fit(toOpaqueRGBA(img))

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fit downscales img so its longest side is at most Bound. Images already
// inside the bound are returned untouched. The short side is rounded to the
// nearest pixel, so 2000x999 becomes 500x250.
func (p *Preprocessor) Fit(img image.Image) image.Image {
	if p.Bound <= 0 {
		return img
	}
	w, h := FitSize(img.Bounds().Dx(), img.Bounds().Dy(), p.Bound)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
}

// FitSize returns the dimensions of a w×h image scaled to fit bound×bound.
func FitSize(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		return bound, max(1, int(math.Round(float64(h)*float64(bound)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(bound)/float64(h)))), bound
}

// toOpaqueRGBA converts any color model to RGBA with alpha discarded, the
// same result as dropping the alpha plane of a non-premultiplied image.
func toOpaqueRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)

	dst := image.NewRGBA(nrgba.Bounds())
	for i := 0; i < len(nrgba.Pix); i += 4 {
		dst.Pix[i] = nrgba.Pix[i]
		dst.Pix[i+1] = nrgba.Pix[i+1]
		dst.Pix[i+2] = nrgba.Pix[i+2]
		dst.Pix[i+3] = 0xff
	}
	return dst
}
