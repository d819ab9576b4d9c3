package segmenter

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// ImageNet statistics used by the U²-Net family.
var (
	normMean = [3]float32{0.485, 0.456, 0.406}
	normStd  = [3]float32{0.229, 0.224, 0.225}
)

// inputTensor resizes img to size×size and writes it planar (CHW) into dst,
// scaled by the brightest channel value and normalized with normMean/normStd.
func inputTensor(img image.Image, size int, dst []float32) {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	rgba := toNRGBA(resized)

	plane := size * size
	maxVal := float32(0)
	for i := 0; i < len(rgba.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			if v := float32(rgba.Pix[i+c]); v > maxVal {
				maxVal = v
			}
		}
	}
	if maxVal < 1e-6 {
		maxVal = 1e-6
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := y*rgba.Stride + x*4
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(rgba.Pix[off+c]) / maxVal
				dst[c*plane+idx] = (v - normMean[c]) / normStd[c]
			}
		}
	}
}

// maskFromPrediction min-max normalizes the first size×size prediction plane
// into an 8-bit mask.
func maskFromPrediction(pred []float32, size int) *image.Gray {
	plane := pred[:size*size]
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range plane {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	mask := image.NewGray(image.Rect(0, 0, size, size))
	for i, v := range plane {
		n := float32(0)
		if span > 0 {
			n = (v - lo) / span
		}
		mask.Pix[i] = uint8(math.Round(float64(n) * 255))
	}
	return mask
}

// cutout uses mask, stretched to the image size, as the alpha channel of img.
func cutout(img image.Image, mask *image.Gray) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if mask.Bounds().Dx() != w || mask.Bounds().Dy() != h {
		mask = resize.Resize(uint(w), uint(h), mask, resize.Lanczos3).(*image.Gray)
	}

	src := toNRGBA(img)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := src.Pix[y*src.Stride+x*4 : y*src.Stride+x*4+3]
			a := mask.GrayAt(x, y).Y
			out.SetNRGBA(x, y, color.NRGBA{R: s[0], G: s[1], B: s[2], A: a})
		}
	}
	return out
}

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
