package densecrf

import (
	"image"

	"github.com/viamrobotics/densecrf/utils"
)

// Feature dimensionality of the two kernel feature spaces.
const (
	spatialFeatureDim   = 2
	bilateralFeatureDim = 5
)

// imageRGB flattens an image into 0-255 RGB triples, pixel-major.
func imageRGB(img image.Image) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	rgb := make([]float64, w*h*3)
	utils.ParallelForEachPixel(image.Pt(w, h), func(x, y int) {
		r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
		i := (y*w + x) * 3
		rgb[i] = float64(r >> 8)
		rgb[i+1] = float64(g >> 8)
		rgb[i+2] = float64(b >> 8)
	})
	return rgb
}

// spatialFeatures builds per-pixel (x/θ, y/θ) feature vectors for the
// smoothness kernel.
func spatialFeatures(width, height int, xyStd float64) []float64 {
	feats := make([]float64, width*height*spatialFeatureDim)
	utils.ParallelForEachPixel(image.Pt(width, height), func(x, y int) {
		i := (y*width + x) * spatialFeatureDim
		feats[i] = float64(x) / xyStd
		feats[i+1] = float64(y) / xyStd
	})
	return feats
}

// bilateralFeatures builds per-pixel (x/θxy, y/θxy, r/θrgb, g/θrgb, b/θrgb)
// feature vectors for the appearance kernel. rgb is the flattened image from
// imageRGB.
func bilateralFeatures(rgb []float64, width, height int, xyStd, rgbStd float64) []float64 {
	feats := make([]float64, width*height*bilateralFeatureDim)
	utils.ParallelForEachPixel(image.Pt(width, height), func(x, y int) {
		i := y*width + x
		f := feats[i*bilateralFeatureDim:]
		f[0] = float64(x) / xyStd
		f[1] = float64(y) / xyStd
		f[2] = rgb[i*3] / rgbStd
		f[3] = rgb[i*3+1] / rgbStd
		f[4] = rgb[i*3+2] / rgbStd
	})
	return feats
}
