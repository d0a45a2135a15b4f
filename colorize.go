package densecrf

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"github.com/viamrobotics/densecrf/utils"
)

// LabelColors assigns each class a visually distinct color by spreading hues
// evenly around the HSV wheel. The assignment is deterministic.
func LabelColors(classes int) []color.NRGBA {
	colors := make([]color.NRGBA, classes)
	for i := range colors {
		c := colorful.Hsv(float64(i)*360.0/float64(classes), 0.85, 0.9)
		r, g, b := c.RGB255()
		colors[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// ColorizeLabels renders a label map as a color image using the given
// per-class palette.
func ColorizeLabels(lm *LabelMap, colors []color.NRGBA) (*image.NRGBA, error) {
	for _, label := range lm.Labels {
		if label < 0 || label >= len(colors) {
			return nil, errors.Errorf("label %d outside palette of %d colors", label, len(colors))
		}
	}
	out := image.NewNRGBA(image.Rect(0, 0, lm.Width, lm.Height))
	utils.ParallelForEachPixel(image.Pt(lm.Width, lm.Height), func(x, y int) {
		out.SetNRGBA(x, y, colors[lm.At(x, y)])
	})
	return out, nil
}
