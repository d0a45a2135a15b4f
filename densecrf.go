// Package densecrf refines coarse per-pixel class probabilities with a fully
// connected pairwise conditional random field solved by approximate
// mean-field inference (Krähenbühl and Koltun). The pairwise term couples
// every pixel with every other pixel through a spatial smoothness kernel and
// a bilateral appearance kernel; the all-pairs Gaussian sums are approximated
// with a permutohedral lattice so each iteration stays linear in pixel count.
package densecrf

import (
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/viamrobotics/densecrf/utils"
)

// ProbabilityMap holds per-pixel class probabilities in class-major C×H×W
// order, the layout segmentation networks emit. Each pixel's values across
// classes should sum to 1; rows that do not (including all-zero rows) are
// floored and renormalized by the softmax rather than rejected.
type ProbabilityMap struct {
	Classes int
	Height  int
	Width   int
	// Data is indexed [class*Height*Width + y*Width + x].
	Data []float64
}

// NewProbabilityMap allocates a zeroed probability map.
func NewProbabilityMap(classes, height, width int) *ProbabilityMap {
	return &ProbabilityMap{
		Classes: classes,
		Height:  height,
		Width:   width,
		Data:    make([]float64, classes*height*width),
	}
}

// At returns the probability of class c at pixel (x, y).
func (pm *ProbabilityMap) At(c, y, x int) float64 {
	return pm.Data[(c*pm.Height+y)*pm.Width+x]
}

// Set assigns the probability of class c at pixel (x, y).
func (pm *ProbabilityMap) Set(c, y, x int, v float64) {
	pm.Data[(c*pm.Height+y)*pm.Width+x] = v
}

// ArgMax returns the most probable class per pixel, breaking ties in favor of
// the lowest class index.
func (pm *ProbabilityMap) ArgMax() *LabelMap {
	lm := &LabelMap{
		Height: pm.Height,
		Width:  pm.Width,
		Labels: make([]int, pm.Height*pm.Width),
	}
	plane := pm.Height * pm.Width
	utils.ParallelOverRange(plane, func(from, to int) {
		for i := from; i < to; i++ {
			best := 0
			bestP := pm.Data[i]
			for c := 1; c < pm.Classes; c++ {
				if p := pm.Data[c*plane+i]; p > bestP {
					best, bestP = c, p
				}
			}
			lm.Labels[i] = best
		}
	})
	return lm
}

// checkShape validates the map against the dimensions of the input image.
func (pm *ProbabilityMap) checkShape(width, height int) error {
	if pm.Classes < 1 {
		return errors.Errorf("probability map must have at least 1 class, got %d", pm.Classes)
	}
	if pm.Height < 1 || pm.Width < 1 {
		return errors.Errorf("probability map dimensions must be positive, got %dx%d", pm.Width, pm.Height)
	}
	if pm.Height != height || pm.Width != width {
		return errors.Errorf(
			"probability map dimensions %dx%d do not match image dimensions %dx%d",
			pm.Width, pm.Height, width, height)
	}
	if expected := pm.Classes * pm.Height * pm.Width; len(pm.Data) != expected {
		return errors.Errorf("probability map holds %d values, expected %d", len(pm.Data), expected)
	}
	return nil
}

// LabelMap is a per-pixel class assignment.
type LabelMap struct {
	Height int
	Width  int
	// Labels is indexed [y*Width + x].
	Labels []int
}

// At returns the class label at pixel (x, y).
func (lm *LabelMap) At(x, y int) int {
	return lm.Labels[y*lm.Width+x]
}

// A Refiner runs dense CRF refinement over probability maps. It is immutable
// after construction and safe to share; all mutable state lives inside a
// single Refine call.
type Refiner struct {
	conf   Config
	compat LabelCompatibility
	logger golog.Logger
}

// NewRefiner validates the config and returns a refiner using the Potts label
// compatibility.
func NewRefiner(conf Config, logger golog.Logger) (*Refiner, error) {
	return NewRefinerWithCompatibility(conf, PottsCompatibility{}, logger)
}

// NewRefinerWithCompatibility returns a refiner with a custom label
// compatibility transform.
func NewRefinerWithCompatibility(conf Config, compat LabelCompatibility, logger golog.Logger) (*Refiner, error) {
	if err := conf.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid CRF config")
	}
	if compat == nil {
		return nil, errors.New("label compatibility cannot be nil")
	}
	return &Refiner{conf: conf, compat: compat, logger: logger}, nil
}

// Refine sharpens the probability map using the image's spatial and color
// structure and returns the per-pixel argmax labels.
func (r *Refiner) Refine(img image.Image, probs *ProbabilityMap) (*LabelMap, error) {
	s, err := r.newSolver(img, probs)
	if err != nil {
		return nil, err
	}
	q := s.run()
	lm := &LabelMap{
		Height: probs.Height,
		Width:  probs.Width,
		Labels: make([]int, s.pixels),
	}
	utils.ParallelOverRange(s.pixels, func(from, to int) {
		for i := from; i < to; i++ {
			lm.Labels[i] = floats.MaxIdx(q[i*s.classes : (i+1)*s.classes])
		}
	})
	return lm, nil
}

// RefineProbabilities runs the same inference but returns the full refined
// belief distribution instead of its argmax.
func (r *Refiner) RefineProbabilities(img image.Image, probs *ProbabilityMap) (*ProbabilityMap, error) {
	s, err := r.newSolver(img, probs)
	if err != nil {
		return nil, err
	}
	q := s.run()
	out := NewProbabilityMap(probs.Classes, probs.Height, probs.Width)
	utils.ParallelOverRange(s.pixels, func(from, to int) {
		for i := from; i < to; i++ {
			for c := 0; c < s.classes; c++ {
				out.Data[c*s.pixels+i] = q[i*s.classes+c]
			}
		}
	})
	return out, nil
}

// Refine is a one-shot helper that builds a refiner and runs it once.
func Refine(img image.Image, probs *ProbabilityMap, conf Config, logger golog.Logger) (*LabelMap, error) {
	r, err := NewRefiner(conf, logger)
	if err != nil {
		return nil, err
	}
	return r.Refine(img, probs)
}
