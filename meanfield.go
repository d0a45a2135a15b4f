package densecrf

import (
	"image"
	"math"
	"time"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/floats"

	"github.com/viamrobotics/densecrf/utils"
)

// solver holds the mutable state of one inference run: the unary energies,
// the belief distribution Q and the message buffers. A fresh solver is built
// per Refine call, so concurrent calls on the same Refiner never share state.
type solver struct {
	classes int
	pixels  int
	iterMax int
	kernels *PairwiseKernelSet
	compat  LabelCompatibility
	logger  golog.Logger

	// all pixel-major, classes values per pixel
	unary   []float64
	q       []float64
	message []float64
	scratch []float64
}

func (r *Refiner) newSolver(img image.Image, probs *ProbabilityMap) (*solver, error) {
	bounds := img.Bounds()
	if err := probs.checkShape(bounds.Dx(), bounds.Dy()); err != nil {
		return nil, err
	}
	size := probs.Classes * probs.Height * probs.Width
	return &solver{
		classes: probs.Classes,
		pixels:  probs.Height * probs.Width,
		iterMax: r.conf.IterMax,
		kernels: NewPairwiseKernelSet(r.conf, img),
		compat:  r.compat,
		logger:  r.logger,
		unary:   unaryEnergy(probs),
		q:       make([]float64, size),
		message: make([]float64, size),
		scratch: make([]float64, size),
	}, nil
}

// run performs unary initialization followed by exactly iterMax mean-field
// iterations. There is no convergence check; the iteration budget is the only
// stopping rule.
func (s *solver) run() []float64 {
	s.initialize()
	for it := 0; it < s.iterMax; it++ {
		start := time.Now()
		s.step()
		if s.logger != nil {
			s.logger.Debugw("mean-field iteration done",
				"iteration", it+1,
				"iter_max", s.iterMax,
				"took", time.Since(start))
		}
	}
	return s.q
}

// initialize sets Q to the per-pixel softmax of the negated unary energies.
func (s *solver) initialize() {
	utils.ParallelOverRange(s.pixels, func(from, to int) {
		for i := from; i < to; i++ {
			lo, hi := i*s.classes, (i+1)*s.classes
			for idx := lo; idx < hi; idx++ {
				s.scratch[idx] = -s.unary[idx]
			}
			expNormalize(s.q[lo:hi], s.scratch[lo:hi])
		}
	})
}

// step runs one synchronous mean-field update. The entire belief array from
// the previous iteration is read to compute all messages before any belief is
// overwritten.
func (s *solver) step() {
	s.kernels.Message(s.q, s.message, s.scratch, s.classes)
	s.compat.Transform(s.classes, s.message)
	utils.ParallelOverRange(s.pixels, func(from, to int) {
		for i := from; i < to; i++ {
			lo, hi := i*s.classes, (i+1)*s.classes
			for idx := lo; idx < hi; idx++ {
				s.scratch[idx] = s.message[idx] - s.unary[idx]
			}
			expNormalize(s.q[lo:hi], s.scratch[lo:hi])
		}
	})
}

// expNormalize writes softmax(v) into dst, shifting by the max for numerical
// stability. dst and v may alias.
func expNormalize(dst, v []float64) {
	maxVal := floats.Max(v)
	sum := 0.0
	for i, x := range v {
		e := math.Exp(x - maxVal)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}
