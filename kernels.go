package densecrf

import (
	"image"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/densecrf/permutohedral"
	"github.com/viamrobotics/densecrf/utils"
)

// KernelKind distinguishes the feature spaces a pairwise kernel can act in.
type KernelKind int

const (
	// KernelSpatial acts on scaled pixel coordinates only.
	KernelSpatial KernelKind = iota
	// KernelBilateral acts on scaled pixel coordinates and color.
	KernelBilateral
)

// KernelSpec describes one pairwise Gaussian kernel.
type KernelSpec struct {
	Kind   KernelKind
	Weight float64
	XYStd  float64
	// RGBStd only applies to bilateral kernels.
	RGBStd float64
}

// pairwiseKernel couples the lattice built over one kernel's feature space
// with its weight and per-pixel self-normalization factors. The
// normalization divides out the kernel's own mass, computed by filtering an
// all-ones field, so that a uniform belief image is a fixed point of the
// filter.
type pairwiseKernel struct {
	weight  float64
	lattice *permutohedral.Lattice
	norm    []float64
}

func newPairwiseKernel(spec KernelSpec, rgb []float64, width, height int) *pairwiseKernel {
	var feats []float64
	var dim int
	switch spec.Kind {
	case KernelBilateral:
		feats = bilateralFeatures(rgb, width, height, spec.XYStd, spec.RGBStd)
		dim = bilateralFeatureDim
	default:
		feats = spatialFeatures(width, height, spec.XYStd)
		dim = spatialFeatureDim
	}
	pixels := width * height
	lattice := permutohedral.NewLattice(feats, dim, pixels)

	norm := make([]float64, pixels)
	ones := make([]float64, pixels)
	for i := range ones {
		ones[i] = 1
	}
	lattice.Filter(ones, norm, 1)
	for i, v := range norm {
		norm[i] = 1 / (v + 1e-20)
	}
	return &pairwiseKernel{weight: spec.Weight, lattice: lattice, norm: norm}
}

// addMessage accumulates weight·normalizedFilter(q) into out, using tmp as
// filtering scratch. q, out and tmp hold classes values per pixel.
func (k *pairwiseKernel) addMessage(q, out, tmp []float64, classes int) {
	k.lattice.Filter(q, tmp, classes)
	utils.ParallelOverRange(len(k.norm), func(from, to int) {
		for i := from; i < to; i++ {
			w := k.weight * k.norm[i]
			for c := 0; c < classes; c++ {
				out[i*classes+c] += w * tmp[i*classes+c]
			}
		}
	})
}

// PairwiseKernelSet holds the smoothness and appearance kernels built for one
// input image. Feature vectors and lattices are computed once at
// construction; Message only filters. Kernels with zero weight are skipped at
// construction since they cannot contribute.
type PairwiseKernelSet struct {
	kernels []*pairwiseKernel
	pixels  int
}

// NewPairwiseKernelSet precomputes the lattices for every enabled kernel in
// the config over the given image.
func NewPairwiseKernelSet(conf Config, img image.Image) *PairwiseKernelSet {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	var rgb []float64
	set := &PairwiseKernelSet{pixels: width * height}
	for _, spec := range conf.kernelSpecs() {
		if spec.Weight == 0 {
			continue
		}
		if spec.Kind == KernelBilateral && rgb == nil {
			rgb = imageRGB(img)
		}
		set.kernels = append(set.kernels, newPairwiseKernel(spec, rgb, width, height))
	}
	return set
}

// Message computes the combined pairwise message for the current beliefs q:
// the weighted sum over kernels of the normalized Gaussian-filtered beliefs.
// out is overwritten; tmp is scratch. All three hold classes values per
// pixel and must not alias.
func (s *PairwiseKernelSet) Message(q, out, tmp []float64, classes int) {
	for i := range out {
		out[i] = 0
	}
	for _, k := range s.kernels {
		k.addMessage(q, out, tmp, classes)
	}
}

// LabelCompatibility transforms the combined class message at every pixel
// before it enters the update energy.
type LabelCompatibility interface {
	// Transform mutates the pixel-major message in place.
	Transform(classes int, message []float64)
}

// PottsCompatibility is the identity transform: the filtered message already
// expresses support for the same class, and a class mismatch costs a
// constant folded into the kernel weights.
type PottsCompatibility struct{}

// Transform implements LabelCompatibility.
func (PottsCompatibility) Transform(int, []float64) {}

// MatrixCompatibility applies a full C×C label compatibility matrix to every
// pixel's message vector, for models where some class pairs are more
// compatible than others.
type MatrixCompatibility struct {
	mu *mat.Dense
}

// NewMatrixCompatibility validates that mu is square and wraps it.
func NewMatrixCompatibility(mu *mat.Dense) (*MatrixCompatibility, error) {
	r, c := mu.Dims()
	if r != c {
		return nil, errors.Errorf("compatibility matrix must be square, got %dx%d", r, c)
	}
	return &MatrixCompatibility{mu: mu}, nil
}

// Transform implements LabelCompatibility.
func (m *MatrixCompatibility) Transform(classes int, message []float64) {
	utils.ParallelOverRange(len(message)/classes, func(from, to int) {
		scratch := make([]float64, classes)
		result := mat.NewVecDense(classes, scratch)
		for i := from; i < to; i++ {
			row := message[i*classes : (i+1)*classes]
			result.MulVec(m.mu, mat.NewVecDense(classes, row))
			copy(row, scratch)
		}
	})
}
