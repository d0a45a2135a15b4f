package densecrf_test

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viamrobotics/densecrf"
)

func validConfig() densecrf.Config {
	return densecrf.Config{
		IterMax:  5,
		PosXYStd: 2,
		PosW:     1,
		BiXYStd:  5,
		BiRGBStd: 10,
		BiW:      1,
	}
}

// uniformImage returns a w×h image filled with one color.
func uniformImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// noisyImage returns a w×h image with deterministic per-pixel colors.
func noisyImage(w, h int, seed int64) *image.NRGBA {
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rnd.Intn(256)),
				G: uint8(rnd.Intn(256)),
				B: uint8(rnd.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

// randomProbs returns a valid probability map with random per-pixel
// distributions.
func randomProbs(classes, h, w int, seed int64) *densecrf.ProbabilityMap {
	rnd := rand.New(rand.NewSource(seed))
	pm := densecrf.NewProbabilityMap(classes, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			vals := make([]float64, classes)
			for c := range vals {
				vals[c] = rnd.Float64() + 1e-3
				sum += vals[c]
			}
			for c := range vals {
				pm.Set(c, y, x, vals[c]/sum)
			}
		}
	}
	return pm
}

func TestBeliefsStayNormalized(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := noisyImage(6, 5, 1)
	probs := randomProbs(3, 5, 6, 2)

	for _, iters := range []int{0, 1, 4} {
		conf := validConfig()
		conf.IterMax = iters
		r, err := densecrf.NewRefiner(conf, logger)
		test.That(t, err, test.ShouldBeNil)
		q, err := r.RefineProbabilities(img, probs)
		test.That(t, err, test.ShouldBeNil)
		for y := 0; y < q.Height; y++ {
			for x := 0; x < q.Width; x++ {
				sum := 0.0
				for c := 0; c < q.Classes; c++ {
					sum += q.At(c, y, x)
				}
				test.That(t, sum, test.ShouldAlmostEqual, 1.0, 1e-9)
			}
		}
	}
}

func TestZeroIterationsMatchesInputArgMax(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := noisyImage(7, 4, 3)
	probs := randomProbs(4, 4, 7, 4)

	conf := validConfig()
	conf.IterMax = 0
	labels, err := densecrf.Refine(img, probs, conf, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels.Labels, test.ShouldResemble, probs.ArgMax().Labels)
}

func TestNoPairwiseTermIsFixedPoint(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := noisyImage(5, 5, 5)
	probs := randomProbs(3, 5, 5, 6)

	conf := validConfig()
	conf.PosW = 0
	conf.BiW = 0

	conf.IterMax = 0
	r0, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q0, err := r0.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	conf.IterMax = 6
	r6, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q6, err := r6.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	for i := range q0.Data {
		test.That(t, q6.Data[i], test.ShouldAlmostEqual, q0.Data[i], 1e-12)
	}
}

func TestZeroBilateralWeightIgnoresBilateralBandwidths(t *testing.T) {
	// with bi_w = 0 only the spatial kernel runs, so the bilateral
	// bandwidths cannot influence the output
	logger := golog.NewTestLogger(t)
	img := noisyImage(6, 6, 7)
	probs := randomProbs(3, 6, 6, 8)

	confA := validConfig()
	confA.BiW = 0
	confB := confA
	confB.BiXYStd = 50
	confB.BiRGBStd = 1

	rA, err := densecrf.NewRefiner(confA, logger)
	test.That(t, err, test.ShouldBeNil)
	qA, err := rA.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)
	rB, err := densecrf.NewRefiner(confB, logger)
	test.That(t, err, test.ShouldBeNil)
	qB, err := rB.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, qA.Data, test.ShouldResemble, qB.Data)
}

func TestUniformBeliefsAreFixedPoint(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := noisyImage(5, 4, 9)
	classes := 3
	probs := densecrf.NewProbabilityMap(classes, 4, 5)
	for i := range probs.Data {
		probs.Data[i] = 1.0 / float64(classes)
	}

	conf := validConfig()
	conf.IterMax = 4
	r, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q, err := r.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range q.Data {
		test.That(t, v, test.ShouldAlmostEqual, 1.0/float64(classes), 1e-6)
	}
}

func TestDeterminism(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := noisyImage(8, 6, 10)
	probs := randomProbs(4, 6, 8, 11)

	conf := validConfig()
	r1, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q1, err := r1.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)
	r2, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q2, err := r2.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, q1.Data, test.ShouldResemble, q2.Data)
}

func TestSmoothingPullsNeighbors(t *testing.T) {
	// one near-certain seed pixel in a flat image: after a few iterations
	// the neighbors' belief in the seed's class must rise above the
	// unary-only baseline
	logger := golog.NewTestLogger(t)
	img := uniformImage(4, 4, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	probs := densecrf.NewProbabilityMap(2, 4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			probs.Set(0, y, x, 0.5)
			probs.Set(1, y, x, 0.5)
		}
	}
	probs.Set(0, 0, 0, 0.9)
	probs.Set(1, 0, 0, 0.1)

	conf := validConfig()
	conf.IterMax = 0
	r0, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	baseline, err := r0.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	conf.IterMax = 5
	r5, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	refined, err := r5.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)

	neighbors := []image.Point{{1, 0}, {0, 1}, {1, 1}}
	for _, n := range neighbors {
		test.That(t, refined.At(0, n.Y, n.X), test.ShouldBeGreaterThan, baseline.At(0, n.Y, n.X))
	}
}

func TestSinglePixelImage(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := uniformImage(1, 1, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
	probs := densecrf.NewProbabilityMap(3, 1, 1)
	probs.Set(0, 0, 0, 0.2)
	probs.Set(1, 0, 0, 0.7)
	probs.Set(2, 0, 0, 0.1)

	conf := validConfig()
	labels, err := densecrf.Refine(img, probs, conf, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels.At(0, 0), test.ShouldEqual, 1)

	r, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q, err := r.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)
	sum := 0.0
	for c := 0; c < 3; c++ {
		sum += q.At(c, 0, 0)
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestShapeValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	conf := validConfig()
	r, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)

	img := noisyImage(4, 4, 12)

	// spatial mismatch
	_, err = r.Refine(img, randomProbs(2, 3, 4, 13))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "do not match")

	// no classes
	_, err = r.Refine(img, densecrf.NewProbabilityMap(0, 4, 4))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least 1 class")

	// truncated data
	bad := randomProbs(2, 4, 4, 14)
	bad.Data = bad.Data[:len(bad.Data)-1]
	_, err = r.Refine(img, bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "values")
}

func TestAllZeroProbabilityRow(t *testing.T) {
	// a degenerate all-zero row is clamped, not surfaced as an error, and
	// initializes to a uniform belief
	logger := golog.NewTestLogger(t)
	img := uniformImage(2, 2, color.NRGBA{R: 50, G: 50, B: 50, A: 255})
	probs := randomProbs(3, 2, 2, 15)
	for c := 0; c < 3; c++ {
		probs.Set(c, 1, 1, 0)
	}

	conf := validConfig()
	conf.IterMax = 0
	r, err := densecrf.NewRefiner(conf, logger)
	test.That(t, err, test.ShouldBeNil)
	q, err := r.RefineProbabilities(img, probs)
	test.That(t, err, test.ShouldBeNil)
	for c := 0; c < 3; c++ {
		test.That(t, q.At(c, 1, 1), test.ShouldAlmostEqual, 1.0/3.0, 1e-9)
	}
}

func TestArgMaxBreaksTiesLow(t *testing.T) {
	probs := densecrf.NewProbabilityMap(3, 1, 2)
	// pixel 0: exact tie between classes 1 and 2
	probs.Set(0, 0, 0, 0.2)
	probs.Set(1, 0, 0, 0.4)
	probs.Set(2, 0, 0, 0.4)
	// pixel 1: all tied
	for c := 0; c < 3; c++ {
		probs.Set(c, 0, 1, 1.0/3.0)
	}
	labels := probs.ArgMax()
	test.That(t, labels.At(0, 0), test.ShouldEqual, 1)
	test.That(t, labels.At(1, 0), test.ShouldEqual, 0)
}
