// Package permutohedral implements approximate high-dimensional Gaussian
// filtering over a permutohedral lattice.
//
// Values attached to points in a d-dimensional feature space are splatted
// onto the vertices of the lattice simplex enclosing each point, blurred
// along every lattice axis with a small separable kernel, and sliced back to
// the original points. The result approximates
//
//	out_i = Σ_j exp(-‖f_i - f_j‖² / 2) · in_j
//
// over all point pairs in time linear in the number of points times the
// feature dimension, never materializing the pairwise matrix. The
// approximation converges to the exact Gaussian-weighted sum as the lattice
// resolution approaches the feature-space continuum.
package permutohedral

import (
	"math"

	"github.com/viamrobotics/densecrf/utils"
)

// Lattice holds the splat/slice geometry and blur neighborhood for one fixed
// set of feature points. Construction does all the geometric work; Filter can
// then be applied repeatedly to different value fields over the same points.
type Lattice struct {
	dim      int
	points   int
	vertices int
	// simplex membership per point: dim+1 vertex indices and barycentric weights
	offsets []int32
	weights []float64
	// two neighbors per vertex along each of the dim+1 lattice axes, -1 when absent
	neighbors []int32
}

// NewLattice builds the lattice for the given feature points. features holds
// dim coordinates per point, flattened point-major. Feature scaling is the
// caller's job: the filter applies a unit-variance Gaussian in the space the
// features live in.
func NewLattice(features []float64, dim, points int) *Lattice {
	l := &Lattice{
		dim:     dim,
		points:  points,
		offsets: make([]int32, points*(dim+1)),
		weights: make([]float64, points*(dim+1)),
	}
	table := newHashTable(dim, points*(dim+1))

	elevated := make([]float64, dim+1)
	rem0 := make([]int, dim+1)
	rank := make([]int, dim+1)
	barycentric := make([]float64, dim+2)
	key := make([]int16, dim)

	// Scale factors for embedding features into the lattice hyperplane so the
	// axis-aligned blur matches a unit-variance Gaussian in feature space.
	scale := make([]float64, dim)
	invStdDev := math.Sqrt(2.0/3.0) * float64(dim+1)
	for i := range scale {
		scale[i] = invStdDev / math.Sqrt(float64((i+1)*(i+2)))
	}

	for p := 0; p < points; p++ {
		f := features[p*dim : (p+1)*dim]

		// Embed into the hyperplane H_d spanned by the lattice.
		sm := 0.0
		for i := dim; i > 0; i-- {
			cf := f[i-1] * scale[i-1]
			elevated[i] = sm - float64(i)*cf
			sm += cf
		}
		elevated[0] = sm

		// Round to the nearest zero-colored lattice point.
		sum := 0
		for i := 0; i <= dim; i++ {
			v := elevated[i] / float64(dim+1)
			up := math.Ceil(v) * float64(dim+1)
			down := math.Floor(v) * float64(dim+1)
			if up-elevated[i] < elevated[i]-down {
				rem0[i] = int(up)
			} else {
				rem0[i] = int(down)
			}
			sum += rem0[i]
		}
		sum /= dim + 1

		// Rank coordinates by their displacement from the rounded point.
		for i := range rank {
			rank[i] = 0
		}
		for i := 0; i < dim; i++ {
			di := elevated[i] - float64(rem0[i])
			for j := i + 1; j <= dim; j++ {
				if di < elevated[j]-float64(rem0[j]) {
					rank[i]++
				} else {
					rank[j]++
				}
			}
		}

		// The rounded point may be off the hyperplane; walk it back on.
		for i := 0; i <= dim; i++ {
			rank[i] += sum
			if rank[i] < 0 {
				rank[i] += dim + 1
				rem0[i] += dim + 1
			} else if rank[i] > dim {
				rank[i] -= dim + 1
				rem0[i] -= dim + 1
			}
		}

		// Barycentric coordinates of the point inside its simplex.
		for i := range barycentric {
			barycentric[i] = 0
		}
		for i := 0; i <= dim; i++ {
			v := (elevated[i] - float64(rem0[i])) / float64(dim+1)
			barycentric[dim-rank[i]] += v
			barycentric[dim-rank[i]+1] -= v
		}
		barycentric[0] += 1.0 + barycentric[dim+1]

		// Register the dim+1 enclosing simplex vertices. Only the first dim
		// lattice coordinates are stored; the last is implied by the
		// zero-sum constraint.
		for remainder := 0; remainder <= dim; remainder++ {
			for i := 0; i < dim; i++ {
				key[i] = int16(rem0[i] + remainder)
				if rank[i] > dim-remainder {
					key[i] -= int16(dim + 1)
				}
			}
			l.offsets[p*(dim+1)+remainder] = table.find(key, true)
			l.weights[p*(dim+1)+remainder] = barycentric[remainder]
		}
	}

	l.vertices = table.size()

	// Precompute both blur neighbors of every vertex along every axis.
	// Vertices the splat never touched stay absent (-1) and contribute
	// nothing during the blur.
	l.neighbors = make([]int32, (dim+1)*l.vertices*2)
	n1 := make([]int16, dim)
	n2 := make([]int16, dim)
	for axis := 0; axis <= dim; axis++ {
		for v := 0; v < l.vertices; v++ {
			vk := table.key(int32(v))
			for i := 0; i < dim; i++ {
				n1[i] = vk[i] - 1
				n2[i] = vk[i] + 1
			}
			if axis < dim {
				n1[axis] = vk[axis] + int16(dim)
				n2[axis] = vk[axis] - int16(dim)
			}
			l.neighbors[(axis*l.vertices+v)*2] = table.find(n1, false)
			l.neighbors[(axis*l.vertices+v)*2+1] = table.find(n2, false)
		}
	}
	return l
}

// Points returns the number of feature points the lattice was built over.
func (l *Lattice) Points() int {
	return l.points
}

// Vertices returns the number of distinct lattice vertices touched by the
// splat, i.e. the size of the vertex arena.
func (l *Lattice) Vertices() int {
	return l.vertices
}

// Filter convolves in with a unit Gaussian over the lattice's feature points
// and writes the result to out. Both hold channels values per point,
// flattened point-major; in and out may be the same slice. The blur and slice
// passes run in parallel over vertices and points respectively; the scatter
// of the splat pass stays sequential so results are reproducible.
func (l *Lattice) Filter(in, out []float64, channels int) {
	// Vertex value buffers with one extra zero slot up front; absent blur
	// neighbors (-1) read from and absent writes land on slot 0.
	buf := make([]float64, (l.vertices+1)*channels)
	next := make([]float64, (l.vertices+1)*channels)

	// Splat: scatter each point's values onto its simplex corners.
	for p := 0; p < l.points; p++ {
		for r := 0; r <= l.dim; r++ {
			o := (int(l.offsets[p*(l.dim+1)+r]) + 1) * channels
			w := l.weights[p*(l.dim+1)+r]
			for c := 0; c < channels; c++ {
				buf[o+c] += w * in[p*channels+c]
			}
		}
	}

	// Blur with a [1/2, 1, 1/2] kernel along each lattice axis in turn.
	for axis := 0; axis <= l.dim; axis++ {
		base := axis * l.vertices
		blurFrom, blurTo := buf, next
		utils.ParallelOverRange(l.vertices, func(from, to int) {
			for v := from; v < to; v++ {
				o := (v + 1) * channels
				o1 := (int(l.neighbors[(base+v)*2]) + 1) * channels
				o2 := (int(l.neighbors[(base+v)*2+1]) + 1) * channels
				for c := 0; c < channels; c++ {
					blurTo[o+c] = blurFrom[o+c] + 0.5*(blurFrom[o1+c]+blurFrom[o2+c])
				}
			}
		})
		buf, next = next, buf
	}

	// Slice: gather blurred vertex values back to the points with the splat
	// weights. The repeated blur overcounts by a constant factor, folded
	// into alpha.
	alpha := 1.0 / (1.0 + math.Pow(2, -float64(l.dim)))
	utils.ParallelOverRange(l.points, func(from, to int) {
		for p := from; p < to; p++ {
			for c := 0; c < channels; c++ {
				out[p*channels+c] = 0
			}
			for r := 0; r <= l.dim; r++ {
				o := (int(l.offsets[p*(l.dim+1)+r]) + 1) * channels
				w := l.weights[p*(l.dim+1)+r] * alpha
				for c := 0; c < channels; c++ {
					out[p*channels+c] += w * buf[o+c]
				}
			}
		}
	})
}
