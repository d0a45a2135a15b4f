package densecrf

import (
	"math"

	"github.com/viamrobotics/densecrf/utils"
)

// probEps floors incoming probabilities so zero-probability classes map to a
// large finite energy instead of +Inf.
const probEps = 1e-5

// unaryEnergy converts a class-major probability map into pixel-major
// negative log energies. Probabilities are clamped to [probEps, 1] first, so
// degenerate rows never produce infinite energies.
func unaryEnergy(pm *ProbabilityMap) []float64 {
	plane := pm.Height * pm.Width
	energies := make([]float64, plane*pm.Classes)
	utils.ParallelOverRange(plane, func(from, to int) {
		for i := from; i < to; i++ {
			for c := 0; c < pm.Classes; c++ {
				p := pm.Data[c*plane+i]
				if p < probEps {
					p = probEps
				} else if p > 1 {
					p = 1
				}
				energies[i*pm.Classes+c] = -math.Log(p)
			}
		}
	})
	return energies
}
