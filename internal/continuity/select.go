package continuity

import (
	"fmt"
	"math"
)

// SelectBest picks one candidate per base item from scores laid out as
// replica-major blocks: candidate k belongs to base item k mod base. For
// each item j it returns the flat index of the highest score among
// j, j+base, j+2*base, ... Ties go to the earliest replica and NaN scores
// never win.
func SelectBest(scores []float32, base int) ([]int64, error) {
	if base < 1 || len(scores) == 0 || len(scores)%base != 0 {
		return nil, fmt.Errorf("%w: %d scores for base batch %d", ErrShapeMismatch, len(scores), base)
	}

	best := make([]int64, base)

	for j := range base {
		pick := -1

		for k := j; k < len(scores); k += base {
			if math.IsNaN(float64(scores[k])) {
				continue
			}

			if pick < 0 || scores[k] > scores[pick] {
				pick = k
			}
		}

		if pick < 0 {
			return nil, fmt.Errorf("%w: base item %d", ErrNoValidCandidate, j)
		}

		best[j] = int64(pick)
	}

	return best, nil
}
