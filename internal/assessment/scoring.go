package assessment

import (
	"fmt"
	"math"
)

// weightTolerance bounds how far the weights may drift from summing to one.
const weightTolerance = 1e-9

// Weights sets how much each dimension contributes to the overall score.
type Weights struct {
	Pathogen    float64
	GOF         float64
	Containment float64
	DualUse     float64
}

// DefaultWeights returns the standard dimension weights.
func DefaultWeights() Weights {
	return Weights{Pathogen: 0.30, GOF: 0.35, Containment: 0.20, DualUse: 0.15}
}

// Validate checks that every weight is non-negative and that they sum to one.
func (w Weights) Validate() error {
	if w.Pathogen < 0 || w.GOF < 0 || w.Containment < 0 || w.DualUse < 0 {
		return fmt.Errorf("weights must be non-negative: %+v", w)
	}
	sum := w.Pathogen + w.GOF + w.Containment + w.DualUse
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %v", sum)
	}
	return nil
}

// Overall combines the four dimension scores and rounds to two decimals.
func (w Weights) Overall(pathogen, gof, containment, dualUse float64) float64 {
	raw := pathogen*w.Pathogen +
		gof*w.GOF +
		containment*w.Containment +
		dualUse*w.DualUse
	return math.Round(raw*100) / 100
}
