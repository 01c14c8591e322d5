package calculator

import (
	"context"
	"math"

	"github.com/ferrante/matflow/internal/models"
)

func init() {
	Register("lennard-jones", func(p Params) (Calculator, error) {
		return NewLennardJones(p), nil
	})
}

// LennardJones is the 6-12 pair potential with a shifted cutoff:
//
//	V(r) = 4*epsilon*((sigma/r)^12 - (sigma/r)^6) - V(rc)
//
// The energy shift makes the potential continuous at the cutoff. Defaults
// (epsilon=1.0 eV, sigma=2.0 A, cutoff=3*sigma) are deliberately generic; real
// runs configure them per species pair through the params map.
type LennardJones struct {
	Epsilon float64
	Sigma   float64
	Cutoff  float64
	shift   float64
}

// NewLennardJones builds the potential from a parameter map with keys
// "epsilon", "sigma", and "cutoff".
func NewLennardJones(p Params) *LennardJones {
	eps := p.Float("epsilon", 1.0)
	sigma := p.Float("sigma", 2.0)
	lj := &LennardJones{
		Epsilon: eps,
		Sigma:   sigma,
		Cutoff:  p.Float("cutoff", 3*sigma),
	}
	sr6 := math.Pow(lj.Sigma/lj.Cutoff, 6)
	lj.shift = 4 * lj.Epsilon * (sr6*sr6 - sr6)
	return lj
}

// Name implements Calculator.
func (lj *LennardJones) Name() string { return "lennard-jones" }

// Compute implements Calculator.
func (lj *LennardJones) Compute(ctx context.Context, s models.Structure) (*Result, error) {
	return computePairwise(ctx, s, lj, lj.Cutoff)
}

func (lj *LennardJones) pairEnergy(r float64) (float64, float64) {
	sr6 := math.Pow(lj.Sigma/r, 6)
	sr12 := sr6 * sr6
	energy := 4*lj.Epsilon*(sr12-sr6) - lj.shift
	dEdr := 4 * lj.Epsilon * (-12*sr12 + 6*sr6) / r
	return energy, dEdr
}
