package calculator

import (
	"context"
	"math"

	"github.com/ferrante/matflow/internal/models"
)

func init() {
	Register("morse", func(p Params) (Calculator, error) {
		return NewMorse(p), nil
	})
}

// Morse is the Morse pair potential:
//
//	V(r) = D * (exp(-2a(r-r0)) - 2 exp(-a(r-r0))) - V(rc)
//
// with well depth D (eV), stiffness a (1/A), and equilibrium distance r0 (A).
type Morse struct {
	D      float64
	A      float64
	R0     float64
	Cutoff float64
	shift  float64
}

// NewMorse builds the potential from a parameter map with keys "d", "a",
// "r0", and "cutoff".
func NewMorse(p Params) *Morse {
	m := &Morse{
		D:  p.Float("d", 1.0),
		A:  p.Float("a", 1.5),
		R0: p.Float("r0", 2.5),
	}
	m.Cutoff = p.Float("cutoff", m.R0+4/m.A)
	x := math.Exp(-m.A * (m.Cutoff - m.R0))
	m.shift = m.D * (x*x - 2*x)
	return m
}

// Name implements Calculator.
func (m *Morse) Name() string { return "morse" }

// Compute implements Calculator.
func (m *Morse) Compute(ctx context.Context, s models.Structure) (*Result, error) {
	return computePairwise(ctx, s, m, m.Cutoff)
}

func (m *Morse) pairEnergy(r float64) (float64, float64) {
	x := math.Exp(-m.A * (r - m.R0))
	energy := m.D*(x*x-2*x) - m.shift
	dEdr := m.D * (-2*m.A*x*x + 2*m.A*x)
	return energy, dEdr
}
