package calculator

import (
	"context"
	"fmt"
	"math"

	"github.com/ferrante/matflow/internal/models"
)

// pairPotential is the radial form shared by the pair calculators: energy and
// its derivative with respect to the pair distance.
type pairPotential interface {
	// pairEnergy returns V(r) and dV/dr at distance r (Angstrom).
	pairEnergy(r float64) (energy, dEdr float64)
}

// computePairwise evaluates a pair potential over all atom pairs using the
// minimum-image convention. The cutoff must not exceed half the shortest cell
// length, otherwise minimum imaging misses interactions.
func computePairwise(ctx context.Context, s models.Structure, pot pairPotential, cutoff float64) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	lengths := s.Lattice.Lengths()
	minLen := math.Min(lengths[0], math.Min(lengths[1], lengths[2]))
	if cutoff > minLen/2 {
		return nil, fmt.Errorf("cutoff %.3f exceeds half the shortest cell length %.3f", cutoff, minLen/2)
	}

	n := s.NumAtoms()
	cart := s.CartesianCoords()
	forces := make([][3]float64, n)
	var energy float64
	var virial [3][3]float64
	cutoffSq := cutoff * cutoff

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			dx := minimumImage(s, cart[i], cart[j])
			rSq := dx[0]*dx[0] + dx[1]*dx[1] + dx[2]*dx[2]
			if rSq > cutoffSq || rSq == 0 {
				continue
			}
			r := math.Sqrt(rSq)
			e, dEdr := pot.pairEnergy(r)
			energy += e

			// Force on i along the i->j separation; Newton's third law
			// for j.
			scale := -dEdr / r
			for a := 0; a < 3; a++ {
				f := scale * dx[a]
				forces[i][a] += f
				forces[j][a] -= f
				for b := 0; b < 3; b++ {
					virial[a][b] += f * dx[b]
				}
			}
		}
	}

	// Virial stress in kilobar, tension positive.
	vol := s.Volume()
	var stress [3][3]float64
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			stress[a][b] = virial[a][b] / vol * models.EVPerA3ToKBar
		}
	}

	return &Result{Energy: energy, Forces: forces, Stress: stress}, nil
}

// minimumImage returns the shortest periodic separation vector from atom j to
// atom i in cartesian coordinates.
func minimumImage(s models.Structure, ri, rj [3]float64) [3]float64 {
	// Work in fractional space so non-orthogonal cells are handled.
	m := s.Lattice.Matrix
	d := [3]float64{ri[0] - rj[0], ri[1] - rj[1], ri[2] - rj[2]}
	frac, err := cartToFrac(m, d)
	if err != nil {
		return d
	}
	for k := 0; k < 3; k++ {
		frac[k] -= math.Round(frac[k])
	}
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = frac[0]*m[0][j] + frac[1]*m[1][j] + frac[2]*m[2][j]
	}
	return out
}

func cartToFrac(m [3][3]float64, cart [3]float64) ([3]float64, error) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-14 {
		return [3]float64{}, fmt.Errorf("singular lattice matrix")
	}
	inv := [3][3]float64{
		{m[1][1]*m[2][2] - m[1][2]*m[2][1], m[0][2]*m[2][1] - m[0][1]*m[2][2], m[0][1]*m[1][2] - m[0][2]*m[1][1]},
		{m[1][2]*m[2][0] - m[1][0]*m[2][2], m[0][0]*m[2][2] - m[0][2]*m[2][0], m[0][2]*m[1][0] - m[0][0]*m[1][2]},
		{m[1][0]*m[2][1] - m[1][1]*m[2][0], m[0][1]*m[2][0] - m[0][0]*m[2][1], m[0][0]*m[1][1] - m[0][1]*m[1][0]},
	}
	var frac [3]float64
	for j := 0; j < 3; j++ {
		frac[j] = (cart[0]*inv[0][j] + cart[1]*inv[1][j] + cart[2]*inv[2][j]) / det
	}
	return frac, nil
}
