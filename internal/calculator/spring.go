package calculator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ferrante/matflow/internal/models"
)

func init() {
	Register("spring", func(p Params) (Calculator, error) {
		return NewSpring(p), nil
	})
}

// Spring is an Einstein-crystal potential: every atom is tethered to its
// position in the first structure the calculator sees,
//
//	E = k/2 * sum_i |r_i - r_i^0|^2
//
// It has no physical merit but is exactly solvable, which makes it the
// workhorse of the deterministic tests: the minimum is the reference
// structure at zero energy.
type Spring struct {
	K float64

	mu  sync.Mutex
	ref [][3]float64
}

// NewSpring builds the potential from a parameter map with key "k"
// (eV/A^2, default 1.0).
func NewSpring(p Params) *Spring {
	return &Spring{K: p.Float("k", 1.0)}
}

// Name implements Calculator.
func (sp *Spring) Name() string { return "spring" }

// SetReference pins the tether positions explicitly. Without it, the first
// structure passed to Compute becomes the reference.
func (sp *Spring) SetReference(s models.Structure) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.ref = s.CartesianCoords()
}

// Compute implements Calculator.
func (sp *Spring) Compute(ctx context.Context, s models.Structure) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	sp.mu.Lock()
	if sp.ref == nil {
		sp.ref = s.CartesianCoords()
	}
	ref := sp.ref
	sp.mu.Unlock()

	if len(ref) != s.NumAtoms() {
		return nil, fmt.Errorf("spring reference has %d atoms, structure has %d", len(ref), s.NumAtoms())
	}

	cart := s.CartesianCoords()
	forces := make([][3]float64, len(cart))
	var energy float64
	for i := range cart {
		for a := 0; a < 3; a++ {
			d := cart[i][a] - ref[i][a]
			energy += 0.5 * sp.K * d * d
			forces[i][a] = -sp.K * d
		}
	}

	return &Result{Energy: energy, Forces: forces}, nil
}
