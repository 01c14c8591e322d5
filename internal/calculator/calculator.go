// Package calculator defines the interface between workflows and interatomic
// potentials, together with the built-in analytic potentials.
//
// A Calculator evaluates the total energy, per-atom forces, and virial stress
// of a periodic structure. Workflows never construct concrete calculators
// directly: they go through the registry, which maps a potential name plus a
// parameter map to an implementation. That keeps workflow definitions
// serializable and mirrors how calculation settings travel through config
// files and workflow documents.
package calculator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ferrante/matflow/internal/models"
)

// Result holds a single-point evaluation of a structure.
type Result struct {
	Energy float64       // total potential energy in eV
	Forces [][3]float64  // per-atom forces in eV/Angstrom
	Stress [3][3]float64 // virial stress in kilobar, tension positive
}

// MaxForce returns the largest force component norm, used as the relaxation
// convergence measure.
func (r *Result) MaxForce() float64 {
	var max float64
	for _, f := range r.Forces {
		n := f[0]*f[0] + f[1]*f[1] + f[2]*f[2]
		if n > max {
			max = n
		}
	}
	return math.Sqrt(max)
}

// Calculator evaluates energies, forces, and stresses for structures.
type Calculator interface {
	// Name identifies the potential, e.g. "lennard-jones".
	Name() string
	// Compute performs a single-point evaluation. Implementations should
	// respect context cancellation for large systems.
	Compute(ctx context.Context, s models.Structure) (*Result, error)
}

// Params carries free-form potential parameters from config or workflow
// documents to a constructor.
type Params map[string]float64

// Float returns the named parameter or the given default.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Constructor builds a calculator from a parameter map.
type Constructor func(Params) (Calculator, error)

var registry = map[string]Constructor{}

// Register adds a calculator constructor under the given name. Registration
// happens in package init functions; a duplicate name panics.
func Register(name string, ctor Constructor) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("calculator %q registered twice", name))
	}
	registry[name] = ctor
}

// New constructs a calculator by name. Unknown names return an error listing
// the registered calculators.
func New(name string, params Params) (Calculator, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown calculator %q, available: %s", name, strings.Join(Names(), ", "))
	}
	return ctor(params)
}

// Names returns the sorted names of all registered calculators.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
