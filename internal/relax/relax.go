// Package relax implements structure relaxation with the FIRE optimizer.
//
// FIRE (fast inertial relaxation engine) is a damped-dynamics minimizer: the
// system moves along the forces with an adaptive timestep, and the velocity is
// quenched whenever the power F.v turns negative. It needs nothing beyond
// energies and forces, which keeps it calculator-agnostic.
package relax

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/models"
)

// FIRE parameters from the original publication. They are deliberately not
// configurable: tuning them is almost never worth it.
const (
	fireAlphaStart = 0.1
	fireFalpha     = 0.99
	fireFinc       = 1.1
	fireFdec       = 0.5
	fireNmin       = 5
)

// Options configures a relaxation run.
type Options struct {
	// Fmax is the convergence threshold on the largest force norm (eV/A).
	Fmax float64
	// Steps caps the number of optimizer steps.
	Steps int
	// RelaxCell couples an isotropic cell degree of freedom to the virial
	// pressure, letting the volume relax together with the positions.
	RelaxCell bool
	// FixPositions freezes fractional coordinates so that only the cell
	// relaxes. Requires RelaxCell.
	FixPositions bool
	// Dt is the initial timestep; DtMax caps its growth. Zero values take
	// the defaults (0.1 / 1.0).
	Dt    float64
	DtMax float64
	// MaxMove clamps the per-step displacement of any atom (A).
	MaxMove float64
	// TrajInterval records every n-th step into the trajectory (0 disables
	// recording beyond first and last frames).
	TrajInterval int
}

// DefaultOptions returns the options used by the relax makers.
func DefaultOptions() Options {
	return Options{
		Fmax:         0.01,
		Steps:        500,
		RelaxCell:    true,
		Dt:           0.1,
		DtMax:        1.0,
		MaxMove:      0.2,
		TrajInterval: 1,
	}
}

// Result is the outcome of a relaxation.
type Result struct {
	Structure  models.Structure
	Energy     float64
	Forces     [][3]float64
	Stress     [3][3]float64
	Steps      int
	Converged  bool
	Trajectory *models.Trajectory
	Duration   time.Duration
}

// Relaxer drives FIRE relaxations with a fixed calculator.
type Relaxer struct {
	calc calculator.Calculator
	opts Options
}

// NewRelaxer creates a relaxer. Zero-valued options fields fall back to
// DefaultOptions.
func NewRelaxer(calc calculator.Calculator, opts Options) *Relaxer {
	def := DefaultOptions()
	if opts.Fmax <= 0 {
		opts.Fmax = def.Fmax
	}
	if opts.Steps <= 0 {
		opts.Steps = def.Steps
	}
	if opts.Dt <= 0 {
		opts.Dt = def.Dt
	}
	if opts.DtMax <= 0 {
		opts.DtMax = def.DtMax
	}
	if opts.MaxMove <= 0 {
		opts.MaxMove = def.MaxMove
	}
	return &Relaxer{calc: calc, opts: opts}
}

// Relax minimizes the structure until the force criterion or the step budget
// is hit. The input structure is not modified.
func (r *Relaxer) Relax(ctx context.Context, s models.Structure) (*Result, error) {
	if r.calc == nil {
		return nil, fmt.Errorf("relaxer has no calculator")
	}
	if r.opts.FixPositions && !r.opts.RelaxCell {
		return nil, fmt.Errorf("fix_positions requires relax_cell: nothing would move")
	}
	start := time.Now()

	cur := s.Copy()
	pos := cur.CartesianCoords()
	vel := make([][3]float64, len(pos))

	dt := r.opts.Dt
	alpha := fireAlphaStart
	upSteps := 0

	traj := &models.Trajectory{}
	var res *calculator.Result
	var err error
	steps := 0
	converged := false

	for ; steps <= r.opts.Steps; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err = r.calc.Compute(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", steps, err)
		}

		record := steps == 0 ||
			(r.opts.TrajInterval > 0 && steps%r.opts.TrajInterval == 0)
		if record {
			traj.Append(models.Frame{
				Structure: cur.Copy(),
				Energy:    res.Energy,
				Forces:    res.Forces,
				Stress:    res.Stress,
				Step:      steps,
			})
		}

		if res.MaxForce() < r.opts.Fmax {
			converged = true
			break
		}
		if steps == r.opts.Steps {
			break
		}

		forces := res.Forces
		if r.opts.FixPositions {
			forces = make([][3]float64, len(pos))
		}

		// FIRE velocity mixing and adaptive timestep.
		power := dot(forces, vel)
		if power > 0 {
			fnorm := norm(forces)
			vnorm := norm(vel)
			if fnorm > 0 {
				for i := range vel {
					for a := 0; a < 3; a++ {
						vel[i][a] = (1-alpha)*vel[i][a] + alpha*vnorm*forces[i][a]/fnorm
					}
				}
			}
			upSteps++
			if upSteps > fireNmin {
				dt = math.Min(dt*fireFinc, r.opts.DtMax)
				alpha *= fireFalpha
			}
		} else {
			upSteps = 0
			dt *= fireFdec
			alpha = fireAlphaStart
			for i := range vel {
				vel[i] = [3]float64{}
			}
		}

		// Euler step with displacement clamp.
		for i := range pos {
			for a := 0; a < 3; a++ {
				vel[i][a] += dt * forces[i][a]
			}
			step := [3]float64{dt * vel[i][0], dt * vel[i][1], dt * vel[i][2]}
			n := math.Sqrt(step[0]*step[0] + step[1]*step[1] + step[2]*step[2])
			if n > r.opts.MaxMove {
				scale := r.opts.MaxMove / n
				for a := 0; a < 3; a++ {
					step[a] *= scale
				}
			}
			for a := 0; a < 3; a++ {
				pos[i][a] += step[a]
			}
		}
		if err := cur.SetCartesianCoords(pos); err != nil {
			return nil, err
		}

		if r.opts.RelaxCell {
			// Isotropic pressure coupling: expand under positive
			// (tensile) pressure, shrink under compression. The
			// compliance is small so volume moves cannot outrun the
			// position relaxation.
			pressure := (res.Stress[0][0] + res.Stress[1][1] + res.Stress[2][2]) / 3 / models.EVPerA3ToKBar
			factor := 1 + clamp(pressure*dt*0.1, -0.01, 0.01)
			if factor != 1 {
				cur.Lattice = cur.Lattice.Scaled(math.Cbrt(factor))
				pos = cur.CartesianCoords()
			}
		}
	}

	last := traj.Last()
	if last == nil || last.Step != steps {
		traj.Append(models.Frame{
			Structure: cur.Copy(),
			Energy:    res.Energy,
			Forces:    res.Forces,
			Stress:    res.Stress,
			Step:      steps,
		})
	}

	return &Result{
		Structure:  cur,
		Energy:     res.Energy,
		Forces:     res.Forces,
		Stress:     res.Stress,
		Steps:      steps,
		Converged:  converged,
		Trajectory: traj,
		Duration:   time.Since(start),
	}, nil
}

func dot(a, b [][3]float64) float64 {
	var out float64
	for i := range a {
		out += a[i][0]*b[i][0] + a[i][1]*b[i][1] + a[i][2]*b[i][2]
	}
	return out
}

func norm(a [][3]float64) float64 {
	return math.Sqrt(dot(a, a))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
