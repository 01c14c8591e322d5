package md

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/models"
)

// Result is the outcome of an MD run.
type Result struct {
	Structure models.Structure
	Energy    float64
	Forces    [][3]float64
	Stress    [3][3]float64
	// Temperature is the instantaneous kinetic temperature of the final
	// frame in Kelvin.
	Temperature float64
	NSteps      int
	Trajectory  *models.Trajectory
	Duration    time.Duration
}

// Runner drives MD runs with a fixed calculator and options.
type Runner struct {
	calc calculator.Calculator
	opts Options
}

// NewRunner validates the options and builds a runner.
func NewRunner(calc calculator.Calculator, opts Options) (*Runner, error) {
	if calc == nil {
		return nil, fmt.Errorf("md runner has no calculator")
	}
	if opts.TrajInterval <= 0 {
		opts.TrajInterval = 1
	}
	if opts.Friction <= 0 {
		opts.Friction = 0.01
	}
	if opts.TauT <= 0 {
		opts.TauT = 100
	}
	if opts.TauP <= 0 {
		opts.TauP = 1000
	}
	if opts.Compressibility <= 0 {
		opts.Compressibility = 4.57e-2
	}
	if opts.CollisionRate <= 0 {
		opts.CollisionRate = 0.01
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Runner{calc: calc, opts: opts}, nil
}

// TimeStepFor resolves the timestep in fs for a structure: the configured
// value if set, otherwise 0.5 fs for hydrogen-containing structures and
// 2.0 fs for everything else. Hydrogen vibrates too fast for the long step.
func (r *Runner) TimeStepFor(s *models.Structure) float64 {
	if r.opts.TimeStep > 0 {
		return r.opts.TimeStep
	}
	if s.ContainsHydrogen() {
		return 0.5
	}
	return 2.0
}

// Run integrates the equations of motion for NSteps. The input structure is
// not modified; existing site velocities are kept, missing ones are drawn
// from a Maxwell-Boltzmann distribution at the initial target temperature.
func (r *Runner) Run(ctx context.Context, s models.Structure) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	cur := s.Copy()
	masses, err := cur.Masses()
	if err != nil {
		return nil, err
	}
	dt := r.TimeStepFor(&cur)

	seed := r.opts.VelocitySeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	tempSched := interpolateSchedule(r.opts.Temperature, r.opts.NSteps)
	pressSched := interpolateSchedule(r.opts.Pressure, r.opts.NSteps)

	if !hasVelocities(&cur) {
		if err := InitVelocities(&cur, tempSched[0], rng, r.opts.ZeroMomentum); err != nil {
			return nil, err
		}
	}
	pos := cur.CartesianCoords()
	vel := make([][3]float64, len(pos))
	for i, site := range cur.Sites {
		if site.Velocity != nil {
			vel[i] = *site.Velocity
		}
	}

	res, err := r.calc.Compute(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("initial evaluation: %w", err)
	}

	traj := &models.Trajectory{}
	record := func(step int) {
		snap := cur.Copy()
		for i := range snap.Sites {
			v := vel[i]
			snap.Sites[i].Velocity = &v
		}
		traj.Append(models.Frame{
			Structure:   snap,
			Energy:      res.Energy,
			Forces:      res.Forces,
			Stress:      res.Stress,
			Temperature: temperatureOf(vel, masses),
			Step:        step,
		})
	}
	record(0)

	for step := 1; step <= r.opts.NSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Velocity-verlet: half kick, drift, recompute, half kick.
		halfKick(vel, res.Forces, masses, dt)
		for i := range pos {
			for a := 0; a < 3; a++ {
				pos[i][a] += dt * vel[i][a]
			}
		}
		if err := cur.SetCartesianCoords(pos); err != nil {
			return nil, err
		}
		res, err = r.calc.Compute(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		halfKick(vel, res.Forces, masses, dt)

		targetT := tempSched[step]
		switch r.opts.Thermostat {
		case Langevin:
			r.applyLangevin(vel, masses, dt, targetT, rng)
		case Berendsen:
			r.applyBerendsen(vel, masses, dt, targetT)
		case Andersen:
			r.applyAndersen(vel, masses, dt, targetT, rng)
		}

		if r.opts.Ensemble == NPT {
			if err := r.applyBarostat(&cur, pos, vel, masses, res, dt, pressSched[step]); err != nil {
				return nil, err
			}
			pos = cur.CartesianCoords()
		}

		if step%r.opts.TrajInterval == 0 || step == r.opts.NSteps {
			record(step)
		}
	}

	for i := range cur.Sites {
		v := vel[i]
		cur.Sites[i].Velocity = &v
	}
	return &Result{
		Structure:   cur,
		Energy:      res.Energy,
		Forces:      res.Forces,
		Stress:      res.Stress,
		Temperature: temperatureOf(vel, masses),
		NSteps:      r.opts.NSteps,
		Trajectory:  traj,
		Duration:    time.Since(start),
	}, nil
}

func halfKick(vel, forces [][3]float64, masses []float64, dt float64) {
	for i := range vel {
		f := 0.5 * dt * models.AccelFactor / masses[i]
		for a := 0; a < 3; a++ {
			vel[i][a] += f * forces[i][a]
		}
	}
}

// applyLangevin couples the velocities to a heat bath via an
// Ornstein-Uhlenbeck step: exponential friction decay plus matched noise, so
// the stationary distribution is Maxwell-Boltzmann at the target temperature.
func (r *Runner) applyLangevin(vel [][3]float64, masses []float64, dt, targetT float64, rng *rand.Rand) {
	c1 := math.Exp(-r.opts.Friction * dt)
	for i := range vel {
		c2 := math.Sqrt((1 - c1*c1) * models.Boltzmann * targetT / (masses[i] * models.KineticFactor))
		for a := 0; a < 3; a++ {
			vel[i][a] = c1*vel[i][a] + c2*rng.NormFloat64()
		}
	}
}

// applyBerendsen rescales all velocities toward the target temperature with
// coupling time TauT. The scale factor is clamped so a cold start cannot
// overshoot.
func (r *Runner) applyBerendsen(vel [][3]float64, masses []float64, dt, targetT float64) {
	cur := temperatureOf(vel, masses)
	if cur <= 0 {
		return
	}
	lambda := math.Sqrt(1 + dt/r.opts.TauT*(targetT/cur-1))
	lambda = clampScale(lambda, 0.9, 1.1)
	for i := range vel {
		for a := 0; a < 3; a++ {
			vel[i][a] *= lambda
		}
	}
}

// applyAndersen redraws the velocity of randomly selected atoms from the
// Maxwell-Boltzmann distribution. The per-step collision probability is
// rate * dt.
func (r *Runner) applyAndersen(vel [][3]float64, masses []float64, dt, targetT float64, rng *rand.Rand) {
	prob := r.opts.CollisionRate * dt
	for i := range vel {
		if rng.Float64() >= prob {
			continue
		}
		sigma := math.Sqrt(models.Boltzmann * targetT / (masses[i] * models.KineticFactor))
		for a := 0; a < 3; a++ {
			vel[i][a] = sigma * rng.NormFloat64()
		}
	}
}

// applyBarostat applies isotropic Berendsen pressure coupling. The current
// pressure combines the virial (compression positive) with the ideal-gas
// kinetic term.
func (r *Runner) applyBarostat(cur *models.Structure, pos, vel [][3]float64, masses []float64, res *calculator.Result, dt, targetP float64) error {
	vol := cur.Volume()
	virial := -(res.Stress[0][0] + res.Stress[1][1] + res.Stress[2][2]) / 3
	kinetic := 2.0 / 3.0 * kineticEnergy(vel, masses) / vol * models.EVPerA3ToKBar
	pressure := virial + kinetic

	mu3 := 1 - r.opts.Compressibility*dt/r.opts.TauP*(targetP-pressure)
	mu := math.Cbrt(clampScale(mu3, 0.97, 1.03))
	if mu == 1 {
		return nil
	}
	// Fractional coordinates ride along, so scaling the lattice scales
	// every cartesian position by mu.
	if err := cur.SetCartesianCoords(pos); err != nil {
		return err
	}
	cur.Lattice = cur.Lattice.Scaled(mu)
	return nil
}

func hasVelocities(s *models.Structure) bool {
	for _, site := range s.Sites {
		if site.Velocity == nil {
			return false
		}
	}
	return len(s.Sites) > 0
}

func clampScale(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
