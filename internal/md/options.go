// Package md runs molecular dynamics on top of any calculator.
//
// Supported ensembles and thermostats follow the conventions of ab-initio MD:
// temperature in Kelvin, timestep in femtoseconds, pressure in kilobar. The
// default Langevin friction of 10 ps^-1 matches that convention as well.
package md

import (
	"fmt"
	"strings"
)

// Ensemble selects the statistical ensemble of a run.
type Ensemble string

// Thermostat selects the integrator / temperature-control scheme.
type Thermostat string

const (
	NVE Ensemble = "nve"
	NVT Ensemble = "nvt"
	NPT Ensemble = "npt"

	VelocityVerlet Thermostat = "velocity-verlet"
	Langevin       Thermostat = "langevin"
	Berendsen      Thermostat = "berendsen"
	Andersen       Thermostat = "andersen"
)

// validDynamics maps each ensemble to the thermostats that can realize it.
var validDynamics = map[Ensemble][]Thermostat{
	NVE: {VelocityVerlet},
	NVT: {Langevin, Berendsen, Andersen},
	NPT: {Berendsen},
}

// Options configures an MD run.
type Options struct {
	Ensemble   Ensemble
	Thermostat Thermostat

	// NSteps is the number of MD steps.
	NSteps int

	// TimeStep in fs. Zero picks 0.5 fs for structures containing a
	// hydrogen isotope and 2.0 fs otherwise.
	TimeStep float64

	// Temperature is the target temperature schedule in Kelvin. A single
	// value holds constant; multiple values are interpolated linearly
	// across the run. Ignored for NVE.
	Temperature []float64

	// Pressure is the target pressure schedule in kilobar (NPT only).
	Pressure []float64

	// Friction is the Langevin friction in 1/fs. Zero takes the default
	// 0.01 (10 ps^-1).
	Friction float64

	// TauT is the Berendsen temperature coupling time in fs (default 100).
	TauT float64

	// TauP is the Berendsen pressure coupling time in fs (default 1000),
	// and Compressibility the assumed isothermal compressibility in 1/kbar
	// (default 4.57e-2, liquid water).
	TauP            float64
	Compressibility float64

	// CollisionRate is the Andersen collision rate in 1/fs (default 0.01).
	CollisionRate float64

	// VelocitySeed seeds the Maxwell-Boltzmann velocity initialization and
	// the stochastic thermostats. Zero derives a seed from the clock.
	VelocitySeed int64

	// ZeroMomentum removes the center-of-mass drift from the initial
	// velocities.
	ZeroMomentum bool

	// TrajInterval records every n-th step into the trajectory (default 1).
	TrajInterval int
}

// DefaultOptions returns NVT Langevin at 300 K for 1000 steps.
func DefaultOptions() Options {
	return Options{
		Ensemble:     NVT,
		Thermostat:   Langevin,
		NSteps:       1000,
		Temperature:  []float64{300},
		TrajInterval: 1,
	}
}

// Validate checks the ensemble/thermostat combination and schedule
// requirements.
func (o *Options) Validate() error {
	o.Ensemble = Ensemble(strings.ToLower(string(o.Ensemble)))
	o.Thermostat = Thermostat(strings.ToLower(string(o.Thermostat)))

	allowed, ok := validDynamics[o.Ensemble]
	if !ok {
		return fmt.Errorf("unknown ensemble %q, must be nve, nvt, or npt", o.Ensemble)
	}
	if o.Thermostat == "" {
		// Each ensemble has a natural default: verlet for NVE,
		// langevin for NVT, berendsen for NPT.
		o.Thermostat = allowed[0]
	}
	found := false
	for _, th := range allowed {
		if th == o.Thermostat {
			found = true
			break
		}
	}
	if !found {
		names := make([]string, len(allowed))
		for i, th := range allowed {
			names[i] = string(th)
		}
		return fmt.Errorf("%s thermostat not available for %s, available: %s",
			o.Thermostat, o.Ensemble, strings.Join(names, ", "))
	}

	if o.NSteps <= 0 {
		return fmt.Errorf("n_steps must be > 0, got %d", o.NSteps)
	}
	if o.TimeStep < 0 {
		return fmt.Errorf("time_step must be >= 0, got %g", o.TimeStep)
	}
	if o.Ensemble != NVE && len(o.Temperature) == 0 {
		return fmt.Errorf("%s ensemble requires a temperature", o.Ensemble)
	}
	if o.Ensemble == NPT && len(o.Pressure) == 0 {
		return fmt.Errorf("npt ensemble requires a pressure")
	}
	for _, temp := range o.Temperature {
		if temp < 0 {
			return fmt.Errorf("temperature must be >= 0 K, got %g", temp)
		}
	}
	return nil
}

// interpolateSchedule linearly resamples the given control points onto
// nSteps+1 values, one per MD step boundary. A single control point yields a
// constant schedule.
func interpolateSchedule(values []float64, nSteps int) []float64 {
	out := make([]float64, nSteps+1)
	if len(values) == 0 {
		return out
	}
	if len(values) == 1 {
		for i := range out {
			out[i] = values[0]
		}
		return out
	}
	for i := 0; i <= nSteps; i++ {
		// Position of step i on the control-point axis.
		x := float64(i) / float64(nSteps) * float64(len(values)-1)
		lo := int(x)
		if lo >= len(values)-1 {
			out[i] = values[len(values)-1]
			continue
		}
		frac := x - float64(lo)
		out[i] = values[lo]*(1-frac) + values[lo+1]*frac
	}
	return out
}
