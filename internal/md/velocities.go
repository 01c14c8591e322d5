package md

import (
	"math"
	"math/rand"

	"github.com/ferrante/matflow/internal/models"
)

// InitVelocities draws Maxwell-Boltzmann velocities at the given temperature
// and assigns them to the structure's sites, overwriting any existing
// velocities. When zeroMomentum is set the center-of-mass drift is removed
// and the velocities rescaled back to the target temperature.
func InitVelocities(s *models.Structure, temperature float64, rng *rand.Rand, zeroMomentum bool) error {
	n := s.NumAtoms()
	if n == 0 || temperature <= 0 {
		for i := range s.Sites {
			s.Sites[i].Velocity = &[3]float64{}
		}
		return nil
	}

	masses, err := s.Masses()
	if err != nil {
		return err
	}
	vel := make([][3]float64, n)
	for i := range vel {
		// sigma in A/fs: kT = m v^2 per degree of freedom, with the
		// mass-unit conversion folded in via KineticFactor.
		sigma := math.Sqrt(models.Boltzmann * temperature / (masses[i] * models.KineticFactor))
		for k := 0; k < 3; k++ {
			vel[i][k] = rng.NormFloat64() * sigma
		}
	}

	if zeroMomentum {
		var com [3]float64
		var total float64
		for i := range vel {
			for k := 0; k < 3; k++ {
				com[k] += masses[i] * vel[i][k]
			}
			total += masses[i]
		}
		for i := range vel {
			for k := 0; k < 3; k++ {
				vel[i][k] -= com[k] / total
			}
		}
	}

	// Rescale so the instantaneous temperature matches the target exactly.
	cur := temperatureOf(vel, masses)
	if cur > 0 {
		scale := math.Sqrt(temperature / cur)
		for i := range vel {
			for k := 0; k < 3; k++ {
				vel[i][k] *= scale
			}
		}
	}

	for i := range s.Sites {
		v := vel[i]
		s.Sites[i].Velocity = &v
	}
	return nil
}

// temperatureOf returns the instantaneous kinetic temperature in Kelvin for
// velocities in A/fs and masses in amu.
func temperatureOf(vel [][3]float64, masses []float64) float64 {
	if len(vel) == 0 {
		return 0
	}
	var twiceKE float64
	for i := range vel {
		v2 := vel[i][0]*vel[i][0] + vel[i][1]*vel[i][1] + vel[i][2]*vel[i][2]
		twiceKE += masses[i] * v2 * models.KineticFactor
	}
	dof := 3 * len(vel)
	return twiceKE / (float64(dof) * models.Boltzmann)
}

// kineticEnergy returns the total kinetic energy in eV.
func kineticEnergy(vel [][3]float64, masses []float64) float64 {
	var e float64
	for i := range vel {
		v2 := vel[i][0]*vel[i][0] + vel[i][1]*vel[i][1] + vel[i][2]*vel[i][2]
		e += 0.5 * masses[i] * v2 * models.KineticFactor
	}
	return e
}
