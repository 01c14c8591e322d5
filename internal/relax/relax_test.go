package relax

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/models"
)

// displacedCrystal returns a small cubic crystal with every atom nudged off
// its lattice site, plus a spring calculator tethered to the ideal sites.
func displacedCrystal(t *testing.T, displacement float64) (models.Structure, *calculator.Spring) {
	t.Helper()

	ideal := models.Structure{Lattice: models.NewCubicLattice(8)}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				ideal.Sites = append(ideal.Sites, models.Site{
					Element: "Cu",
					Coords:  [3]float64{0.25 + 0.5*float64(i), 0.25 + 0.5*float64(j), 0.25 + 0.5*float64(k)},
				})
			}
		}
	}

	spring := calculator.NewSpring(calculator.Params{"k": 1.0})
	spring.SetReference(ideal)

	displaced := ideal.Copy()
	cart := displaced.CartesianCoords()
	for i := range cart {
		// Deterministic nudge pattern, alternating sign per axis.
		sign := 1.0
		if i%2 == 1 {
			sign = -1
		}
		cart[i][0] += sign * displacement
		cart[i][1] -= sign * displacement / 2
	}
	require.NoError(t, displaced.SetCartesianCoords(cart))

	return displaced, spring
}

func TestRelaxConvergesToReference(t *testing.T) {
	displaced, spring := displacedCrystal(t, 0.3)

	relaxer := NewRelaxer(spring, Options{Fmax: 1e-4, Steps: 500})
	res, err := relaxer.Relax(context.Background(), displaced)
	require.NoError(t, err)

	assert.True(t, res.Converged, "relaxation should converge within the step budget")
	assert.InDelta(t, 0, res.Energy, 1e-6)
	assert.Less(t, res.Steps, 500)
	assert.GreaterOrEqual(t, res.Trajectory.Len(), 2)

	// Energy decreases monotonically-ish: first frame is well above the last.
	first := res.Trajectory.Frames[0]
	assert.Greater(t, first.Energy, res.Energy)
}

func TestRelaxHitsStepBudget(t *testing.T) {
	displaced, spring := displacedCrystal(t, 0.3)

	relaxer := NewRelaxer(spring, Options{Fmax: 1e-12, Steps: 3})
	res, err := relaxer.Relax(context.Background(), displaced)
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Equal(t, 3, res.Steps)
}

func TestRelaxFixPositionsRequiresRelaxCell(t *testing.T) {
	displaced, spring := displacedCrystal(t, 0.1)

	relaxer := NewRelaxer(spring, Options{FixPositions: true, RelaxCell: false})
	_, err := relaxer.Relax(context.Background(), displaced)
	assert.Error(t, err)
}

func TestRelaxRespectsCancelledContext(t *testing.T) {
	displaced, spring := displacedCrystal(t, 0.1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	relaxer := NewRelaxer(spring, Options{})
	_, err := relaxer.Relax(ctx, displaced)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelaxTrajectoryInterval(t *testing.T) {
	displaced, spring := displacedCrystal(t, 0.3)

	relaxer := NewRelaxer(spring, Options{Fmax: 1e-4, Steps: 500, TrajInterval: 50})
	res, err := relaxer.Relax(context.Background(), displaced)
	require.NoError(t, err)

	// Far fewer frames than steps, but always first and last.
	assert.Less(t, res.Trajectory.Len(), res.Steps+1)
	assert.Equal(t, 0, res.Trajectory.Frames[0].Step)
	assert.Equal(t, res.Steps, res.Trajectory.Last().Step)
}
