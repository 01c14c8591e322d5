package mpmorph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/maker"
	"github.com/ferrante/matflow/internal/md"
	"github.com/ferrante/matflow/internal/models"
)

// parabolaCalc has energy depending only on cell volume, with a minimum at
// V0. Forces vanish, so MD runs are cheap and the reported energy is exact.
type parabolaCalc struct {
	v0   float64
	curv float64
}

func (parabolaCalc) Name() string { return "parabola" }

func (p parabolaCalc) Compute(ctx context.Context, s models.Structure) (*calculator.Result, error) {
	dv := s.Volume() - p.v0
	return &calculator.Result{
		Energy: p.curv * dv * dv,
		Forces: make([][3]float64, s.NumAtoms()),
	}, nil
}

func arCrystal(t *testing.T) models.Structure {
	t.Helper()
	s := models.Structure{Lattice: models.NewCubicLattice(10.0)}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				s.Sites = append(s.Sites, models.Site{
					Element: "Ar",
					Coords:  [3]float64{float64(i) / 2, float64(j) / 2, float64(k) / 2},
				})
			}
		}
	}
	return s
}

func shortMD(calc calculator.Calculator) *maker.MDMaker {
	return maker.NewMDMaker(calc, md.Options{
		Ensemble:     md.NVT,
		Thermostat:   md.Langevin,
		NSteps:       5,
		Temperature:  []float64{300},
		VelocitySeed: 1,
	})
}

func TestEquilibriumVolumeWithinSampledRange(t *testing.T) {
	calc := parabolaCalc{v0: 900, curv: 1e-4}
	eq := NewEquilibriumVolumeMaker(shortMD(calc)).Make(arCrystal(t))

	f := flow.NewFlow("eqvol").Add(eq)
	f.Output = flow.Ref(eq)
	res, err := flow.NewEngine(flow.WithMaxConcurrency(3)).Run(context.Background(), f)
	require.NoError(t, err)

	// Sampled volumes 512, 1000, 1728 bracket the minimum.
	assert.Equal(t, 5, res.TotalJobs) // search job + 3 MD + fit

	s, err := models.AsStructure(res.Output)
	require.NoError(t, err)
	assert.InDelta(t, 900, s.Volume(), 1e-6)
}

func TestEquilibriumVolumeExtendsSearch(t *testing.T) {
	// Minimum far above the sampled window: the search must extend
	// itself upward until the fit lands inside its samples.
	calc := parabolaCalc{v0: 5000, curv: 1e-6}
	eq := NewEquilibriumVolumeMaker(shortMD(calc)).Make(arCrystal(t))

	f := flow.NewFlow("eqvol-ext").Add(eq)
	f.Output = flow.Ref(eq)
	res, err := flow.NewEngine().Run(context.Background(), f)
	require.NoError(t, err)

	s, err := models.AsStructure(res.Output)
	require.NoError(t, err)
	assert.InDelta(t, 5000, s.Volume(), 1e-6)
	assert.Greater(t, res.TotalJobs, 5)
}

func TestEquilibriumVolumeGivesUpAfterMaxIterations(t *testing.T) {
	calc := parabolaCalc{v0: 1e9, curv: 1e-12}
	m := NewEquilibriumVolumeMaker(shortMD(calc))
	m.MaxIterations = 2
	eq := m.Make(arCrystal(t))

	f := flow.NewFlow("eqvol-runaway").Add(eq)
	_, err := flow.NewEngine().Run(context.Background(), f)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no equilibrium after 2 iterations")
}

func TestEquilibriumVolumeRejectsMaximum(t *testing.T) {
	// Inverted curvature: energies rise toward the center sample.
	calc := parabolaCalc{v0: 1000, curv: -1e-4}
	eq := NewEquilibriumVolumeMaker(shortMD(calc)).Make(arCrystal(t))

	f := flow.NewFlow("eqvol-max").Add(eq)
	_, err := flow.NewEngine().Run(context.Background(), f)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no minimum")
}

func TestSlowQuenchTemps(t *testing.T) {
	m := NewSlowQuenchMaker(nil)
	assert.Equal(t, []float64{3000, 2500, 2000, 1500, 1000, 500}, m.Temps())

	m.StartTemp, m.EndTemp, m.TempStep = 1000, 300, 400
	assert.Equal(t, []float64{1000, 600}, m.Temps())
}

func TestSlowQuenchRejectsBadLadder(t *testing.T) {
	m := NewSlowQuenchMaker(nil)
	m.TempStep = -100
	assert.ErrorContains(t, m.Validate(), "temp_step must be positive")
	// The ladder never descends with a negative step; Temps must still
	// return instead of walking upward forever.
	assert.Empty(t, m.Temps())

	m = NewSlowQuenchMaker(nil)
	m.TempStep = 0
	assert.ErrorContains(t, m.Validate(), "temp_step must be positive")
	assert.Empty(t, m.Temps())

	m = NewSlowQuenchMaker(nil)
	m.StartTemp, m.EndTemp = 300, 1000
	assert.ErrorContains(t, m.Validate(), "below end_temp")
	assert.Empty(t, m.Temps())

	assert.NoError(t, NewSlowQuenchMaker(nil).Validate())
}

func TestSlowQuenchChainsPlateaus(t *testing.T) {
	ideal := arCrystal(t)
	spring := calculator.NewSpring(calculator.Params{"k": 1.0})
	spring.SetReference(ideal)

	m := NewSlowQuenchMaker(shortMD(spring))
	m.StartTemp, m.EndTemp, m.TempStep = 600, 200, 200
	m.NStepsPerTemp = 3
	f := m.MakeFlow(ideal)

	require.Len(t, f.Jobs, 3)
	assert.Equal(t, "quench md 600K", f.Jobs[0].Name)
	assert.Equal(t, "quench md 200K", f.Jobs[2].Name)

	res, err := flow.NewEngine().Run(context.Background(), f)
	require.NoError(t, err)
	doc, err := models.AsTaskDocument(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "quench md 200K", doc.Name)
	assert.Equal(t, 3, doc.NSteps)
}

func TestFastQuenchRelaxesAndEvaluates(t *testing.T) {
	ideal := arCrystal(t)
	spring := calculator.NewSpring(calculator.Params{"k": 1.0})
	spring.SetReference(ideal)

	displaced := ideal.Copy()
	cart := displaced.CartesianCoords()
	for i := range cart {
		cart[i][1] -= 0.15
	}
	require.NoError(t, displaced.SetCartesianCoords(cart))

	m := NewFastQuenchMaker(maker.NewRelaxMaker(spring), maker.NewStaticMaker(spring))
	f := m.MakeFlow(displaced)

	res, err := flow.NewEngine().Run(context.Background(), f)
	require.NoError(t, err)
	doc, err := models.AsTaskDocument(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "static", doc.Name)
	assert.InDelta(t, 0, doc.Energy, 1e-3)
}

func TestMPMorphFlowRunsSearchThenProduction(t *testing.T) {
	calc := parabolaCalc{v0: 900, curv: 1e-4}
	m := NewMaker(shortMD(calc), shortMD(calc))
	f := m.MakeFlow(arCrystal(t))

	res, err := flow.NewEngine().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 6, res.TotalJobs) // search + 3 MD + fit + production

	doc, err := models.AsTaskDocument(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "production md", doc.Name)
	assert.InDelta(t, 900, doc.Volume(), 1e-6)
}

func TestMPMorphFlowWithSlowQuench(t *testing.T) {
	calc := parabolaCalc{v0: 900, curv: 1e-4}
	m := NewMaker(shortMD(calc), shortMD(calc))
	m.SlowQuench = NewSlowQuenchMaker(shortMD(calc))
	m.SlowQuench.StartTemp, m.SlowQuench.EndTemp, m.SlowQuench.TempStep = 600, 300, 300
	m.SlowQuench.NStepsPerTemp = 2

	f := m.MakeFlow(arCrystal(t))
	res, err := flow.NewEngine().Run(context.Background(), f)
	require.NoError(t, err)

	doc, err := models.AsTaskDocument(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "quench md 300K", doc.Name)
}
