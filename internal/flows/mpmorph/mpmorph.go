// Package mpmorph builds amorphous-structure workflows: an MD-based search
// for the equilibrium volume, a production MD run at that volume, and an
// optional quench down to a final structure.
//
// The volume search is dynamic: a first batch of MD runs samples three cell
// scalings, an energy-volume fit picks the equilibrium volume, and when that
// volume falls outside the sampled window the search extends itself with
// further runs before settling.
package mpmorph

import (
	"context"
	"fmt"
	"math"

	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/maker"
	"github.com/ferrante/matflow/internal/models"
)

// DefaultScaleFactors are the linear cell scalings of the first sampling
// batch. Volumes scale with the cube.
var DefaultScaleFactors = []float64{0.8, 1.0, 1.2}

// DefaultMaxIterations bounds how often the volume search may extend itself.
const DefaultMaxIterations = 6

// EquilibriumVolumeMaker builds the volume-search job. Its output is the
// input structure rescaled to the fitted equilibrium volume.
type EquilibriumVolumeMaker struct {
	JobName       string
	MD            *maker.MDMaker
	ScaleFactors  []float64
	MaxIterations int
}

// NewEquilibriumVolumeMaker builds a volume-search maker around the given
// MD maker.
func NewEquilibriumVolumeMaker(md *maker.MDMaker) *EquilibriumVolumeMaker {
	return &EquilibriumVolumeMaker{
		JobName:       "equilibrium volume",
		MD:            md,
		ScaleFactors:  DefaultScaleFactors,
		MaxIterations: DefaultMaxIterations,
	}
}

// Name implements maker.Maker.
func (m *EquilibriumVolumeMaker) Name() string {
	if m.JobName != "" {
		return m.JobName
	}
	return "equilibrium volume"
}

// Make implements maker.Maker. The job detours into one MD run per scale
// factor plus a fit job; the fit job may keep extending the search.
func (m *EquilibriumVolumeMaker) Make(input any) *flow.Job {
	md := m.MD
	scales := m.ScaleFactors
	if len(scales) == 0 {
		scales = DefaultScaleFactors
	}
	maxIter := m.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return flow.NewJob(m.Name(), func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}

		detour := flow.NewFlow("volume search")
		fitArgs := []any{s}
		for i, scale := range scales {
			scaled := s.Copy()
			scaled.Lattice = scaled.Lattice.Scaled(scale)
			mdJob := md.WithName(fmt.Sprintf("volume md %d", i+1)).Make(scaled)
			detour.Add(mdJob)
			fitArgs = append(fitArgs, flow.Ref(mdJob))
		}
		fit := volumeFitJob(md, fitArgs, 1, maxIter)
		detour.Add(fit)
		detour.Output = flow.Ref(fit)
		return &flow.Response{Detour: detour}, nil
	}, input)
}

// volumeFitJob fits the sampled energy-volume points and either emits the
// rescaled structure or extends the search with one more MD run. Args are
// the original structure followed by task documents (or references to them).
func volumeFitJob(md *maker.MDMaker, args []any, iteration, maxIter int) *flow.Job {
	return flow.NewJob(fmt.Sprintf("fit volume %d", iteration), func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}
		var volumes, energies []float64
		for _, arg := range args[1:] {
			doc, err := models.AsTaskDocument(arg)
			if err != nil {
				return nil, err
			}
			volumes = append(volumes, doc.Volume())
			energies = append(energies, doc.Energy)
		}

		v0, err := parabolaMinimum(volumes, energies)
		if err != nil {
			return nil, fmt.Errorf("volume search: %w", err)
		}

		vMin, vMax := minMax(volumes)
		if v0 >= vMin && v0 <= vMax {
			eq, err := s.ScaledToVolume(v0)
			if err != nil {
				return nil, err
			}
			return &flow.Response{Output: eq}, nil
		}

		// Equilibrium lies outside the sampled window: extrapolate and
		// sample once more. The extension is capped per iteration so a
		// wild fit cannot fling the search to absurd volumes.
		if iteration >= maxIter {
			return nil, fmt.Errorf("volume search: no equilibrium after %d iterations (last estimate %.1f A^3)", iteration, v0)
		}
		next := math.Min(math.Max(v0, vMin/2), vMax*2)
		scaled, err := s.ScaledToVolume(next)
		if err != nil {
			return nil, err
		}
		mdJob := md.WithName(fmt.Sprintf("volume md ext %d", iteration)).Make(scaled)

		nextArgs := make([]any, 0, len(args)+1)
		nextArgs = append(nextArgs, s)
		for _, arg := range args[1:] {
			nextArgs = append(nextArgs, arg)
		}
		nextArgs = append(nextArgs, flow.Ref(mdJob))
		refit := volumeFitJob(md, nextArgs, iteration+1, maxIter)

		detour := flow.NewFlow("volume search extension").Add(mdJob, refit)
		detour.Output = flow.Ref(refit)
		return &flow.Response{Detour: detour}, nil
	}, args...)
}

// parabolaMinimum fits E = a + bV + cV^2 by least squares and returns the
// vertex volume. Needs at least three samples and upward curvature.
func parabolaMinimum(volumes, energies []float64) (float64, error) {
	if len(volumes) < 3 {
		return 0, fmt.Errorf("need at least 3 samples, got %d", len(volumes))
	}
	var s0, s1, s2, s3, s4, t0, t1, t2 float64
	for i, v := range volumes {
		e := energies[i]
		s0++
		s1 += v
		s2 += v * v
		s3 += v * v * v
		s4 += v * v * v * v
		t0 += e
		t1 += v * e
		t2 += v * v * e
	}
	// Solve the 3x3 normal equations by elimination.
	a := [3][4]float64{
		{s0, s1, s2, t0},
		{s1, s2, s3, t1},
		{s2, s3, s4, t2},
	}
	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-30 {
			return 0, fmt.Errorf("degenerate volume samples")
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < 3; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 4; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	b := a[1][3] / a[1][1]
	c := a[2][3] / a[2][2]
	if c <= 0 {
		return 0, fmt.Errorf("energy-volume curve has no minimum")
	}
	return -b / (2 * c), nil
}

func minMax(vals []float64) (float64, float64) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
