package mpmorph

import (
	"fmt"

	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/maker"
)

// SlowQuenchMaker cools a structure in temperature steps: one NVT run per
// temperature, walking down from StartTemp to EndTemp inclusive.
type SlowQuenchMaker struct {
	FlowName      string
	MD            *maker.MDMaker
	StartTemp     float64
	EndTemp       float64
	TempStep      float64
	NStepsPerTemp int
}

// NewSlowQuenchMaker builds a slow quench from 3000 K down to 500 K in
// 500 K steps, 1000 MD steps per plateau.
func NewSlowQuenchMaker(md *maker.MDMaker) *SlowQuenchMaker {
	return &SlowQuenchMaker{
		FlowName:      "slow quench",
		MD:            md,
		StartTemp:     3000,
		EndTemp:       500,
		TempStep:      500,
		NStepsPerTemp: 1000,
	}
}

// Validate rejects temperature ladders that cannot terminate.
func (m *SlowQuenchMaker) Validate() error {
	if m.TempStep <= 0 {
		return fmt.Errorf("quench temp_step must be positive, got %g", m.TempStep)
	}
	if m.StartTemp < m.EndTemp {
		return fmt.Errorf("quench start_temp %g is below end_temp %g", m.StartTemp, m.EndTemp)
	}
	return nil
}

// Temps returns the descending plateau temperatures, end temperature
// included. A ladder that fails Validate yields no temperatures.
func (m *SlowQuenchMaker) Temps() []float64 {
	if m.Validate() != nil {
		return nil
	}
	var temps []float64
	for temp := m.StartTemp; temp >= m.EndTemp; temp -= m.TempStep {
		temps = append(temps, temp)
	}
	return temps
}

// MakeFlow chains one MD run per plateau, each starting from the previous
// run's final structure and velocities.
func (m *SlowQuenchMaker) MakeFlow(input any) *flow.Flow {
	f := flow.NewFlow(m.FlowName)
	prev := input
	for _, temp := range m.Temps() {
		opts := m.MD.Options
		opts.Temperature = []float64{temp}
		if m.NStepsPerTemp > 0 {
			opts.NSteps = m.NStepsPerTemp
		}
		job := m.MD.WithOptions(opts).WithName(fmt.Sprintf("quench md %.0fK", temp)).Make(prev)
		f.Add(job)
		prev = flow.Ref(job)
	}
	f.Output = prev
	return f
}

// FastQuenchMaker quenches instantly: a full relaxation followed by a static
// evaluation of the relaxed structure.
type FastQuenchMaker struct {
	FlowName string
	Relax    *maker.RelaxMaker
	Static   *maker.StaticMaker
}

// NewFastQuenchMaker builds a fast quench from the given makers.
func NewFastQuenchMaker(relaxM *maker.RelaxMaker, staticM *maker.StaticMaker) *FastQuenchMaker {
	return &FastQuenchMaker{FlowName: "fast quench", Relax: relaxM, Static: staticM}
}

// MakeFlow assembles the relax-then-static chain.
func (m *FastQuenchMaker) MakeFlow(input any) *flow.Flow {
	relaxJob := m.Relax.Make(input)
	staticJob := m.Static.Make(flow.Ref(relaxJob))
	f := flow.NewFlow(m.FlowName).Add(relaxJob, staticJob)
	f.Output = flow.Ref(staticJob)
	return f
}
