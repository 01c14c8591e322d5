package mpmorph

import (
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/maker"
)

// Maker assembles the full amorphous workflow: equilibrium volume search,
// production MD, and an optional quench. At most one of SlowQuench and
// FastQuench should be set.
type Maker struct {
	FlowName    string
	Equilibrium *EquilibriumVolumeMaker
	Production  *maker.MDMaker
	SlowQuench  *SlowQuenchMaker
	FastQuench  *FastQuenchMaker
}

// NewMaker builds the workflow from a convergence MD maker (used by the
// volume search) and a production MD maker.
func NewMaker(convergence, production *maker.MDMaker) *Maker {
	return &Maker{
		FlowName:    "mpmorph",
		Equilibrium: NewEquilibriumVolumeMaker(convergence),
		Production:  production,
	}
}

// MakeFlow assembles the flow for one input structure. The flow's output is
// the task document of the last stage: the production run, or the quench
// when one is configured.
func (m *Maker) MakeFlow(input any) *flow.Flow {
	f := flow.NewFlow(m.FlowName)

	eq := m.Equilibrium.Make(input)
	prod := m.Production.WithName("production md").Make(flow.Ref(eq))
	f.Add(eq, prod)
	f.Output = flow.Ref(prod)

	switch {
	case m.SlowQuench != nil:
		quench := m.SlowQuench.MakeFlow(flow.Ref(prod))
		f.AddFlow(quench)
		f.Output = quench.Output
	case m.FastQuench != nil:
		quench := m.FastQuench.MakeFlow(flow.Ref(prod))
		f.AddFlow(quench)
		f.Output = quench.Output
	}
	return f
}
