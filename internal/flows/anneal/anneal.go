// Package anneal builds annealing workflows: ramp a structure up to a peak
// temperature, hold it there, and cool it back down, as a chain of NVT MD
// runs with linearly interpolated temperature schedules.
package anneal

import (
	"fmt"

	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/maker"
)

// Maker builds a three-stage anneal: raise, hold, lower.
type Maker struct {
	FlowName   string
	MD         *maker.MDMaker
	StartTemp  float64
	MaxTemp    float64
	EndTemp    float64
	TotalSteps int
}

// NewMaker builds an anneal from 300 K up to 3000 K and back, with the MD
// step budget split evenly across the three stages.
func NewMaker(md *maker.MDMaker) *Maker {
	return &Maker{
		FlowName:   "anneal",
		MD:         md,
		StartTemp:  300,
		MaxTemp:    3000,
		EndTemp:    300,
		TotalSteps: 3000,
	}
}

// MakeFlow assembles the anneal flow for one input structure.
func (m *Maker) MakeFlow(input any) *flow.Flow {
	f := FromTempsAndSteps(m.MD, input, []float64{m.StartTemp, m.MaxTemp, m.MaxTemp, m.EndTemp}, m.TotalSteps)
	f.Name = m.FlowName
	return f
}

// FromTempsAndSteps builds a chain of MD runs from consecutive temperature
// pairs: n control temperatures yield n-1 stages, each ramping linearly from
// one temperature to the next. The step budget is split across stages, with
// the remainder spread over the leading stages.
func FromTempsAndSteps(md *maker.MDMaker, input any, temps []float64, totalSteps int) *flow.Flow {
	f := flow.NewFlow("anneal")
	if len(temps) < 2 {
		return f
	}
	steps := SplitSteps(totalSteps, len(temps)-1)
	prev := input
	for i := 0; i+1 < len(temps); i++ {
		opts := md.Options
		opts.Ensemble = "nvt"
		opts.Temperature = []float64{temps[i], temps[i+1]}
		opts.NSteps = steps[i]
		name := fmt.Sprintf("anneal md %.0fK-%.0fK", temps[i], temps[i+1])
		job := md.WithOptions(opts).WithName(name).Make(prev)
		f.Add(job)
		prev = flow.Ref(job)
	}
	f.Output = prev
	return f
}

// SplitSteps divides total into n integer parts that sum to total. The
// remainder goes to the leading parts, one extra step each.
func SplitSteps(total, n int) []int {
	if n <= 0 {
		return nil
	}
	base := total / n
	rem := total % n
	out := make([]int, n)
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}
