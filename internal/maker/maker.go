// Package maker turns calculation settings into flow jobs. A maker is a
// reusable job factory: construct it once with a calculator and options, then
// stamp out jobs for any number of structures. Job outputs are task
// documents, so downstream jobs can reference the relaxed structure, energy,
// or trajectory of an upstream job.
package maker

import (
	"context"
	"time"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/md"
	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/relax"
)

// Maker builds one flow job from a structure-bearing input. The input may be
// a models.Structure, a task document, or a flow.OutputRef that resolves to
// either at run time.
type Maker interface {
	Name() string
	Make(input any) *flow.Job
}

// RelaxMaker builds geometry relaxation jobs.
type RelaxMaker struct {
	JobName string
	Calc    calculator.Calculator
	Options relax.Options
}

// NewRelaxMaker builds a relax maker with default options.
func NewRelaxMaker(calc calculator.Calculator) *RelaxMaker {
	return &RelaxMaker{JobName: "relax", Calc: calc, Options: relax.DefaultOptions()}
}

// Name implements Maker.
func (m *RelaxMaker) Name() string {
	if m.JobName != "" {
		return m.JobName
	}
	return "relax"
}

// Make implements Maker.
func (m *RelaxMaker) Make(input any) *flow.Job {
	name := m.Name()
	calc := m.Calc
	opts := m.Options
	var job *flow.Job
	job = flow.NewJob(name, func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}
		res, err := relax.NewRelaxer(calc, opts).Relax(ctx, s)
		if err != nil {
			return nil, err
		}
		doc := &models.TaskDocument{
			UUID:           job.UUID,
			Name:           name,
			Calculator:     calc.Name(),
			InputStructure: s,
			Structure:      res.Structure,
			Energy:         res.Energy,
			Forces:         res.Forces,
			Stress:         res.Stress,
			NSteps:         res.Steps,
			Converged:      res.Converged,
			Duration:       res.Duration,
			Trajectory:     res.Trajectory,
			CompletedAt:    time.Now().UTC(),
		}
		return &flow.Response{Output: doc}, nil
	}, input)
	return job
}

// StaticMaker builds single-point evaluation jobs.
type StaticMaker struct {
	JobName string
	Calc    calculator.Calculator
}

// NewStaticMaker builds a static maker.
func NewStaticMaker(calc calculator.Calculator) *StaticMaker {
	return &StaticMaker{JobName: "static", Calc: calc}
}

// Name implements Maker.
func (m *StaticMaker) Name() string {
	if m.JobName != "" {
		return m.JobName
	}
	return "static"
}

// Make implements Maker.
func (m *StaticMaker) Make(input any) *flow.Job {
	name := m.Name()
	calc := m.Calc
	var job *flow.Job
	job = flow.NewJob(name, func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}
		start := time.Now()
		res, err := calc.Compute(ctx, s)
		if err != nil {
			return nil, err
		}
		doc := &models.TaskDocument{
			UUID:           job.UUID,
			Name:           name,
			Calculator:     calc.Name(),
			InputStructure: s,
			Structure:      s,
			Energy:         res.Energy,
			Forces:         res.Forces,
			Stress:         res.Stress,
			Converged:      true,
			Duration:       time.Since(start),
			CompletedAt:    time.Now().UTC(),
		}
		return &flow.Response{Output: doc}, nil
	}, input)
	return job
}

// MDMaker builds molecular dynamics jobs.
type MDMaker struct {
	JobName string
	Calc    calculator.Calculator
	Options md.Options
}

// NewMDMaker builds an MD maker with the given options.
func NewMDMaker(calc calculator.Calculator, opts md.Options) *MDMaker {
	return &MDMaker{JobName: "md", Calc: calc, Options: opts}
}

// Name implements Maker.
func (m *MDMaker) Name() string {
	if m.JobName != "" {
		return m.JobName
	}
	return "md"
}

// Make implements Maker.
func (m *MDMaker) Make(input any) *flow.Job {
	name := m.Name()
	calc := m.Calc
	opts := m.Options
	var job *flow.Job
	job = flow.NewJob(name, func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}
		runner, err := md.NewRunner(calc, opts)
		if err != nil {
			return nil, err
		}
		res, err := runner.Run(ctx, s)
		if err != nil {
			return nil, err
		}
		doc := &models.TaskDocument{
			UUID:           job.UUID,
			Name:           name,
			Calculator:     calc.Name(),
			InputStructure: s,
			Structure:      res.Structure,
			Energy:         res.Energy,
			Forces:         res.Forces,
			Stress:         res.Stress,
			NSteps:         res.NSteps,
			Converged:      true,
			Duration:       res.Duration,
			Trajectory:     res.Trajectory,
			CompletedAt:    time.Now().UTC(),
		}
		return &flow.Response{Output: doc}, nil
	}, input)
	return job
}

// WithName returns a copy of the MD maker with a different job name.
func (m *MDMaker) WithName(name string) *MDMaker {
	out := *m
	out.JobName = name
	return &out
}

// WithOptions returns a copy of the MD maker with different run options.
func (m *MDMaker) WithOptions(opts md.Options) *MDMaker {
	out := *m
	out.Options = opts
	return &out
}

// Convenience constructors binding the built-in pair potentials to makers.
// Params may be nil to take the potential's defaults.

// NewLJRelaxMaker builds a relax maker over a Lennard-Jones calculator.
func NewLJRelaxMaker(params calculator.Params) *RelaxMaker {
	return NewRelaxMaker(calculator.NewLennardJones(params))
}

// NewLJStaticMaker builds a static maker over a Lennard-Jones calculator.
func NewLJStaticMaker(params calculator.Params) *StaticMaker {
	return NewStaticMaker(calculator.NewLennardJones(params))
}

// NewLJMDMaker builds an MD maker over a Lennard-Jones calculator.
func NewLJMDMaker(params calculator.Params, opts md.Options) *MDMaker {
	return NewMDMaker(calculator.NewLennardJones(params), opts)
}

// NewMorseRelaxMaker builds a relax maker over a Morse calculator.
func NewMorseRelaxMaker(params calculator.Params) *RelaxMaker {
	return NewRelaxMaker(calculator.NewMorse(params))
}

// NewMorseStaticMaker builds a static maker over a Morse calculator.
func NewMorseStaticMaker(params calculator.Params) *StaticMaker {
	return NewStaticMaker(calculator.NewMorse(params))
}

// NewMorseMDMaker builds an MD maker over a Morse calculator.
func NewMorseMDMaker(params calculator.Params, opts md.Options) *MDMaker {
	return NewMDMaker(calculator.NewMorse(params), opts)
}
