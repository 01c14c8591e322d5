package eos

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/relax"
)

// Document is the output of an equation-of-state flow.
type Document struct {
	// Volumes and Energies are the sampled points, relaxed frame included,
	// in sampling order.
	Volumes  []float64 `json:"volumes"`
	Energies []float64 `json:"energies"`
	// RelaxedVolume is the volume after the initial double relaxation.
	RelaxedVolume float64 `json:"relaxed_volume"`
	// Fits holds one result per requested model. A model whose fit failed
	// is absent here and explained in FitErrors instead.
	Fits      map[string]*FitResult `json:"fits"`
	FitErrors map[string]string     `json:"fit_errors,omitempty"`
}

// Maker builds equation-of-state flows: a double relaxation, a fan of
// deformed frames sampled over a linear strain range, and a fit job.
type Maker struct {
	FlowName string
	Calc     calculator.Calculator
	// RelaxOptions configures the two initial full relaxations.
	RelaxOptions relax.Options
	// FrameRelaxOptions configures the per-frame position-only
	// relaxations, used when RelaxFrames is set. The cell stays at the
	// deformed shape either way.
	FrameRelaxOptions relax.Options
	RelaxFrames       bool
	// NFrames deformations spread linearly over [-MaxStrain, +MaxStrain].
	NFrames   int
	MaxStrain float64
	Models    []string
}

// NewMaker returns an EOS maker with the conventional six frames over a
// +/- 5 percent strain range, fitting every supported model.
func NewMaker(calc calculator.Calculator) *Maker {
	frameOpts := relax.DefaultOptions()
	frameOpts.RelaxCell = false
	return &Maker{
		FlowName:          "eos",
		Calc:              calc,
		RelaxOptions:      relax.DefaultOptions(),
		FrameRelaxOptions: frameOpts,
		RelaxFrames:       true,
		NFrames:           6,
		MaxStrain:         0.05,
		Models:            Models(),
	}
}

// Strains returns the linear strain applied to each frame.
func (m *Maker) Strains() []float64 {
	n := m.NFrames
	if n < 2 {
		n = 2
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = -m.MaxStrain + 2*m.MaxStrain*float64(i)/float64(n-1)
	}
	return out
}

// MakeFlow assembles the flow for one input structure.
func (m *Maker) MakeFlow(input any) *flow.Flow {
	f := flow.NewFlow(m.FlowName)

	relax1 := m.relaxJob("relax 1", input)
	relax2 := m.relaxJob("relax 2", flow.Ref(relax1))
	f.Add(relax1, relax2)

	frames := make([]*flow.Job, 0, m.NFrames)
	for i, strain := range m.Strains() {
		frame := m.frameJob(fmt.Sprintf("frame %d", i+1), strain, flow.Ref(relax2))
		frames = append(frames, frame)
		f.Add(frame)
	}

	f.Add(m.fitJob(relax2, frames))
	f.Output = flow.Ref(f.Jobs[len(f.Jobs)-1])
	return f
}

func (m *Maker) relaxJob(name string, input any) *flow.Job {
	calc := m.Calc
	opts := m.RelaxOptions
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
		return &flow.Response{Output: relaxDoc(job.UUID, name, calc.Name(), s, res)}, nil
	}, input)
	return job
}

// frameJob deforms the relaxed structure by an isotropic linear strain, then
// evaluates it either statically or with a position-only relaxation.
func (m *Maker) frameJob(name string, strain float64, input any) *flow.Job {
	calc := m.Calc
	opts := m.FrameRelaxOptions
	opts.RelaxCell = false
	relaxFrame := m.RelaxFrames
	var job *flow.Job
	job = flow.NewJob(name, func(ctx context.Context, args []any) (*flow.Response, error) {
		s, err := models.AsStructure(args[0])
		if err != nil {
			return nil, err
		}
		l := 1 + strain
		deformed := s.Deformed([3][3]float64{{l, 0, 0}, {0, l, 0}, {0, 0, l}})

		if relaxFrame {
			res, err := relax.NewRelaxer(calc, opts).Relax(ctx, deformed)
			if err != nil {
				return nil, err
			}
			return &flow.Response{Output: relaxDoc(job.UUID, name, calc.Name(), deformed, res)}, nil
		}

		start := time.Now()
		res, err := calc.Compute(ctx, deformed)
		if err != nil {
			return nil, err
		}
		doc := &models.TaskDocument{
			UUID:           job.UUID,
			Name:           name,
			Calculator:     calc.Name(),
			InputStructure: deformed,
			Structure:      deformed,
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

// fitJob collects frame energies and fits every requested model. Fit
// failures are reported in the document, not as job errors: a pathological
// energy landscape is a result, not a crash.
func (m *Maker) fitJob(relaxed *flow.Job, frames []*flow.Job) *flow.Job {
	modelNames := m.Models
	args := make([]any, 0, len(frames)+1)
	args = append(args, flow.Ref(relaxed))
	for _, frame := range frames {
		args = append(args, flow.Ref(frame))
	}
	return flow.NewJob("fit eos", func(ctx context.Context, args []any) (*flow.Response, error) {
		relaxDoc, err := models.AsTaskDocument(args[0])
		if err != nil {
			return nil, err
		}
		doc := &Document{
			RelaxedVolume: relaxDoc.Volume(),
			Fits:          make(map[string]*FitResult),
		}
		doc.Volumes = append(doc.Volumes, relaxDoc.Volume())
		doc.Energies = append(doc.Energies, relaxDoc.Energy)
		for _, arg := range args[1:] {
			frameDoc, err := models.AsTaskDocument(arg)
			if err != nil {
				return nil, err
			}
			doc.Volumes = append(doc.Volumes, frameDoc.Volume())
			doc.Energies = append(doc.Energies, frameDoc.Energy)
		}

		for _, model := range modelNames {
			fit, err := Fit(model, doc.Volumes, doc.Energies)
			if err != nil {
				if doc.FitErrors == nil {
					doc.FitErrors = make(map[string]string)
				}
				doc.FitErrors[model] = err.Error()
				continue
			}
			doc.Fits[model] = fit
		}
		return &flow.Response{Output: doc}, nil
	}, args...)
}

func relaxDoc(uuid, name, calcName string, input models.Structure, res *relax.Result) *models.TaskDocument {
	return &models.TaskDocument{
		UUID:           uuid,
		Name:           name,
		Calculator:     calcName,
		InputStructure: input,
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
}
