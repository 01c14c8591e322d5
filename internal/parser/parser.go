package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferrante/matflow/internal/calculator"
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/flows/anneal"
	"github.com/ferrante/matflow/internal/flows/eos"
	"github.com/ferrante/matflow/internal/flows/mpmorph"
	"github.com/ferrante/matflow/internal/maker"
	"github.com/ferrante/matflow/internal/md"
	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/relax"
	"github.com/ferrante/matflow/internal/structio"
)

// Kind is the workflow type requested by a document.
type Kind string

const (
	KindRelax   Kind = "relax"
	KindStatic  Kind = "static"
	KindMD      Kind = "md"
	KindEOS     Kind = "eos"
	KindMPMorph Kind = "mpmorph"
	KindAnneal  Kind = "anneal"
	KindQuench  Kind = "quench"
)

var validKinds = map[Kind]bool{
	KindRelax:   true,
	KindStatic:  true,
	KindMD:      true,
	KindEOS:     true,
	KindMPMorph: true,
	KindAnneal:  true,
	KindQuench:  true,
}

// floatList accepts either a YAML scalar or a sequence, so that
// "temperature: 300" and "temperature: [300, 600]" both parse.
type floatList []float64

func (f *floatList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*f = floatList{v}
		return nil
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return err
		}
		*f = floatList(vs)
		return nil
	default:
		return fmt.Errorf("line %d: want a number or a list of numbers", node.Line)
	}
}

// CalculatorSpec selects a registered potential and its parameters.
type CalculatorSpec struct {
	Name   string            `yaml:"name"`
	Params calculator.Params `yaml:"params"`
}

// MDSpec configures a molecular dynamics stage. Zero-valued fields keep
// the md package defaults.
type MDSpec struct {
	Ensemble        string    `yaml:"ensemble"`
	Thermostat      string    `yaml:"thermostat"`
	NSteps          int       `yaml:"n_steps"`
	TimeStep        float64   `yaml:"time_step"`
	Temperature     floatList `yaml:"temperature"`
	Pressure        floatList `yaml:"pressure"`
	Friction        float64   `yaml:"friction"`
	TauT            float64   `yaml:"tau_t"`
	TauP            float64   `yaml:"tau_p"`
	Compressibility float64   `yaml:"compressibility"`
	CollisionRate   float64   `yaml:"collision_rate"`
	Seed            int64     `yaml:"seed"`
	ZeroMomentum    bool      `yaml:"zero_momentum"`
	TrajInterval    int       `yaml:"traj_interval"`
}

// Options translates the section into md.Options, starting from the package
// defaults so that an empty or partial spec stays valid.
func (s *MDSpec) Options() md.Options {
	opts := md.DefaultOptions()
	if s == nil {
		return opts
	}
	if s.Ensemble != "" {
		opts.Ensemble = md.Ensemble(s.Ensemble)
		// The default langevin thermostat only applies to NVT; let
		// Validate pick the ensemble's own default otherwise.
		if s.Thermostat == "" {
			opts.Thermostat = ""
		}
	}
	if s.Thermostat != "" {
		opts.Thermostat = md.Thermostat(s.Thermostat)
	}
	if s.NSteps != 0 {
		opts.NSteps = s.NSteps
	}
	if s.TimeStep != 0 {
		opts.TimeStep = s.TimeStep
	}
	if len(s.Temperature) > 0 {
		opts.Temperature = []float64(s.Temperature)
	}
	if len(s.Pressure) > 0 {
		opts.Pressure = []float64(s.Pressure)
	}
	opts.Friction = s.Friction
	opts.TauT = s.TauT
	opts.TauP = s.TauP
	opts.Compressibility = s.Compressibility
	opts.CollisionRate = s.CollisionRate
	opts.VelocitySeed = s.Seed
	opts.ZeroMomentum = s.ZeroMomentum
	if s.TrajInterval != 0 {
		opts.TrajInterval = s.TrajInterval
	}
	return opts
}

// RelaxSpec configures a geometry optimization stage.
type RelaxSpec struct {
	Fmax         float64 `yaml:"fmax"`
	Steps        int     `yaml:"steps"`
	RelaxCell    *bool   `yaml:"relax_cell"`
	FixPositions bool    `yaml:"fix_positions"`
	TrajInterval int     `yaml:"traj_interval"`
}

// Options translates the section into relax.Options on top of the defaults.
func (s *RelaxSpec) Options() relax.Options {
	opts := relax.DefaultOptions()
	if s == nil {
		return opts
	}
	if s.Fmax != 0 {
		opts.Fmax = s.Fmax
	}
	if s.Steps != 0 {
		opts.Steps = s.Steps
	}
	if s.RelaxCell != nil {
		opts.RelaxCell = *s.RelaxCell
	}
	opts.FixPositions = s.FixPositions
	if s.TrajInterval != 0 {
		opts.TrajInterval = s.TrajInterval
	}
	return opts
}

// EOSSpec configures an equation-of-state flow.
type EOSSpec struct {
	NFrames     int      `yaml:"n_frames"`
	MaxStrain   float64  `yaml:"max_strain"`
	RelaxFrames *bool    `yaml:"relax_frames"`
	Models      []string `yaml:"models"`
}

// QuenchSpec configures the quench stage of an mpmorph flow, or a
// standalone quench workflow.
type QuenchSpec struct {
	Mode          string  `yaml:"mode"` // slow or fast
	StartTemp     float64 `yaml:"start_temp"`
	EndTemp       float64 `yaml:"end_temp"`
	TempStep      float64 `yaml:"temp_step"`
	NStepsPerTemp int     `yaml:"n_steps_per_temp"`
}

// MPMorphSpec configures an amorphous structure generation flow.
type MPMorphSpec struct {
	Convergence   *MDSpec     `yaml:"convergence"`
	Production    *MDSpec     `yaml:"production"`
	ScaleFactors  []float64   `yaml:"scale_factors"`
	MaxIterations int         `yaml:"max_iterations"`
	Quench        *QuenchSpec `yaml:"quench"`
}

// AnnealSpec configures a heat-hold-cool annealing flow.
type AnnealSpec struct {
	StartTemp  float64 `yaml:"start_temp"`
	MaxTemp    float64 `yaml:"max_temp"`
	EndTemp    float64 `yaml:"end_temp"`
	TotalSteps int     `yaml:"total_steps"`
}

// Document is a parsed workflow description.
type Document struct {
	Name       string         `yaml:"name"`
	Kind       Kind           `yaml:"kind"`
	Structure  string         `yaml:"structure"`
	Calculator CalculatorSpec `yaml:"calculator"`

	Relax   *RelaxSpec   `yaml:"relax"`
	MD      *MDSpec      `yaml:"md"`
	EOS     *EOSSpec     `yaml:"eos"`
	MPMorph *MPMorphSpec `yaml:"mpmorph"`
	Anneal  *AnnealSpec  `yaml:"anneal"`
	Quench  *QuenchSpec  `yaml:"quench"`

	// FilePath is where the document was loaded from. Relative structure
	// paths resolve against its directory.
	FilePath string `yaml:"-"`
}

// Parse reads a workflow document from r. Unknown top-level keys are
// rejected so that typos surface as errors instead of silently applying
// defaults.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseFile loads and validates a workflow document from disk.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow file: %w", err)
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	doc.FilePath = absPath
	return doc, nil
}

// Validate checks the document's structural requirements. Stage options
// are validated later, when the flow is built.
func (d *Document) Validate() error {
	kind := Kind(strings.ToLower(strings.TrimSpace(string(d.Kind))))
	if kind == "" {
		return fmt.Errorf("workflow kind is required")
	}
	if !validKinds[kind] {
		return fmt.Errorf("unknown workflow kind %q", d.Kind)
	}
	d.Kind = kind

	if d.Structure == "" {
		return fmt.Errorf("structure path is required")
	}
	if d.Calculator.Name == "" {
		return fmt.Errorf("calculator name is required")
	}

	if d.Kind == KindQuench {
		if d.Quench == nil {
			return fmt.Errorf("quench workflow requires a quench section")
		}
	}
	if d.Quench != nil {
		mode := strings.ToLower(strings.TrimSpace(d.Quench.Mode))
		if mode != "slow" && mode != "fast" {
			return fmt.Errorf("quench mode must be \"slow\" or \"fast\", got %q", d.Quench.Mode)
		}
		d.Quench.Mode = mode
	}
	if d.MPMorph != nil && d.MPMorph.Quench != nil {
		mode := strings.ToLower(strings.TrimSpace(d.MPMorph.Quench.Mode))
		if mode != "slow" && mode != "fast" {
			return fmt.Errorf("quench mode must be \"slow\" or \"fast\", got %q", d.MPMorph.Quench.Mode)
		}
		d.MPMorph.Quench.Mode = mode
	}

	return nil
}

// ApplySeed sets the velocity seed on every MD stage the document
// declares, so a single CLI flag makes a whole run reproducible.
func (d *Document) ApplySeed(seed int64) {
	if d.MD == nil {
		d.MD = &MDSpec{}
	}
	d.MD.Seed = seed
	if d.MPMorph != nil {
		if d.MPMorph.Convergence != nil {
			d.MPMorph.Convergence.Seed = seed
		}
		if d.MPMorph.Production != nil {
			d.MPMorph.Production.Seed = seed
		}
	}
}

// StructurePath returns the structure file path, resolving relative paths
// against the document's own directory.
func (d *Document) StructurePath() string {
	if filepath.IsAbs(d.Structure) || d.FilePath == "" {
		return d.Structure
	}
	return filepath.Join(filepath.Dir(d.FilePath), d.Structure)
}

// Build loads the input structure, constructs the calculator, and
// assembles the requested flow.
func (d *Document) Build() (*flow.Flow, error) {
	s, err := structio.ReadStructure(d.StructurePath())
	if err != nil {
		return nil, err
	}

	calc, err := calculator.New(d.Calculator.Name, d.Calculator.Params)
	if err != nil {
		return nil, err
	}

	f, err := d.buildFlow(calc, s)
	if err != nil {
		return nil, err
	}
	if d.Name != "" {
		f.Name = d.Name
	}
	return f, nil
}

func (d *Document) buildFlow(calc calculator.Calculator, s models.Structure) (*flow.Flow, error) {
	switch d.Kind {
	case KindRelax:
		m := maker.NewRelaxMaker(calc)
		m.Options = d.Relax.Options()
		return singleJobFlow("relax", m.Make(s)), nil

	case KindStatic:
		m := maker.NewStaticMaker(calc)
		return singleJobFlow("static", m.Make(s)), nil

	case KindMD:
		opts := d.MD.Options()
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		m := maker.NewMDMaker(calc, opts)
		return singleJobFlow("md", m.Make(s)), nil

	case KindEOS:
		m := eos.NewMaker(calc)
		m.RelaxOptions = d.Relax.Options()
		if d.EOS != nil {
			if d.EOS.NFrames != 0 {
				m.NFrames = d.EOS.NFrames
			}
			if d.EOS.MaxStrain != 0 {
				m.MaxStrain = d.EOS.MaxStrain
			}
			if d.EOS.RelaxFrames != nil {
				m.RelaxFrames = *d.EOS.RelaxFrames
			}
			if len(d.EOS.Models) > 0 {
				m.Models = d.EOS.Models
			}
		}
		return m.MakeFlow(s), nil

	case KindMPMorph:
		return d.buildMPMorph(calc, s)

	case KindAnneal:
		opts := d.MD.Options()
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		m := anneal.NewMaker(maker.NewMDMaker(calc, opts))
		if d.Anneal != nil {
			if d.Anneal.StartTemp != 0 {
				m.StartTemp = d.Anneal.StartTemp
			}
			if d.Anneal.MaxTemp != 0 {
				m.MaxTemp = d.Anneal.MaxTemp
			}
			if d.Anneal.EndTemp != 0 {
				m.EndTemp = d.Anneal.EndTemp
			}
			if d.Anneal.TotalSteps != 0 {
				m.TotalSteps = d.Anneal.TotalSteps
			}
		}
		return m.MakeFlow(s), nil

	case KindQuench:
		return d.buildQuench(calc, s)

	default:
		return nil, fmt.Errorf("unknown workflow kind %q", d.Kind)
	}
}

func (d *Document) buildMPMorph(calc calculator.Calculator, s models.Structure) (*flow.Flow, error) {
	spec := d.MPMorph
	if spec == nil {
		spec = &MPMorphSpec{}
	}

	convOpts := spec.Convergence.Options()
	if err := convOpts.Validate(); err != nil {
		return nil, fmt.Errorf("convergence md: %w", err)
	}
	prodOpts := spec.Production.Options()
	if err := prodOpts.Validate(); err != nil {
		return nil, fmt.Errorf("production md: %w", err)
	}

	m := mpmorph.NewMaker(maker.NewMDMaker(calc, convOpts), maker.NewMDMaker(calc, prodOpts))
	if len(spec.ScaleFactors) > 0 {
		m.Equilibrium.ScaleFactors = spec.ScaleFactors
	}
	if spec.MaxIterations != 0 {
		m.Equilibrium.MaxIterations = spec.MaxIterations
	}
	if q := spec.Quench; q != nil {
		switch q.Mode {
		case "slow":
			sq, err := d.slowQuenchMaker(calc, q, prodOpts)
			if err != nil {
				return nil, err
			}
			m.SlowQuench = sq
		case "fast":
			m.FastQuench = d.fastQuenchMaker(calc)
		}
	}
	return m.MakeFlow(s), nil
}

func (d *Document) buildQuench(calc calculator.Calculator, s models.Structure) (*flow.Flow, error) {
	switch d.Quench.Mode {
	case "fast":
		return d.fastQuenchMaker(calc).MakeFlow(s), nil
	default:
		opts := d.MD.Options()
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		m, err := d.slowQuenchMaker(calc, d.Quench, opts)
		if err != nil {
			return nil, err
		}
		return m.MakeFlow(s), nil
	}
}

func (d *Document) slowQuenchMaker(calc calculator.Calculator, q *QuenchSpec, base md.Options) (*mpmorph.SlowQuenchMaker, error) {
	m := mpmorph.NewSlowQuenchMaker(maker.NewMDMaker(calc, base))
	if q.StartTemp != 0 {
		m.StartTemp = q.StartTemp
	}
	if q.EndTemp != 0 {
		m.EndTemp = q.EndTemp
	}
	if q.TempStep != 0 {
		m.TempStep = q.TempStep
	}
	if q.NStepsPerTemp != 0 {
		m.NStepsPerTemp = q.NStepsPerTemp
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Document) fastQuenchMaker(calc calculator.Calculator) *mpmorph.FastQuenchMaker {
	relaxM := maker.NewRelaxMaker(calc)
	relaxM.Options = d.Relax.Options()
	return mpmorph.NewFastQuenchMaker(relaxM, maker.NewStaticMaker(calc))
}

func singleJobFlow(name string, job *flow.Job) *flow.Flow {
	f := flow.NewFlow(name)
	f.Add(job)
	f.Output = flow.Ref(job)
	return f
}
