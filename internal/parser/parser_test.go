package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/structio"
)

// writeWorkflow writes the document and a small Ar structure into a temp
// directory, returning the workflow file path.
func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()

	s := models.Structure{
		Lattice: models.NewCubicLattice(10),
		Sites: []models.Site{
			{Element: "Ar", Coords: [3]float64{0.25, 0.25, 0.25}},
			{Element: "Ar", Coords: [3]float64{0.75, 0.75, 0.75}},
		},
	}
	require.NoError(t, structio.WriteStructureJSON(filepath.Join(dir, "ar.json"), s))

	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestParseRelaxWorkflow(t *testing.T) {
	doc, err := Parse(strings.NewReader(`
name: relax quartz
kind: relax
structure: quartz.json
calculator:
  name: lennard-jones
  params:
    epsilon: 0.01
    sigma: 3.4
relax:
  fmax: 0.001
  steps: 200
  relax_cell: false
`))
	require.NoError(t, err)

	assert.Equal(t, "relax quartz", doc.Name)
	assert.Equal(t, KindRelax, doc.Kind)
	assert.Equal(t, "lennard-jones", doc.Calculator.Name)
	assert.InDelta(t, 0.01, doc.Calculator.Params["epsilon"], 1e-12)

	opts := doc.Relax.Options()
	assert.InDelta(t, 0.001, opts.Fmax, 1e-12)
	assert.Equal(t, 200, opts.Steps)
	assert.False(t, opts.RelaxCell)
}

func TestParseScalarAndListTemperature(t *testing.T) {
	scalar, err := Parse(strings.NewReader(`
kind: md
structure: s.json
calculator: {name: spring}
md:
  temperature: 300
`))
	require.NoError(t, err)
	assert.Equal(t, []float64{300}, []float64(scalar.MD.Temperature))

	list, err := Parse(strings.NewReader(`
kind: md
structure: s.json
calculator: {name: spring}
md:
  temperature: [300, 600, 300]
`))
	require.NoError(t, err)
	assert.Equal(t, []float64{300, 600, 300}, []float64(list.MD.Temperature))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader(`
kind: relax
structure: s.json
calculator: {name: spring}
relaax:
  fmax: 0.001
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relaax")
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			"missing kind",
			"structure: s.json\ncalculator: {name: spring}\n",
			"kind is required",
		},
		{
			"unknown kind",
			"kind: phonon\nstructure: s.json\ncalculator: {name: spring}\n",
			"unknown workflow kind",
		},
		{
			"missing structure",
			"kind: relax\ncalculator: {name: spring}\n",
			"structure path is required",
		},
		{
			"missing calculator",
			"kind: relax\nstructure: s.json\n",
			"calculator name is required",
		},
		{
			"quench without section",
			"kind: quench\nstructure: s.json\ncalculator: {name: spring}\n",
			"requires a quench section",
		},
		{
			"bad quench mode",
			"kind: quench\nstructure: s.json\ncalculator: {name: spring}\nquench: {mode: instant}\n",
			"quench mode must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildRelaxFlow(t *testing.T) {
	path := writeWorkflow(t, `
kind: relax
structure: ar.json
calculator:
  name: lennard-jones
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	f, err := doc.Build()
	require.NoError(t, err)
	require.Len(t, f.Jobs, 1)
	assert.Equal(t, "relax", f.Name)
	require.NoError(t, f.Validate(nil))
}

func TestBuildMDFlowValidatesOptions(t *testing.T) {
	path := writeWorkflow(t, `
kind: md
structure: ar.json
calculator:
  name: spring
md:
  ensemble: npt
  n_steps: 10
  temperature: 300
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	// NPT without a pressure schedule must fail at build time.
	_, err = doc.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pressure")
}

func TestBuildEOSFlow(t *testing.T) {
	path := writeWorkflow(t, `
kind: eos
structure: ar.json
calculator:
  name: spring
eos:
  n_frames: 4
  max_strain: 0.03
  relax_frames: false
  models: [polynomial]
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	f, err := doc.Build()
	require.NoError(t, err)
	// Two relaxations, four frames, one fit job.
	assert.Len(t, f.Jobs, 7)
	require.NoError(t, f.Validate(nil))
}

func TestBuildMPMorphWithSlowQuench(t *testing.T) {
	path := writeWorkflow(t, `
name: silica glass
kind: mpmorph
structure: ar.json
calculator:
  name: spring
mpmorph:
  convergence:
    n_steps: 5
    temperature: 300
  production:
    n_steps: 20
    temperature: 300
  quench:
    mode: slow
    start_temp: 1000
    end_temp: 500
    temp_step: 500
    n_steps_per_temp: 10
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	f, err := doc.Build()
	require.NoError(t, err)
	assert.Equal(t, "silica glass", f.Name)

	var names []string
	for _, j := range f.Jobs {
		names = append(names, j.Name)
	}
	assert.Contains(t, names, "production md")
	assert.Contains(t, names, "quench md 1000K")
	assert.Contains(t, names, "quench md 500K")
	require.NoError(t, f.Validate(nil))
}

func TestBuildQuenchRejectsBadTempStep(t *testing.T) {
	path := writeWorkflow(t, `
kind: quench
structure: ar.json
calculator:
  name: spring
md:
  n_steps: 5
  temperature: 300
quench:
  mode: slow
  start_temp: 1000
  end_temp: 300
  temp_step: -100
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	_, err = doc.Build()
	require.Error(t, err)
	assert.ErrorContains(t, err, "temp_step must be positive")
}

func TestBuildMPMorphRejectsInvertedQuench(t *testing.T) {
	path := writeWorkflow(t, `
kind: mpmorph
structure: ar.json
calculator:
  name: spring
mpmorph:
  convergence:
    n_steps: 5
    temperature: 300
  production:
    n_steps: 5
    temperature: 300
  quench:
    mode: slow
    start_temp: 300
    end_temp: 1000
    temp_step: 100
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	_, err = doc.Build()
	require.Error(t, err)
	assert.ErrorContains(t, err, "below end_temp")
}

func TestBuildAnnealFlow(t *testing.T) {
	path := writeWorkflow(t, `
kind: anneal
structure: ar.json
calculator:
  name: spring
md:
  n_steps: 30
  temperature: 300
anneal:
  start_temp: 200
  max_temp: 800
  end_temp: 200
  total_steps: 30
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	f, err := doc.Build()
	require.NoError(t, err)
	assert.Len(t, f.Jobs, 3)
	require.NoError(t, f.Validate(nil))
}

func TestBuildUnknownCalculator(t *testing.T) {
	path := writeWorkflow(t, `
kind: static
structure: ar.json
calculator:
  name: quantum-espresso
`)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	_, err = doc.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown calculator")
}

func TestApplySeedReachesAllMDStages(t *testing.T) {
	doc := &Document{
		MPMorph: &MPMorphSpec{
			Convergence: &MDSpec{NSteps: 5},
			Production:  &MDSpec{NSteps: 20},
		},
	}
	doc.ApplySeed(42)

	assert.Equal(t, int64(42), doc.MD.Seed)
	assert.Equal(t, int64(42), doc.MPMorph.Convergence.Seed)
	assert.Equal(t, int64(42), doc.MPMorph.Production.Seed)
}

func TestStructurePathResolvesRelative(t *testing.T) {
	doc := &Document{Structure: "sub/ar.json", FilePath: "/work/flows/melt.yaml"}
	assert.Equal(t, "/work/flows/sub/ar.json", doc.StructurePath())

	abs := &Document{Structure: "/data/ar.json", FilePath: "/work/flows/melt.yaml"}
	assert.Equal(t, "/data/ar.json", abs.StructurePath())
}
