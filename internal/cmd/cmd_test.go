package cmd

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/flows/eos"
	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/store"
	"github.com/ferrante/matflow/internal/structio"
)

// testWorkspace lays out a workflow file, a structure, and a config that
// keeps all run artifacts inside the temp directory.
func testWorkspace(t *testing.T, workflow string) (workflowPath, configPath string) {
	t.Helper()
	dir := t.TempDir()

	s := models.Structure{
		Lattice: models.NewCubicLattice(8),
		Sites: []models.Site{
			{Element: "Cu", Coords: [3]float64{0.25, 0.25, 0.25}},
			{Element: "Cu", Coords: [3]float64{0.75, 0.75, 0.75}},
		},
	}
	require.NoError(t, structio.WriteStructureJSON(filepath.Join(dir, "cu.json"), s))

	workflowPath = filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(workflowPath, []byte(workflow), 0644))

	configPath = filepath.Join(dir, "config.yaml")
	cfg := "log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"output_dir: " + filepath.Join(dir, "out") + "\n" +
		"history:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0644))
	return workflowPath, configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "validate")
	assert.Contains(t, names, "history")
}

func TestRunDryRun(t *testing.T) {
	workflowPath, configPath := testWorkspace(t, `
kind: relax
structure: cu.json
calculator:
  name: spring
`)

	out, err := execute(t, "run", "--dry-run", "--verbose", "--config", configPath, workflowPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 job(s)")
	assert.Contains(t, out, "Dry-run mode")
	assert.Contains(t, out, "relax")
}

func TestRunExecutesWorkflow(t *testing.T) {
	workflowPath, configPath := testWorkspace(t, `
kind: static
structure: cu.json
calculator:
  name: spring
`)

	out, err := execute(t, "run", "--config", configPath, workflowPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Execution completed successfully")

	outDir := filepath.Join(filepath.Dir(workflowPath), "out")
	doc, err := structio.ReadTaskDocument(filepath.Join(outDir, "static-output.json"))
	require.NoError(t, err)
	assert.Equal(t, "spring", doc.Calculator)

	_, err = os.Stat(filepath.Join(outDir, "static-summary.json"))
	assert.NoError(t, err)

	// The run log and latest.log symlink land in the configured log dir.
	_, err = os.Lstat(filepath.Join(filepath.Dir(workflowPath), "logs", "latest.log"))
	assert.NoError(t, err)
}

func TestRunBadTimeoutFlag(t *testing.T) {
	workflowPath, configPath := testWorkspace(t, `
kind: static
structure: cu.json
calculator:
  name: spring
`)

	_, err := execute(t, "run", "--config", configPath, "--timeout", "soon", workflowPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestRunMissingWorkflowFile(t *testing.T) {
	_, configPath := testWorkspace(t, "kind: static\nstructure: cu.json\ncalculator: {name: spring}\n")

	_, err := execute(t, "run", "--config", configPath, "/nonexistent/workflow.yaml")
	require.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	goodPath, _ := testWorkspace(t, `
kind: md
structure: cu.json
calculator:
  name: spring
md:
  n_steps: 10
  temperature: 300
`)
	badPath, _ := testWorkspace(t, `
kind: md
structure: cu.json
calculator:
  name: spring
md:
  ensemble: npt
  n_steps: 10
  temperature: 300
`)

	out, err := execute(t, "validate", goodPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓")

	out, err = execute(t, "validate", goodPath, badPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "pressure")
}

func TestHistoryCommandListsAndShows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := store.NewStore(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.RecordFlowStart(ctx, "aabbccdd-0000", "eos"))
	require.NoError(t, s.RecordJobResult(ctx, "aabbccdd-0000", models.JobResult{
		UUID: "j1", Name: "relax 1", Status: models.StatusCompleted,
		Duration: 120 * time.Millisecond, Wave: 1,
	}))
	require.NoError(t, s.RecordFlowComplete(ctx, &models.FlowResult{
		FlowUUID: "aabbccdd-0000", FlowName: "eos", TotalJobs: 1, Completed: 1,
		Duration: 130 * time.Millisecond,
	}))
	require.NoError(t, s.Close())

	out, err := execute(t, "history", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "eos")
	assert.Contains(t, out, "COMPLETED")

	out, err = execute(t, "history", "--db", dbPath, "aabb")
	require.NoError(t, err)
	assert.Contains(t, out, "relax 1")
	assert.Contains(t, out, "WAVE")
}

func TestHistoryCommandMissingDatabase(t *testing.T) {
	out, err := execute(t, "history", "--db", filepath.Join(t.TempDir(), "none.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No history recorded yet")
}

func TestHistoryCommandCalculatorSummary(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := store.NewStore(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.RecordFlowStart(ctx, "flow-1", "md"))
	require.NoError(t, s.RecordJobResult(ctx, "flow-1", models.JobResult{
		UUID: "j1", Name: "md", Status: models.StatusCompleted,
		Output: &models.TaskDocument{
			Calculator: "spring",
			Energy:     -4.5,
			NSteps:     25,
			Structure:  models.Structure{Lattice: models.NewCubicLattice(8)},
		},
	}))
	require.NoError(t, s.Close())

	out, err := execute(t, "history", "--db", dbPath, "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "CALCULATOR")
	assert.Contains(t, out, "spring")
	assert.Contains(t, out, "-4.5000")
	assert.Contains(t, out, "25")
}

func TestWriteOutputPersistsEOSDocument(t *testing.T) {
	dir := t.TempDir()
	f := flow.NewFlow("eos melt")
	result := &models.FlowResult{
		FlowUUID: "u1", FlowName: "eos melt", TotalJobs: 7, Completed: 7,
		Output: &eos.Document{
			Volumes:       []float64{90, 100, 110},
			Energies:      []float64{-9.0, -10.0, -9.2},
			RelaxedVolume: 100,
			Fits: map[string]*eos.FitResult{
				"birch_murnaghan": {Model: "birch_murnaghan", E0: -10.0, V0: 100, B0: 120},
			},
		},
	}

	require.NoError(t, writeOutput(dir, f, result))

	data, err := os.ReadFile(filepath.Join(dir, "eos-melt-output.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"volumes"`)
	assert.Contains(t, string(data), `"birch_murnaghan"`)
	assert.Contains(t, string(data), `"v0": 100`)

	_, err = os.Stat(filepath.Join(dir, "eos-melt-summary.json"))
	require.NoError(t, err)
}

func TestRunPrunesHistoryByKeepDays(t *testing.T) {
	dir := t.TempDir()

	s := models.Structure{
		Lattice: models.NewCubicLattice(8),
		Sites: []models.Site{
			{Element: "Cu", Coords: [3]float64{0.25, 0.25, 0.25}},
			{Element: "Cu", Coords: [3]float64{0.75, 0.75, 0.75}},
		},
	}
	require.NoError(t, structio.WriteStructureJSON(filepath.Join(dir, "cu.json"), s))

	workflowPath := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(workflowPath, []byte(`
kind: static
structure: cu.json
calculator:
  name: spring
`), 0644))

	dbPath := filepath.Join(dir, "history.db")
	configPath := filepath.Join(dir, "config.yaml")
	cfg := "log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"output_dir: " + filepath.Join(dir, "out") + "\n" +
		"history:\n  enabled: true\n  db_path: " + dbPath + "\n  keep_days: 7\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0644))

	runStore, err := store.NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, runStore.RecordFlowStart(context.Background(), "stale-flow", "old"))
	require.NoError(t, runStore.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE flow_runs SET started_at = datetime('now', '-30 days') WHERE uuid = 'stale-flow'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = execute(t, "run", "--config", configPath, workflowPath)
	require.NoError(t, err)

	runStore, err = store.NewStore(dbPath)
	require.NoError(t, err)
	defer runStore.Close()
	flows, err := runStore.RecentFlows(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.NotEqual(t, "stale-flow", flows[0].UUID)
	assert.Equal(t, "static", flows[0].Name)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"relax", "relax"},
		{"silica glass", "silica-glass"},
		{"EOS Fit #3", "eos-fit-3"},
		{"", "flow"},
		{"///", "flow"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeName(tt.in), "input %q", tt.in)
	}
}
