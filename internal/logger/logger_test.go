package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ferrante/matflow/internal/models"
)

func completedResult(name string) models.JobResult {
	return models.JobResult{
		UUID:     "u-" + name,
		Name:     name,
		Status:   models.StatusCompleted,
		Duration: 1500 * time.Millisecond,
		Wave:     1,
	}
}

// TestConsoleLoggerFlowLifecycle verifies the standard message formats
func TestConsoleLoggerFlowLifecycle(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "debug")

	cl.LogFlowStart("eos", 9)
	cl.LogJobStart("relax 1", 1)
	cl.LogJobResult(completedResult("relax 1"))
	cl.LogFlowComplete(&models.FlowResult{
		FlowName:  "eos",
		TotalJobs: 9,
		Completed: 9,
		Duration:  3 * time.Second,
	})

	out := buf.String()
	for _, want := range []string{
		"Starting eos: 9 jobs",
		"Job relax 1 started (wave 1)",
		"Job relax 1: COMPLETED (1.5s)",
		"Flow eos finished",
		"Completed: 9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// TestConsoleLoggerLevelFiltering verifies debug messages are dropped at info level
func TestConsoleLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.LogJobStart("static", 1)
	cl.LogJobResult(completedResult("static"))
	if buf.Len() != 0 {
		t.Errorf("debug messages should be filtered at info level, got:\n%s", buf.String())
	}

	// Failures log at error level and must survive the filter.
	cl.LogJobResult(models.JobResult{
		Name:   "static",
		Status: models.StatusFailed,
		Error:  errors.New("forces diverged"),
	})
	if !strings.Contains(buf.String(), "forces diverged") {
		t.Errorf("failed job should be logged at info level, got:\n%s", buf.String())
	}
}

// TestConsoleLoggerNilWriter verifies a nil writer discards everything
func TestConsoleLoggerNilWriter(t *testing.T) {
	cl := NewConsoleLogger(nil, "debug")
	cl.LogFlowStart("md", 1)
	cl.LogJobResult(completedResult("md"))
	cl.LogFlowComplete(&models.FlowResult{FlowName: "md"})
	// Reaching here without panicking is the test.
}

// TestNormalizeLogLevel verifies level normalization and defaults
func TestNormalizeLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{"INFO", "info"},
		{" Warn ", "warn"},
		{"error", "error"},
		{"", "info"},
		{"verbose", "info"},
	}
	for _, tt := range tests {
		if got := normalizeLogLevel(tt.in); got != tt.want {
			t.Errorf("normalizeLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestFormatDuration verifies human-readable duration formatting
func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Minute, "2m"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{time.Hour, "1h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

// TestFileLoggerWritesRunLog verifies run log creation and content
func TestFileLoggerWritesRunLog(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	fl, err := NewFileLogger(logDir, "debug")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	fl.LogFlowStart("anneal", 3)
	fl.LogJobResult(completedResult("anneal md 300K-800K"))
	fl.LogFlowComplete(&models.FlowResult{FlowName: "anneal", TotalJobs: 3, Completed: 3})
	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"matflow run log", "Starting anneal: 3 jobs", "anneal md 300K-800K", "Flow anneal finished"} {
		if !strings.Contains(content, want) {
			t.Errorf("run log missing %q:\n%s", want, content)
		}
	}
}

// TestFileLoggerLatestSymlink verifies latest.log tracks the newest run
func TestFileLoggerLatestSymlink(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	fl1, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	fl1.Close()

	fl2, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("second NewFileLogger() error = %v", err)
	}
	defer fl2.Close()

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("failed to read latest.log symlink: %v", err)
	}
	if target != filepath.Base(fl2.RunFile()) {
		t.Errorf("latest.log -> %q, want %q", target, filepath.Base(fl2.RunFile()))
	}
}

// TestMultiLoggerFansOut verifies composed loggers each receive events
func TestMultiLoggerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	ml := NewMultiLogger(NewConsoleLogger(&a, "info"), NewConsoleLogger(&b, "info"), nil)

	ml.LogFlowStart("mpmorph", 5)
	for _, buf := range []*bytes.Buffer{&a, &b} {
		if !strings.Contains(buf.String(), "Starting mpmorph: 5 jobs") {
			t.Errorf("composed logger missing flow start message:\n%s", buf.String())
		}
	}
}

// TestNoOpLogger verifies the no-op logger satisfies the interface quietly
func TestNoOpLogger(t *testing.T) {
	var _ Logger = NewNoOpLogger()
	n := NewNoOpLogger()
	n.LogFlowStart("x", 1)
	n.LogJobStart("x", 1)
	n.LogJobResult(models.JobResult{})
	n.LogFlowComplete(&models.FlowResult{})
}
