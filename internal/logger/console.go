// Package logger provides logging implementations for flow execution.
//
// Loggers receive engine events (flow start, job start, job result, flow
// complete) and render them to the console or to log files. Implementations
// are thread-safe.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/ferrante/matflow/internal/models"
)

// Log level constants for filtering
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// ConsoleLogger logs execution progress to a writer with timestamps and
// thread safety. All output is prefixed with [HH:MM:SS] timestamps. It
// supports log level filtering, and color output is automatically enabled
// when writing to a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded. Valid
// levels: debug, info, warn, error (case-insensitive); empty or invalid
// levels default to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		// The color library's detection also honors NO_COLOR.
		return !color.NoColor
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates
// it. Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if validLevels[normalized] {
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func (cl *ConsoleLogger) write(line string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(line))
}

// LogFlowStart logs the start of a flow execution at INFO level.
// Format: "[HH:MM:SS] Starting <name>: <count> jobs"
func (cl *ConsoleLogger) LogFlowStart(flowName string, totalJobs int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	name := flowName
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(flowName)
	}
	cl.write(fmt.Sprintf("[%s] Starting %s: %d jobs\n", ts, name, totalJobs))
}

// LogJobStart logs the launch of a job at DEBUG level.
// Format: "[HH:MM:SS] Job <name> started (wave <n>)"
func (cl *ConsoleLogger) LogJobStart(jobName string, wave int) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}
	cl.write(fmt.Sprintf("[%s] Job %s started (wave %d)\n", timestamp(), jobName, wave))
}

// LogJobResult logs the completion of a job. Completed jobs log at DEBUG
// level; failures log at ERROR level with the error text.
// Format: "[HH:MM:SS] Job <name>: <status> (<duration>)"
func (cl *ConsoleLogger) LogJobResult(result models.JobResult) {
	if cl.writer == nil {
		return
	}

	level := "debug"
	if result.Status == models.StatusFailed {
		level = "error"
	}
	if !cl.shouldLog(level) {
		return
	}

	ts := timestamp()
	status := result.Status
	if cl.colorOutput {
		switch result.Status {
		case models.StatusCompleted:
			status = color.New(color.FgGreen).Sprint(result.Status)
		case models.StatusFailed:
			status = color.New(color.FgRed).Sprint(result.Status)
		case models.StatusSkipped:
			status = color.New(color.FgYellow).Sprint(result.Status)
		}
	}

	line := fmt.Sprintf("[%s] Job %s: %s (%s)\n", ts, result.Name, status, formatDuration(result.Duration))
	if result.Error != nil {
		line = fmt.Sprintf("[%s] Job %s: %s (%s): %v\n", ts, result.Name, status, formatDuration(result.Duration), result.Error)
	}
	cl.write(line)
}

// LogFlowComplete logs the flow summary at INFO level.
func (cl *ConsoleLogger) LogFlowComplete(result *models.FlowResult) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	var output string
	if cl.colorOutput {
		header := color.New(color.Bold).Sprintf("Flow %s finished", result.FlowName)
		output = fmt.Sprintf("[%s] %s\n", ts, header)
		output += fmt.Sprintf("[%s] Total jobs: %d\n", ts, result.TotalJobs)
		output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgGreen).Sprintf("Completed: %d", result.Completed))
		if result.Failed > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprintf("Failed: %d", result.Failed))
		} else {
			output += fmt.Sprintf("[%s] Failed: %d\n", ts, result.Failed)
		}
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(result.Duration))
		if len(result.FailedJobs) > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprint("Failed jobs:"))
			for _, fj := range result.FailedJobs {
				output += fmt.Sprintf("[%s]   - %s: %v\n", ts, fj.Name, fj.Error)
			}
		}
	} else {
		output = fmt.Sprintf("[%s] Flow %s finished\n", ts, result.FlowName)
		output += fmt.Sprintf("[%s] Total jobs: %d\n", ts, result.TotalJobs)
		output += fmt.Sprintf("[%s] Completed: %d\n", ts, result.Completed)
		output += fmt.Sprintf("[%s] Failed: %d\n", ts, result.Failed)
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(result.Duration))
		if len(result.FailedJobs) > 0 {
			output += fmt.Sprintf("[%s] Failed jobs:\n", ts)
			for _, fj := range result.FailedJobs {
				output += fmt.Sprintf("[%s]   - %s: %v\n", ts, fj.Name, fj.Error)
			}
		}
	}
	cl.write(output)
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// LogFlowStart is a no-op implementation.
func (n *NoOpLogger) LogFlowStart(flowName string, totalJobs int) {
}

// LogJobStart is a no-op implementation.
func (n *NoOpLogger) LogJobStart(jobName string, wave int) {
}

// LogJobResult is a no-op implementation.
func (n *NoOpLogger) LogJobResult(result models.JobResult) {
}

// LogFlowComplete is a no-op implementation.
func (n *NoOpLogger) LogFlowComplete(result *models.FlowResult) {
}
