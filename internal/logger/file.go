package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ferrante/matflow/internal/models"
)

// FileLogger logs engine events to files in the configured log directory.
// It creates a timestamped per-run log file and maintains a latest.log
// symlink pointing to the most recent run. It is thread-safe.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing into logDir with the given
// log level. The directory is created if it doesn't exist.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Timestamped filename: run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	// Point latest.log at the new run log.
	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeLine(fmt.Sprintf("=== matflow run log ===\nStarted at: %s\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// RunFile returns the path of the current run log file.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog == nil {
		return nil
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) writeLine(line string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog == nil {
		return
	}
	fl.runLog.WriteString(line)
}

// LogFlowStart logs the start of a flow execution.
func (fl *FileLogger) LogFlowStart(flowName string, totalJobs int) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeLine(fmt.Sprintf("[%s] Starting %s: %d jobs\n", timestamp(), flowName, totalJobs))
}

// LogJobStart logs the launch of a job.
func (fl *FileLogger) LogJobStart(jobName string, wave int) {
	if !fl.shouldLog("debug") {
		return
	}
	fl.writeLine(fmt.Sprintf("[%s] Job %s started (wave %d)\n", timestamp(), jobName, wave))
}

// LogJobResult logs the completion of a job. Failures always carry the
// error text.
func (fl *FileLogger) LogJobResult(result models.JobResult) {
	level := "debug"
	if result.Status == models.StatusFailed {
		level = "error"
	}
	if !fl.shouldLog(level) {
		return
	}
	if result.Error != nil {
		fl.writeLine(fmt.Sprintf("[%s] Job %s: %s (%s): %v\n",
			timestamp(), result.Name, result.Status, formatDuration(result.Duration), result.Error))
		return
	}
	fl.writeLine(fmt.Sprintf("[%s] Job %s: %s (%s)\n",
		timestamp(), result.Name, result.Status, formatDuration(result.Duration)))
}

// LogFlowComplete logs the flow summary.
func (fl *FileLogger) LogFlowComplete(result *models.FlowResult) {
	if !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	out := fmt.Sprintf("[%s] Flow %s finished\n", ts, result.FlowName)
	out += fmt.Sprintf("[%s] Total jobs: %d, completed: %d, failed: %d, duration: %s\n",
		ts, result.TotalJobs, result.Completed, result.Failed, formatDuration(result.Duration))
	for _, fj := range result.FailedJobs {
		out += fmt.Sprintf("[%s]   failed: %s: %v\n", ts, fj.Name, fj.Error)
	}
	fl.writeLine(out)
}

// MultiLogger fans engine events out to several loggers, typically a
// console logger and a file logger.
type MultiLogger struct {
	loggers []Logger
}

// Logger matches the engine's logging interface so that loggers can be
// composed without importing the flow package.
type Logger interface {
	LogFlowStart(flowName string, totalJobs int)
	LogJobStart(jobName string, wave int)
	LogJobResult(result models.JobResult)
	LogFlowComplete(result *models.FlowResult)
}

// NewMultiLogger composes the given loggers. Nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	ml := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			ml.loggers = append(ml.loggers, l)
		}
	}
	return ml
}

// LogFlowStart forwards to every composed logger.
func (ml *MultiLogger) LogFlowStart(flowName string, totalJobs int) {
	for _, l := range ml.loggers {
		l.LogFlowStart(flowName, totalJobs)
	}
}

// LogJobStart forwards to every composed logger.
func (ml *MultiLogger) LogJobStart(jobName string, wave int) {
	for _, l := range ml.loggers {
		l.LogJobStart(jobName, wave)
	}
}

// LogJobResult forwards to every composed logger.
func (ml *MultiLogger) LogJobResult(result models.JobResult) {
	for _, l := range ml.loggers {
		l.LogJobResult(result)
	}
}

// LogFlowComplete forwards to every composed logger.
func (ml *MultiLogger) LogFlowComplete(result *models.FlowResult) {
	for _, l := range ml.loggers {
		l.LogFlowComplete(result)
	}
}
