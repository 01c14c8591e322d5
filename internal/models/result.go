package models

import "time"

// Job execution status constants
const (
	StatusCompleted = "COMPLETED" // Job finished and produced an output
	StatusFailed    = "FAILED"    // Job returned an error
	StatusSkipped   = "SKIPPED"   // Job was not run (earlier failure or cancellation)
)

// JobResult represents the outcome of executing a single job.
type JobResult struct {
	UUID     string        // Job identifier
	Name     string        // Job name
	Status   string        // COMPLETED, FAILED, or SKIPPED
	Output   any           // Job output value (nil on failure)
	Error    error         // Error if execution failed
	Duration time.Duration // Time taken to execute
	Wave     int           // Scheduling round the job ran in (1-based)
}

// FlowResult represents the aggregate result of executing a flow.
type FlowResult struct {
	FlowUUID   string        // Flow identifier
	FlowName   string        // Flow name
	TotalJobs  int           // Number of jobs executed or skipped (detours included)
	Completed  int           // Number of completed jobs
	Failed     int           // Number of failed jobs
	Duration   time.Duration // Total execution time
	Output     any           // Resolved flow output, if the flow declares one
	JobResults []JobResult   // Per-job results in completion order
	FailedJobs []JobResult   // Details of failed jobs
}
