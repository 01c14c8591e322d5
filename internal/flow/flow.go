// Package flow implements the workflow engine: directed acyclic graphs of
// jobs whose inputs may reference the outputs of other jobs, executed in
// dependency order with bounded parallelism.
//
// A job may return a detour flow, which splices new jobs into the running
// graph and replaces the emitting job's output with the detour's output. That
// is how workflows whose shape depends on intermediate results (volume
// searches, convergence loops) are expressed.
package flow

import (
	"context"

	"github.com/google/uuid"
)

// Response is what a job's run function returns.
type Response struct {
	// Output is the job's output, addressable by other jobs via OutputRef.
	Output any
	// Detour, when non-nil, splices a new flow into the graph. The
	// emitting job's output is replaced by the detour flow's output once
	// the detour completes.
	Detour *Flow
}

// RunFunc executes a job. Args arrive with every OutputRef already resolved
// to the referenced job's output value.
type RunFunc func(ctx context.Context, args []any) (*Response, error)

// Job is a node in a flow graph.
type Job struct {
	UUID string
	Name string
	// Args are passed to Run after reference resolution. An OutputRef
	// argument creates a dependency edge.
	Args []any
	Run  RunFunc
}

// NewJob creates a job with a fresh UUID.
func NewJob(name string, run RunFunc, args ...any) *Job {
	return &Job{
		UUID: uuid.New().String(),
		Name: name,
		Args: args,
		Run:  run,
	}
}

// OutputRef points at the output of another job, optionally narrowed to a
// named field of a struct or map output.
type OutputRef struct {
	JobUUID string
	Field   string
}

// Ref returns a reference to a job's full output.
func Ref(j *Job) OutputRef {
	return OutputRef{JobUUID: j.UUID}
}

// RefField returns a reference to one field of a job's output.
func RefField(j *Job, field string) OutputRef {
	return OutputRef{JobUUID: j.UUID, Field: field}
}

// Flow is an ordered collection of jobs forming a DAG.
type Flow struct {
	UUID string
	Name string
	Jobs []*Job
	// Output designates the flow's overall output. Usually an OutputRef
	// into one of the jobs; may also be a plain value.
	Output any
}

// NewFlow creates an empty named flow.
func NewFlow(name string) *Flow {
	return &Flow{UUID: uuid.New().String(), Name: name}
}

// Add appends jobs to the flow and returns it for chaining.
func (f *Flow) Add(jobs ...*Job) *Flow {
	f.Jobs = append(f.Jobs, jobs...)
	return f
}

// AddFlow appends every job of a subflow. The subflow's identity is not
// preserved; callers keep its Output reference if they need it.
func (f *Flow) AddFlow(sub *Flow) *Flow {
	f.Jobs = append(f.Jobs, sub.Jobs...)
	return f
}
