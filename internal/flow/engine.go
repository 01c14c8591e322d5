package flow

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ferrante/matflow/internal/models"
)

// DefaultMaxConcurrency bounds parallel job execution per scheduling round.
const DefaultMaxConcurrency = 4

// Logger receives engine lifecycle events. A nil logger disables logging.
type Logger interface {
	LogFlowStart(flowName string, totalJobs int)
	LogJobStart(jobName string, wave int)
	LogJobResult(result models.JobResult)
	LogFlowComplete(result *models.FlowResult)
}

// Recorder persists engine events, typically into the run store. A nil
// recorder disables persistence. Recorder errors do not fail the flow.
type Recorder interface {
	RecordFlowStart(ctx context.Context, flowUUID, flowName string) error
	RecordJobResult(ctx context.Context, flowUUID string, result models.JobResult) error
	RecordFlowComplete(ctx context.Context, result *models.FlowResult) error
}

// Engine executes flows.
type Engine struct {
	maxConcurrency int
	logger         Logger
	recorder       Recorder
}

// Option configures an engine.
type Option func(*Engine)

// WithMaxConcurrency bounds parallel jobs per scheduling round.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder attaches a run recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine builds an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{maxConcurrency: DefaultMaxConcurrency}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// jobExecution carries one job's outcome across the results channel.
type jobExecution struct {
	job      *Job
	response *Response
	err      error
	duration time.Duration
}

// Run executes the flow to completion. Jobs run in scheduling rounds: every
// job whose references are all resolved runs in the current round, with at
// most maxConcurrency in flight. A failed job fails the flow; jobs that can
// no longer run are reported as skipped. The returned FlowResult is non-nil
// whenever execution started, even if a job failed.
func (e *Engine) Run(ctx context.Context, f *Flow) (*models.FlowResult, error) {
	if f == nil {
		return nil, fmt.Errorf("flow cannot be nil")
	}
	if err := f.Validate(nil); err != nil {
		return nil, err
	}

	start := time.Now()
	if e.logger != nil {
		e.logger.LogFlowStart(f.Name, len(f.Jobs))
	}
	if e.recorder != nil {
		_ = e.recorder.RecordFlowStart(ctx, f.UUID, f.Name)
	}

	st := &runState{
		remaining: make(map[string]*Job, len(f.Jobs)),
		outputs:   make(map[string]any),
		aliases:   make(map[string]OutputRef),
	}
	for _, j := range f.Jobs {
		st.remaining[j.UUID] = j
	}

	result := &models.FlowResult{FlowUUID: f.UUID, FlowName: f.Name}
	var runErr error

	wave := 0
	for len(st.remaining) > 0 && runErr == nil {
		wave++
		ready := st.readyJobs()
		if len(ready) == 0 {
			runErr = fmt.Errorf("flow %q: %d jobs cannot make progress", f.Name, len(st.remaining))
			break
		}

		executions, err := e.runWave(ctx, wave, ready, st)
		for _, ex := range executions {
			jr := models.JobResult{
				UUID:     ex.job.UUID,
				Name:     ex.job.Name,
				Duration: ex.duration,
				Wave:     wave,
			}
			if ex.err != nil {
				jr.Status = models.StatusFailed
				jr.Error = ex.err
				result.Failed++
				result.FailedJobs = append(result.FailedJobs, jr)
			} else {
				jr.Status = models.StatusCompleted
				jr.Output = ex.response.Output
				result.Completed++
				if derr := st.absorb(ex.job, ex.response); derr != nil {
					jr.Status = models.StatusFailed
					jr.Error = derr
					jr.Output = nil
					result.Completed--
					result.Failed++
					result.FailedJobs = append(result.FailedJobs, jr)
					if err == nil {
						err = derr
					}
				}
			}
			result.JobResults = append(result.JobResults, jr)
			if e.logger != nil {
				e.logger.LogJobResult(jr)
			}
			if e.recorder != nil {
				_ = e.recorder.RecordJobResult(ctx, f.UUID, jr)
			}
		}
		if err != nil {
			runErr = err
		}
	}

	// Anything left never ran.
	for _, j := range st.remaining {
		jr := models.JobResult{UUID: j.UUID, Name: j.Name, Status: models.StatusSkipped}
		result.JobResults = append(result.JobResults, jr)
		if e.logger != nil {
			e.logger.LogJobResult(jr)
		}
		if e.recorder != nil {
			_ = e.recorder.RecordJobResult(ctx, f.UUID, jr)
		}
	}

	result.TotalJobs = len(result.JobResults)
	result.Duration = time.Since(start)
	if runErr == nil && f.Output != nil {
		out, err := st.resolve(f.Output)
		if err != nil {
			runErr = fmt.Errorf("flow %q output: %w", f.Name, err)
		} else {
			result.Output = out
		}
	}

	if e.logger != nil {
		e.logger.LogFlowComplete(result)
	}
	if e.recorder != nil {
		_ = e.recorder.RecordFlowComplete(ctx, result)
	}
	return result, runErr
}

// runWave executes one scheduling round with bounded parallelism.
func (e *Engine) runWave(ctx context.Context, wave int, ready []*Job, st *runState) ([]jobExecution, error) {
	semaphore := make(chan struct{}, e.maxConcurrency)
	resultsCh := make(chan jobExecution, len(ready))
	var wg sync.WaitGroup
	var launchErr error

	for _, j := range ready {
		args, err := st.resolveArgs(j)
		if err != nil {
			resultsCh <- jobExecution{job: j, err: err}
			continue
		}

		if err := ctx.Err(); err != nil {
			launchErr = err
			break
		}
		select {
		case <-ctx.Done():
			launchErr = ctx.Err()
		case semaphore <- struct{}{}:
		}
		if launchErr != nil {
			break
		}

		delete(st.remaining, j.UUID)
		if e.logger != nil {
			e.logger.LogJobStart(j.Name, wave)
		}

		wg.Add(1)
		go func(j *Job, args []any) {
			defer wg.Done()
			defer func() { <-semaphore }()

			jobStart := time.Now()
			resp, err := j.Run(ctx, args)
			if err == nil && resp == nil {
				resp = &Response{}
			}
			resultsCh <- jobExecution{job: j, response: resp, err: err, duration: time.Since(jobStart)}
		}(j, args)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var executions []jobExecution
	var execErr error
	for ex := range resultsCh {
		if ex.err != nil && execErr == nil {
			execErr = fmt.Errorf("job %q: %w", ex.job.Name, ex.err)
		}
		delete(st.remaining, ex.job.UUID)
		executions = append(executions, ex)
	}
	if launchErr != nil && execErr == nil {
		execErr = launchErr
	}
	return executions, execErr
}

// runState tracks outputs and unfinished jobs across scheduling rounds.
type runState struct {
	remaining map[string]*Job
	outputs   map[string]any
	// aliases map a detour-emitting job to the detour's output reference;
	// the alias resolves once the referenced job completes.
	aliases map[string]OutputRef
}

// readyJobs returns the jobs whose referenced outputs are all available.
func (st *runState) readyJobs() []*Job {
	var ready []*Job
	for _, j := range st.remaining {
		ok := true
		for _, ref := range refsOf(j) {
			if !st.available(ref.JobUUID) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, j)
		}
	}
	return ready
}

func (st *runState) available(id string) bool {
	_, ok := st.outputs[id]
	return ok
}

// absorb records a completed job's response: its output, and any detour jobs
// spliced into the graph.
func (st *runState) absorb(j *Job, resp *Response) error {
	if resp.Detour == nil {
		st.outputs[j.UUID] = resp.Output
		st.resolveAliases()
		return nil
	}

	known := make(map[string]bool, len(st.outputs)+len(st.remaining))
	for id := range st.outputs {
		known[id] = true
	}
	for id := range st.remaining {
		known[id] = true
	}
	if err := resp.Detour.Validate(known); err != nil {
		return fmt.Errorf("detour from job %q: %w", j.Name, err)
	}
	for _, dj := range resp.Detour.Jobs {
		st.remaining[dj.UUID] = dj
	}
	switch out := resp.Detour.Output.(type) {
	case OutputRef:
		st.aliases[j.UUID] = out
	case nil:
		st.outputs[j.UUID] = resp.Output
	default:
		st.outputs[j.UUID] = out
	}
	st.resolveAliases()
	return nil
}

// resolveAliases forwards detour outputs to their emitting jobs. Chained
// detours resolve over multiple passes.
func (st *runState) resolveAliases() {
	for changed := true; changed; {
		changed = false
		for id, ref := range st.aliases {
			if !st.available(ref.JobUUID) {
				continue
			}
			val, err := st.resolve(ref)
			if err == nil {
				st.outputs[id] = val
			} else {
				st.outputs[id] = nil
			}
			delete(st.aliases, id)
			changed = true
		}
	}
}

// resolveArgs substitutes output references in a job's args.
func (st *runState) resolveArgs(j *Job) ([]any, error) {
	args := make([]any, len(j.Args))
	for i, arg := range j.Args {
		v, err := st.resolve(arg)
		if err != nil {
			return nil, fmt.Errorf("job %q arg %d: %w", j.Name, i, err)
		}
		args[i] = v
	}
	return args, nil
}

// resolve dereferences a value: OutputRefs become the referenced output,
// everything else passes through.
func (st *runState) resolve(v any) (any, error) {
	ref, ok := v.(OutputRef)
	if !ok {
		return v, nil
	}
	out, ok := st.outputs[ref.JobUUID]
	if !ok {
		return nil, fmt.Errorf("output of job %s not available", ref.JobUUID)
	}
	if ref.Field == "" {
		return out, nil
	}
	return fieldOf(out, ref.Field)
}

// fieldOf extracts a named field from a struct, struct pointer, or string map.
func fieldOf(v any, field string) (any, error) {
	if m, ok := v.(map[string]any); ok {
		val, ok := m[field]
		if !ok {
			return nil, fmt.Errorf("output map has no key %q", field)
		}
		return val, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot take field %q of nil output", field)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot take field %q of %T output", field, v)
	}
	fv := rv.FieldByName(field)
	if !fv.IsValid() {
		return nil, fmt.Errorf("output type %T has no field %q", v, field)
	}
	return fv.Interface(), nil
}
