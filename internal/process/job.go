// Package process holds the analysis job state machine.
//
// A job is created Queued, moved to Running by the worker that dequeued it,
// advances its stages strictly in configured order, and ends in exactly one
// of Completed, PartiallyCompleted or Failed. Terminal states are final.
package process

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// ErrInvalidTransition is returned for any transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid job transition")

// StageResult is the recorded outcome of one stage.
type StageResult struct {
	Name      string             `json:"name"`
	Provider  string             `json:"provider"`
	Optional  bool               `json:"optional,omitempty"`
	Weight    float64            `json:"weight"`
	Status    schema.StageStatus `json:"status"`
	StartedAt time.Time          `json:"started_at,omitempty"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Output    *analysis.Output   `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
}

func (r StageResult) clone() StageResult {
	if r.Output != nil {
		o := r.Output.Clone()
		r.Output = &o
	}
	return r
}

// Params describe a job at creation.
type Params struct {
	ID         string
	DocumentID string
	BatchID    string
	Priority   int
	Pipeline   Pipeline
	CreatedAt  time.Time
}

// Job is mutated only by its owning worker and read freely through Snapshot.
type Job struct {
	mu          sync.RWMutex
	id          string
	documentID  string
	batchID     string
	priority    int
	pipeline    Pipeline
	status      schema.JobStatus
	reason      schema.FailureReason
	stages      []StageResult
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	cancelled atomic.Bool
	done      chan struct{}
}

// NewJob creates a Queued job. The pipeline is copied so later configuration
// changes do not affect it.
func NewJob(p Params) *Job {
	pipeline := p.Pipeline.Clone()
	stages := make([]StageResult, len(pipeline.Stages))
	for i, s := range pipeline.Stages {
		stages[i] = StageResult{
			Name:     s.Name,
			Provider: s.Provider,
			Optional: s.Optional,
			Weight:   s.Weight,
			Status:   schema.StagePending,
		}
	}
	return &Job{
		id:         p.ID,
		documentID: p.DocumentID,
		batchID:    p.BatchID,
		priority:   p.Priority,
		pipeline:   pipeline,
		status:     schema.JobQueued,
		stages:     stages,
		createdAt:  p.CreatedAt,
		done:       make(chan struct{}),
	}
}

func (j *Job) ID() string         { return j.id }
func (j *Job) DocumentID() string { return j.documentID }
func (j *Job) BatchID() string    { return j.batchID }
func (j *Job) Priority() int      { return j.priority }

// Stages returns the job's own copy of its stage configuration.
func (j *Job) Stages() []StageSpec {
	return j.pipeline.Clone().Stages
}

func (j *Job) Status() schema.JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// RequestCancel asks the owning worker to stop after the current stage.
func (j *Job) RequestCancel() { j.cancelled.Store(true) }

func (j *Job) CancelRequested() bool { return j.cancelled.Load() }

func (j *Job) invalid(format string, args ...any) error {
	return fmt.Errorf("job %s: %w: %s", j.id, ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Start moves a Queued job to Running.
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != schema.JobQueued {
		return j.invalid("start from %s", j.status)
	}
	j.status = schema.JobRunning
	j.startedAt = now
	return nil
}

// BeginStage marks stage i Running. Stages begin strictly in order.
func (j *Job) BeginStage(i int, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != schema.JobRunning {
		return j.invalid("begin stage while %s", j.status)
	}
	if i < 0 || i >= len(j.stages) {
		return j.invalid("stage %d out of range", i)
	}
	for k := 0; k < i; k++ {
		if !j.stages[k].Status.Terminal() {
			return j.invalid("stage %s begins before %s finished", j.stages[i].Name, j.stages[k].Name)
		}
	}
	if j.stages[i].Status != schema.StagePending {
		return j.invalid("stage %s is %s", j.stages[i].Name, j.stages[i].Status)
	}
	j.stages[i].Status = schema.StageRunning
	j.stages[i].StartedAt = now
	return nil
}

// CompleteStage records a successful stage run.
func (j *Job) CompleteStage(i int, out analysis.Output, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.runningStage(i); err != nil {
		return err
	}
	o := out.Clone()
	j.stages[i].Status = schema.StageSucceeded
	j.stages[i].EndedAt = now
	j.stages[i].Output = &o
	return nil
}

// FailStage records a failed stage run.
func (j *Job) FailStage(i int, code string, err error, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.runningStage(i); err != nil {
		return err
	}
	j.stages[i].Status = schema.StageFailed
	j.stages[i].EndedAt = now
	j.stages[i].ErrorCode = code
	if err != nil {
		j.stages[i].Error = err.Error()
	}
	return nil
}

func (j *Job) runningStage(i int) error {
	if j.status != schema.JobRunning {
		return j.invalid("finish stage while %s", j.status)
	}
	if i < 0 || i >= len(j.stages) {
		return j.invalid("stage %d out of range", i)
	}
	if j.stages[i].Status != schema.StageRunning {
		return j.invalid("stage %s is %s", j.stages[i].Name, j.stages[i].Status)
	}
	return nil
}

// SkipRemaining marks every Pending stage Skipped and returns their indices.
func (j *Job) SkipRemaining(now time.Time) ([]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return nil, j.invalid("skip stages while %s", j.status)
	}
	var skipped []int
	for i := range j.stages {
		if j.stages[i].Status == schema.StagePending {
			j.stages[i].Status = schema.StageSkipped
			j.stages[i].EndedAt = now
			skipped = append(skipped, i)
		}
	}
	return skipped, nil
}

// Finish moves the job to its terminal state. An empty reason derives the
// status from stage outcomes; any other reason fails the job with it. Every
// stage must already be terminal.
func (j *Job) Finish(reason schema.FailureReason, now time.Time) (schema.JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return j.status, j.invalid("finish while %s", j.status)
	}
	for _, s := range j.stages {
		if !s.Status.Terminal() {
			return j.status, j.invalid("finish with stage %s %s", s.Name, s.Status)
		}
	}
	status := DeriveStatus(j.stages)
	if reason != "" {
		status = schema.JobFailed
	} else if status == schema.JobFailed {
		reason = schema.FailureRequiredStage
	}
	j.status = status
	j.reason = reason
	j.completedAt = now
	close(j.done)
	return status, nil
}

// DeriveStatus applies the outcome rules to terminal stage results: Failed
// when a required stage did not succeed, PartiallyCompleted when only
// optional stages failed, otherwise Completed.
func DeriveStatus(stages []StageResult) schema.JobStatus {
	partial := false
	for _, s := range stages {
		if s.Status == schema.StageSucceeded {
			continue
		}
		if !s.Optional {
			return schema.JobFailed
		}
		if s.Status == schema.StageFailed {
			partial = true
		}
	}
	if partial {
		return schema.JobPartiallyCompleted
	}
	return schema.JobCompleted
}

// Snapshot is a consistent, deep copy of a job's state.
type Snapshot struct {
	ID          string               `json:"id"`
	DocumentID  string               `json:"document_id"`
	BatchID     string               `json:"batch_id,omitempty"`
	Priority    int                  `json:"priority"`
	Status      schema.JobStatus     `json:"status"`
	Reason      schema.FailureReason `json:"reason,omitempty"`
	Stages      []StageResult        `json:"stages"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	stages := make([]StageResult, len(j.stages))
	for i, s := range j.stages {
		stages[i] = s.clone()
	}
	return Snapshot{
		ID:          j.id,
		DocumentID:  j.documentID,
		BatchID:     j.batchID,
		Priority:    j.priority,
		Status:      j.status,
		Reason:      j.reason,
		Stages:      stages,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

// Outputs returns the outputs of succeeded stages keyed by stage name.
func (s Snapshot) Outputs() map[string]analysis.Output {
	out := make(map[string]analysis.Output)
	for _, st := range s.Stages {
		if st.Status == schema.StageSucceeded && st.Output != nil {
			out[st.Name] = st.Output.Clone()
		}
	}
	return out
}
