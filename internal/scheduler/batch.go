package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/internal/progress"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// Batch groups jobs submitted together. Its state is derived from its
// members on every read.
type Batch struct {
	id        string
	priority  int
	createdAt time.Time
	jobs      []*process.Job
	cancelled atomic.Bool
}

func (b *Batch) ID() string { return b.id }

// Jobs returns the member jobs in submission order.
func (b *Batch) Jobs() []*process.Job {
	return append([]*process.Job(nil), b.jobs...)
}

func (b *Batch) Cancelled() bool { return b.cancelled.Load() }

// Wait blocks until every member is terminal or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	for _, j := range b.jobs {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Counters partition the members by state. Succeeded counts Completed and
// PartiallyCompleted members.
type Counters struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type BatchSnapshot struct {
	ID        string             `json:"id"`
	Priority  int                `json:"priority"`
	Status    schema.JobStatus   `json:"status"`
	Cancelled bool               `json:"cancelled,omitempty"`
	Counters  Counters           `json:"counters"`
	Progress  float64            `json:"progress"`
	CreatedAt time.Time          `json:"created_at"`
	Jobs      []process.Snapshot `json:"jobs"`
}

func (b *Batch) Snapshot() BatchSnapshot {
	members := make([]process.Snapshot, len(b.jobs))
	for i, j := range b.jobs {
		members[i] = j.Snapshot()
	}
	return BatchSnapshot{
		ID:        b.id,
		Priority:  b.priority,
		Status:    AggregateStatus(members),
		Cancelled: b.Cancelled(),
		Counters:  Count(members),
		Progress:  progress.OfBatch(members),
		CreatedAt: b.createdAt,
		Jobs:      members,
	}
}

// Count places every member in exactly one counter.
func Count(members []process.Snapshot) Counters {
	c := Counters{Total: len(members)}
	for _, m := range members {
		switch m.Status {
		case schema.JobQueued:
			c.Queued++
		case schema.JobRunning:
			c.Running++
		case schema.JobCompleted, schema.JobPartiallyCompleted:
			c.Succeeded++
		case schema.JobFailed:
			c.Failed++
		}
	}
	return c
}

// AggregateStatus derives a batch status. Until every member is terminal the
// batch is Queued (nothing started) or Running. Once all are terminal it is
// Completed when every member completed, Failed when every member failed,
// and PartiallyCompleted otherwise.
func AggregateStatus(members []process.Snapshot) schema.JobStatus {
	if len(members) == 0 {
		return schema.JobCompleted
	}
	terminal, allQueued, allCompleted, allFailed := true, true, true, true
	for _, m := range members {
		if !m.Status.Terminal() {
			terminal = false
			if m.Status != schema.JobQueued {
				allQueued = false
			}
			continue
		}
		allQueued = false
		if m.Status != schema.JobCompleted {
			allCompleted = false
		}
		if m.Status != schema.JobFailed {
			allFailed = false
		}
	}
	switch {
	case !terminal && allQueued:
		return schema.JobQueued
	case !terminal:
		return schema.JobRunning
	case allCompleted:
		return schema.JobCompleted
	case allFailed:
		return schema.JobFailed
	default:
		return schema.JobPartiallyCompleted
	}
}
