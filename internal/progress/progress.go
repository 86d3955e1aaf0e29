// Package progress derives completion figures from job snapshots. It keeps
// no state of its own.
package progress

import (
	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// OfJob returns the weighted share of terminal stages, in [0, 100]. A
// terminal job is always 100.
func OfJob(s process.Snapshot) float64 {
	if s.Status.Terminal() {
		return 100
	}
	var total, done float64
	for _, st := range s.Stages {
		w := st.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		if st.Status.Terminal() {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}

// OfBatch returns the arithmetic mean of member job progress.
func OfBatch(members []process.Snapshot) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range members {
		sum += OfJob(m)
	}
	return sum / float64(len(members))
}

// Summary is a status line for one job.
type Summary struct {
	JobID        string           `json:"job_id"`
	Status       schema.JobStatus `json:"status"`
	Percent      float64          `json:"percent"`
	CurrentStage string           `json:"current_stage,omitempty"`
	Succeeded    int              `json:"succeeded"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	Total        int              `json:"total"`
}

// Summarize counts stage outcomes and names the running stage, if any.
func Summarize(s process.Snapshot) Summary {
	sum := Summary{
		JobID:   s.ID,
		Status:  s.Status,
		Percent: OfJob(s),
		Total:   len(s.Stages),
	}
	for _, st := range s.Stages {
		switch st.Status {
		case schema.StageSucceeded:
			sum.Succeeded++
		case schema.StageFailed:
			sum.Failed++
		case schema.StageSkipped:
			sum.Skipped++
		case schema.StageRunning:
			sum.CurrentStage = st.Name
		}
	}
	return sum
}
