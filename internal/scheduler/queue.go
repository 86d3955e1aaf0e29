package scheduler

import (
	"container/heap"

	"github.com/tendant/simple-forensics/internal/process"
)

type queued struct {
	job *process.Job
	seq uint64
}

// jobHeap orders by priority descending, then enqueue order ascending, so
// equal-priority jobs leave in FIFO order.
type jobHeap []queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if pi, pj := h[i].job.Priority(), h[j].job.Priority(); pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}

func (h *jobHeap) push(j *process.Job, seq uint64) {
	heap.Push(h, queued{job: j, seq: seq})
}

func (h *jobHeap) pop() *process.Job {
	return heap.Pop(h).(queued).job
}

// removeIf drops every queued job matching fn and returns them in queue order.
func (h *jobHeap) removeIf(fn func(*process.Job) bool) []*process.Job {
	var removed []queued
	kept := (*h)[:0]
	for _, q := range *h {
		if fn(q.job) {
			removed = append(removed, q)
		} else {
			kept = append(kept, q)
		}
	}
	for i := len(kept); i < len(*h); i++ {
		(*h)[i] = queued{}
	}
	*h = kept
	heap.Init(h)

	tmp := jobHeap(removed)
	heap.Init(&tmp)
	out := make([]*process.Job, 0, len(removed))
	for tmp.Len() > 0 {
		out = append(out, tmp.pop())
	}
	return out
}
