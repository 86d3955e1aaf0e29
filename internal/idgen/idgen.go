// Package idgen provides identifier and time sources for the engine.
package idgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sony/sonyflake"
)

// Clock supplies timestamps. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall-clock time that never runs backwards within
// the process.
type SystemClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *SystemClock) Now() time.Time {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// Source generates globally unique identifiers for documents, jobs and batches.
type Source interface {
	NewDocumentID() string
	NewJobID() string
	NewBatchID() string
}

// Generator is the default Source. Document and job ids are random UUIDs;
// batch ids are ULIDs so listings sort by creation time.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clock   Clock
}

func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   clock,
	}
}

func (g *Generator) NewDocumentID() string { return uuid.NewString() }

func (g *Generator) NewJobID() string { return uuid.NewString() }

func (g *Generator) NewBatchID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.clock.Now()), g.entropy)
	if err != nil {
		// monotonic entropy overflow within one millisecond; fall back to a uuid
		return uuid.NewString()
	}
	return id.String()
}

var (
	instanceOnce sync.Once
	instanceID   uint64
	instanceErr  error
)

// InstanceID returns a process-wide identifier used to name worker actors.
func InstanceID() (uint64, error) {
	instanceOnce.Do(func() {
		sf, err := sonyflake.New(sonyflake.Settings{
			StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			instanceErr = err
			return
		}
		if sf == nil {
			instanceErr = errors.New("failed to create Sonyflake instance")
			return
		}
		instanceID, instanceErr = sf.NextID()
	})
	return instanceID, instanceErr
}

// WorkerActor names the system actor recorded for work done by worker n.
func WorkerActor(n int) string {
	id, err := InstanceID()
	if err != nil {
		return fmt.Sprintf("system:worker-%d", n)
	}
	return fmt.Sprintf("system:%x/worker-%d", id, n)
}
