// Package ledger implements the append-only, hash-chained audit log.
//
// Every entry's digest covers its canonical fields and the digest of the
// entry before it, so editing or removing any stored entry breaks the chain
// at or before the edited position. Appends are serialized through a single
// critical section, giving one strictly increasing sequence shared by every
// job in the process.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/idgen"
)

// Store persists entries. Implementations need not be safe for concurrent
// appends; the Ledger serializes them.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Head returns the entry with the highest sequence number.
	Head(ctx context.Context) (Entry, bool, error)
	// Range returns entries with from <= seq <= to in sequence order. to == 0
	// means through the head.
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	// Subject returns entries whose subject or document id equals id, in
	// sequence order.
	Subject(ctx context.Context, id string) ([]Entry, error)
}

// Observer is told about every committed entry, in sequence order. It runs
// inside the append critical section and must not block or append.
type Observer func(Entry)

type Ledger struct {
	mu        sync.Mutex
	store     Store
	clock     idgen.Clock
	head      Entry
	hasHead   bool
	observers []Observer
	logger    *slog.Logger
}

// Open resumes the chain from the store's head.
func Open(ctx context.Context, store Store, clock idgen.Clock, logger *slog.Logger) (*Ledger, error) {
	if clock == nil {
		clock = &idgen.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	head, ok, err := store.Head(ctx)
	if err != nil {
		return nil, fault.StorageUnavailable("ledger.Open", err)
	}
	return &Ledger{store: store, clock: clock, head: head, hasHead: ok, logger: logger}, nil
}

// Observe registers fn for every subsequently committed entry.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// Append commits ev as the next entry. A store failure is returned as
// StorageUnavailable and nothing is committed.
func (l *Ledger) Append(ctx context.Context, ev Event) (Entry, error) {
	if ev.Kind == "" {
		return Entry{}, fault.Validation("ledger.Append", "event kind must be set")
	}
	if ev.Actor == "" {
		return Entry{}, fault.Validation("ledger.Append", "actor must be set")
	}
	payload, err := PayloadDigest(ev.Details)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger.Append: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:           1,
		Timestamp:     l.clock.Now().UTC(),
		Actor:         ev.Actor,
		Kind:          ev.Kind,
		Subject:       ev.Subject,
		DocumentID:    ev.DocumentID,
		PayloadDigest: payload,
		PrevDigest:    GenesisDigest,
	}
	if len(ev.Details) > 0 {
		e.Details = make(map[string]string, len(ev.Details))
		for k, v := range ev.Details {
			e.Details[k] = v
		}
	}
	if l.hasHead {
		e.Seq = l.head.Seq + 1
		e.PrevDigest = l.head.Digest
		if e.Timestamp.Before(l.head.Timestamp) {
			e.Timestamp = l.head.Timestamp
		}
	}
	if e.Digest, err = ComputeDigest(e); err != nil {
		return Entry{}, fmt.Errorf("ledger.Append: %w", err)
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Error("audit append failed", "seq", e.Seq, "kind", e.Kind, "subject", e.Subject, "err", err)
		return Entry{}, fault.StorageUnavailable("ledger.Append", err)
	}
	l.head = e
	l.hasHead = true
	for _, fn := range l.observers {
		fn(e.Clone())
	}
	return e.Clone(), nil
}

// Head returns the last committed entry.
func (l *Ledger) Head() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head.Clone(), l.hasHead
}

// Range bounds a verification or export. Zero values mean "from the first
// entry" and "through the head".
type Range struct {
	From uint64
	To   uint64
}

// Integrity summarizes a successful verification.
type Integrity struct {
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	Entries    int    `json:"entries"`
	HeadDigest string `json:"head_digest"`
}

// Violation describes the first broken link found by Verify.
type Violation struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("ledger broken at seq %d: %s", v.Seq, v.Reason)
}

func violation(seq uint64, format string, args ...any) error {
	v := &Violation{Seq: seq, Reason: fmt.Sprintf(format, args...)}
	return &fault.Error{
		Kind:    fault.KindIntegrityViolation,
		Op:      "ledger.Verify",
		Subject: "seq:" + strconv.FormatUint(seq, 10),
		Err:     v,
	}
}

// AsViolation extracts the broken link from a Verify error.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Verify recomputes the chain over r and reports the first broken link.
func (l *Ledger) Verify(ctx context.Context, r Range) (Integrity, error) {
	head, hasHead := l.Head()

	from := r.From
	if from == 0 {
		from = 1
	}
	if r.To != 0 && from > r.To {
		return Integrity{}, fault.Validation("ledger.Verify", "range start %d is after end %d", from, r.To)
	}
	if next := head.Seq + 1; (hasHead && from > next) || (!hasHead && from > 1) {
		return Integrity{}, fault.Validation("ledger.Verify", "range start %d is past the head (seq %d)", from, head.Seq)
	}
	entries, err := l.store.Range(ctx, from, r.To)
	if err != nil {
		return Integrity{}, fault.StorageUnavailable("ledger.Verify", err)
	}

	prev := GenesisDigest
	if from > 1 {
		anchor, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return Integrity{}, fault.StorageUnavailable("ledger.Verify", err)
		}
		if len(anchor) != 1 {
			return Integrity{}, violation(from-1, "anchor entry missing")
		}
		prev = anchor[0].Digest
	}

	expected := from
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Integrity{}, err
		}
		if e.Seq != expected {
			return Integrity{}, violation(expected, "entry missing (next stored seq %d)", e.Seq)
		}
		if e.PrevDigest != prev {
			return Integrity{}, violation(e.Seq, "previous digest mismatch")
		}
		payload, err := PayloadDigest(e.Details)
		if err != nil || payload != e.PayloadDigest {
			return Integrity{}, violation(e.Seq, "payload digest mismatch")
		}
		digest, err := ComputeDigest(e)
		if err != nil || digest != e.Digest {
			return Integrity{}, violation(e.Seq, "entry digest mismatch")
		}
		prev = e.Digest
		expected++
	}

	last := expected - 1
	if r.To == 0 && hasHead {
		if last < head.Seq {
			return Integrity{}, violation(last+1, "entries after seq %d missing (head is %d)", last, head.Seq)
		}
		if last > head.Seq {
			return Integrity{}, violation(head.Seq+1, "unexpected entries past head %d", head.Seq)
		}
		if prev != head.Digest {
			return Integrity{}, violation(head.Seq, "head digest mismatch")
		}
	}
	if r.To != 0 && last < r.To && (!hasHead || r.To <= head.Seq) {
		return Integrity{}, violation(last+1, "entry missing")
	}
	return Integrity{From: from, To: last, Entries: len(entries), HeadDigest: prev}, nil
}

// Trail returns every entry about subject, ordered by sequence.
func (l *Ledger) Trail(ctx context.Context, subject string) ([]Entry, error) {
	entries, err := l.store.Subject(ctx, subject)
	if err != nil {
		return nil, fault.StorageUnavailable("ledger.Trail", err)
	}
	return entries, nil
}

// Export returns the ordered entries in r for inclusion in reports.
func (l *Ledger) Export(ctx context.Context, r Range) ([]Entry, error) {
	from := r.From
	if from == 0 {
		from = 1
	}
	entries, err := l.store.Range(ctx, from, r.To)
	if err != nil {
		return nil, fault.StorageUnavailable("ledger.Export", err)
	}
	return entries, nil
}
