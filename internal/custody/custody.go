// Package custody records every access to evidence bytes and proves, on each
// read, that the bytes still hash to the value recorded at ingestion.
package custody

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/idgen"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// Record is one logged access to a document's bytes.
type Record struct {
	DocumentID    string            `json:"document_id"`
	Actor         string            `json:"actor"`
	Kind          schema.AccessKind `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	ExpectedHash  string            `json:"expected_hash"`
	ResultingHash string            `json:"resulting_hash"`
	Verified      bool              `json:"verified"`
	AuditSeq      uint64            `json:"audit_seq"`
}

// Store persists custody records in append order.
type Store interface {
	Append(ctx context.Context, r Record) error
	History(ctx context.Context, documentID string) ([]Record, error)
}

// Evidence is what the tracker needs to know about a registered document.
type Evidence struct {
	DocumentID  string
	ContentHash string
	Locator     blob.Locator
}

// Registry resolves documents and takes them out of service when their
// stored bytes no longer match.
type Registry interface {
	Evidence(ctx context.Context, documentID string) (Evidence, error)
	Quarantine(ctx context.Context, documentID, reason string) error
}

type Tracker struct {
	store    Store
	blobs    *blob.Client
	ledger   *ledger.Ledger
	registry Registry
	clock    idgen.Clock
	logger   *slog.Logger

	// serializes audit+record for one document so history order matches
	// ledger order
	locks sync.Map
}

func NewTracker(store Store, blobs *blob.Client, l *ledger.Ledger, registry Registry, clock idgen.Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = &idgen.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		blobs:    blobs,
		ledger:   l,
		registry: registry,
		clock:    clock,
		logger:   logger,
	}
}

// RecordAccess re-reads the document, verifies its hash and logs the access.
func (t *Tracker) RecordAccess(ctx context.Context, documentID, actor string, kind schema.AccessKind) (Record, error) {
	_, rec, err := t.Read(ctx, documentID, actor, kind)
	return rec, err
}

// Read returns the verified bytes of a document together with the custody
// record of this access. A hash mismatch is audited, the document is
// quarantined and an IntegrityViolation is returned; no bytes are handed out.
func (t *Tracker) Read(ctx context.Context, documentID, actor string, kind schema.AccessKind) ([]byte, Record, error) {
	const op = "custody.Read"
	if strings.TrimSpace(actor) == "" {
		return nil, Record{}, fault.Validation(op, "actor must be set")
	}
	switch kind {
	case schema.AccessView, schema.AccessExport, schema.AccessTransfer, schema.AccessAnalyze:
	default:
		return nil, Record{}, fault.Validation(op, "unknown access kind %q", kind)
	}
	ev, err := t.registry.Evidence(ctx, documentID)
	if err != nil {
		return nil, Record{}, err
	}

	mu := t.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	data, err := t.blobs.Get(ctx, ev.Locator)
	resulting := ""
	switch {
	case errors.Is(err, fault.ErrNotFound):
		// registered bytes are gone: as serious as altered bytes
	case err != nil:
		return nil, Record{}, err
	default:
		resulting = blob.Digest(data)
	}

	rec := Record{
		DocumentID:    documentID,
		Actor:         actor,
		Kind:          kind,
		Timestamp:     t.clock.Now().UTC(),
		ExpectedHash:  ev.ContentHash,
		ResultingHash: resulting,
		Verified:      resulting == ev.ContentHash,
	}
	if !rec.Verified {
		return nil, rec, t.violation(ctx, rec)
	}

	entry, err := t.ledger.Append(ctx, ledger.Event{
		Actor:      actor,
		Kind:       schema.EventDocumentAccessed,
		Subject:    documentID,
		DocumentID: documentID,
		Details: map[string]string{
			"access": string(kind),
			"hash":   resulting,
		},
	})
	if err != nil {
		return nil, Record{}, err
	}
	rec.AuditSeq = entry.Seq
	if err := t.store.Append(ctx, rec); err != nil {
		t.logger.Error("custody record for access not stored",
			"document_id", documentID, "access", kind, "audit_seq", entry.Seq, "err", err)
		return nil, Record{}, fault.StorageUnavailable(op, err)
	}
	return data, rec, nil
}

func (t *Tracker) violation(ctx context.Context, rec Record) error {
	reason := "content hash mismatch"
	if rec.ResultingHash == "" {
		reason = "stored content missing"
	}
	ferr := fault.Integrity("custody.Read", rec.DocumentID, "%s: expected %s, got %q", reason, rec.ExpectedHash, rec.ResultingHash)

	entry, err := t.ledger.Append(ctx, ledger.Event{
		Actor:      rec.Actor,
		Kind:       schema.EventIntegrityViolation,
		Subject:    rec.DocumentID,
		DocumentID: rec.DocumentID,
		Details: map[string]string{
			"access":   string(rec.Kind),
			"reason":   reason,
			"expected": rec.ExpectedHash,
			"actual":   rec.ResultingHash,
		},
	})
	if err != nil {
		t.logger.Error("integrity violation could not be audited",
			"document_id", rec.DocumentID, "err", err)
		ferr.Err = err
		return ferr
	}
	rec.AuditSeq = entry.Seq
	if err := t.store.Append(ctx, rec); err != nil {
		t.logger.Error("custody record for violation not stored",
			"document_id", rec.DocumentID, "audit_seq", entry.Seq, "err", err)
	}
	if err := t.registry.Quarantine(ctx, rec.DocumentID, reason+" (audit seq "+strconv.FormatUint(entry.Seq, 10)+")"); err != nil {
		t.logger.Error("quarantine failed", "document_id", rec.DocumentID, "err", err)
	}
	t.logger.Warn("integrity violation",
		"document_id", rec.DocumentID,
		"actor", rec.Actor,
		"reason", reason,
		"audit_seq", entry.Seq)
	return ferr
}

// History returns every custody record for documentID in access order.
func (t *Tracker) History(ctx context.Context, documentID string) ([]Record, error) {
	records, err := t.store.History(ctx, documentID)
	if err != nil {
		return nil, fault.StorageUnavailable("custody.History", err)
	}
	return records, nil
}

func (t *Tracker) lockFor(documentID string) *sync.Mutex {
	mu, _ := t.locks.LoadOrStore(documentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// MemoryStore keeps custody records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) History(_ context.Context, documentID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out, nil
}
