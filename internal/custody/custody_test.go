package custody

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

type fakeRegistry struct {
	mu          sync.Mutex
	docs        map[string]Evidence
	quarantined map[string]string
}

func (f *fakeRegistry) Evidence(_ context.Context, id string) (Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.docs[id]
	if !ok {
		return Evidence{}, fault.NotFound("registry.Evidence", id)
	}
	return ev, nil
}

func (f *fakeRegistry) Quarantine(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined[id] = reason
	return nil
}

type fixture struct {
	root     string
	tracker  *Tracker
	ledger   *ledger.Ledger
	registry *fakeRegistry
	loc      blob.Locator
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	backend, err := blob.NewFSBackend(root)
	require.NoError(t, err)
	blobs := blob.NewClient(backend)

	loc, err := blobs.Put(ctx, []byte(content))
	require.NoError(t, err)

	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), nil, nil)
	require.NoError(t, err)

	reg := &fakeRegistry{
		docs: map[string]Evidence{
			"doc-1": {DocumentID: "doc-1", ContentHash: blob.Digest([]byte(content)), Locator: loc},
		},
		quarantined: make(map[string]string),
	}
	return &fixture{
		root:     root,
		tracker:  NewTracker(NewMemoryStore(), blobs, l, reg, nil, nil),
		ledger:   l,
		registry: reg,
		loc:      loc,
	}
}

func (f *fixture) blobPath() string {
	h := strings.TrimPrefix(string(f.loc), "sha256:")
	return filepath.Join(f.root, h[:2], h)
}

func TestRecordAccessVerifiesAndAudits(t *testing.T) {
	f := newFixture(t, "contract v1")
	ctx := context.Background()

	rec, err := f.tracker.RecordAccess(ctx, "doc-1", "alice", schema.AccessView)
	require.NoError(t, err)
	assert.True(t, rec.Verified)
	assert.Equal(t, rec.ExpectedHash, rec.ResultingHash)
	assert.NotZero(t, rec.AuditSeq)

	trail, err := f.ledger.Trail(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, schema.EventDocumentAccessed, trail[0].Kind)
	assert.Equal(t, "alice", trail[0].Actor)
	assert.Equal(t, rec.AuditSeq, trail[0].Seq)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, Record) error {
	return errors.New("database is locked")
}

func TestAccessRecordStoreFailureIsLogged(t *testing.T) {
	f := newFixture(t, "contract v1")
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	f.tracker = NewTracker(&failingStore{}, f.tracker.blobs, f.ledger, f.registry, nil, logger)

	_, _, err := f.tracker.Read(context.Background(), "doc-1", "bob", schema.AccessView)
	require.ErrorIs(t, err, fault.ErrStorageUnavailable)

	head, ok := f.ledger.Head()
	require.True(t, ok)
	assert.Equal(t, schema.EventDocumentAccessed, head.Kind)

	out := logs.String()
	assert.Contains(t, out, "custody record for access not stored")
	assert.Contains(t, out, `"document_id":"doc-1"`)
	assert.Contains(t, out, `"audit_seq":1`)
	assert.Contains(t, out, "database is locked")
}

func TestReadReturnsBytes(t *testing.T) {
	f := newFixture(t, "contract v1")
	data, rec, err := f.tracker.Read(context.Background(), "doc-1", "bob", schema.AccessExport)
	require.NoError(t, err)
	assert.Equal(t, "contract v1", string(data))
	assert.Equal(t, schema.AccessExport, rec.Kind)
}

func TestCorruptedContentIsAuditedBeforeViolation(t *testing.T) {
	f := newFixture(t, "contract v1")
	ctx := context.Background()
	require.NoError(t, os.WriteFile(f.blobPath(), []byte("contract v2"), 0o644))

	data, _, err := f.tracker.Read(ctx, "doc-1", "alice", schema.AccessView)
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)
	assert.Nil(t, data)

	trail, err := f.ledger.Trail(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, schema.EventIntegrityViolation, trail[0].Kind)
	assert.Equal(t, blob.Digest([]byte("contract v2")), trail[0].Details["actual"])

	history, err := f.tracker.History(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Verified)
	assert.Equal(t, trail[0].Seq, history[0].AuditSeq)

	assert.Contains(t, f.registry.quarantined, "doc-1")
}

func TestMissingContentIsViolation(t *testing.T) {
	f := newFixture(t, "contract v1")
	require.NoError(t, os.Remove(f.blobPath()))

	_, err := f.tracker.RecordAccess(context.Background(), "doc-1", "alice", schema.AccessTransfer)
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)
	assert.Contains(t, f.registry.quarantined["doc-1"], "missing")
}

func TestRecordAccessValidation(t *testing.T) {
	f := newFixture(t, "x")
	ctx := context.Background()

	_, err := f.tracker.RecordAccess(ctx, "doc-1", "", schema.AccessView)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.tracker.RecordAccess(ctx, "doc-1", " \t", schema.AccessView)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.tracker.RecordAccess(ctx, "doc-1", "alice", schema.AccessKind("copy"))
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.tracker.RecordAccess(ctx, "doc-9", "alice", schema.AccessView)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	head, ok := f.ledger.Head()
	assert.False(t, ok, "rejected accesses must not be audited, got %+v", head)
}

func TestHistoryIsOrdered(t *testing.T) {
	f := newFixture(t, "x")
	ctx := context.Background()
	for _, actor := range []string{"a", "b", "c"} {
		_, err := f.tracker.RecordAccess(ctx, "doc-1", actor, schema.AccessView)
		require.NoError(t, err)
	}
	history, err := f.tracker.History(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Less(t, history[i-1].AuditSeq, history[i].AuditSeq)
	}
	assert.Equal(t, "c", history[2].Actor)
}
