package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	stores, err := OpenStores(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "forensics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestMigrateIsIdempotent(t *testing.T) {
	stores := openTestStores(t)
	require.NoError(t, Migrate(context.Background(), stores.DB, "sqlite"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStores(context.Background(), "postgres", "x")
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(context.Background(), "sqlite3", "")
	assert.Error(t, err)
}

func TestLedgerOverSQL(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()

	l, err := ledger.Open(ctx, stores.Ledger, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, ledger.Event{
			Actor:      "analyst",
			Kind:       schema.EventStageCompleted,
			Subject:    "job-1",
			DocumentID: "doc-1",
			Details:    map[string]string{"stage": "metadata"},
		})
		require.NoError(t, err)
	}
	_, err = l.Append(ctx, ledger.Event{Actor: "analyst", Kind: schema.EventJobQueued, Subject: "job-2"})
	require.NoError(t, err)

	reopened, err := ledger.Open(ctx, stores.Ledger, nil, nil)
	require.NoError(t, err)
	head, ok := reopened.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(5), head.Seq)

	integrity, err := reopened.Verify(ctx, ledger.Range{})
	require.NoError(t, err)
	assert.Equal(t, 5, integrity.Entries)

	trail, err := reopened.Trail(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, trail, 4)
	assert.Equal(t, "metadata", trail[0].Details["stage"])

	_, err = stores.DB.ExecContext(ctx, `UPDATE audit_entries SET actor = 'mallory' WHERE seq = 3`)
	require.NoError(t, err)
	_, err = reopened.Verify(ctx, ledger.Range{})
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)
	v, ok := ledger.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), v.Seq)
}

func TestLedgerSQLDetectsDeletedRow(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()

	l, err := ledger.Open(ctx, stores.Ledger, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, ledger.Event{Actor: "a", Kind: schema.EventJobQueued, Subject: "job"})
		require.NoError(t, err)
	}
	_, err = stores.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE seq = 2`)
	require.NoError(t, err)

	_, err = l.Verify(ctx, ledger.Range{})
	v, ok := ledger.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.Seq)
}

func TestCustodyStore(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)

	records := []custody.Record{
		{DocumentID: "doc-1", Actor: "alice", Kind: schema.AccessView, Timestamp: ts, ExpectedHash: "aa", ResultingHash: "aa", Verified: true, AuditSeq: 4},
		{DocumentID: "doc-2", Actor: "bob", Kind: schema.AccessExport, Timestamp: ts, ExpectedHash: "bb", ResultingHash: "bb", Verified: true, AuditSeq: 5},
		{DocumentID: "doc-1", Actor: "carol", Kind: schema.AccessTransfer, Timestamp: ts.Add(time.Second), ExpectedHash: "aa", ResultingHash: "cc", Verified: false, AuditSeq: 6},
	}
	for _, r := range records {
		require.NoError(t, stores.Custody.Append(ctx, r))
	}

	history, err := stores.Custody.History(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, records[0], history[0])
	assert.Equal(t, records[2], history[1])

	none, err := stores.Custody.History(ctx, "doc-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
