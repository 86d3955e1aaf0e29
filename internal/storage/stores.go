package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// LedgerStore implements ledger.Store on the audit_entries table.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const auditColumns = `seq, ts_unix_nano, actor, kind, subject, document_id, details, payload_digest, prev_digest, digest`

func (s *LedgerStore) Append(ctx context.Context, e ledger.Entry) error {
	details := ""
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UnixNano(), e.Actor, string(e.Kind), e.Subject, e.DocumentID,
		details, e.PayloadDigest, e.PrevDigest, e.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Seq, err)
	}
	return nil
}

func (s *LedgerStore) Head(ctx context.Context) (ledger.Entry, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("query ledger head: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return entries[0], true, nil
}

func (s *LedgerStore) Range(ctx context.Context, from, to uint64) ([]ledger.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if to == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+auditColumns+` FROM audit_entries WHERE seq >= ? ORDER BY seq`, from)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+auditColumns+` FROM audit_entries WHERE seq >= ? AND seq <= ? ORDER BY seq`, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	return scanEntries(rows)
}

func (s *LedgerStore) Subject(ctx context.Context, id string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE subject = ? OR document_id = ? ORDER BY seq`, id, id)
	if err != nil {
		return nil, fmt.Errorf("query ledger subject: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			nanos   int64
			kind    string
			details string
		)
		if err := rows.Scan(&e.Seq, &nanos, &e.Actor, &kind, &e.Subject, &e.DocumentID,
			&details, &e.PayloadDigest, &e.PrevDigest, &e.Digest); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(0, nanos).UTC()
		e.Kind = schema.EventKind(kind)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				// leave details empty; Verify reports the payload mismatch
				e.Details = nil
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// CustodyStore implements custody.Store on the custody_records table.
type CustodyStore struct {
	db *sql.DB
}

func NewCustodyStore(db *sql.DB) *CustodyStore {
	return &CustodyStore{db: db}
}

func (s *CustodyStore) Append(ctx context.Context, r custody.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custody_records (document_id, actor, kind, ts_unix_nano, expected_hash, resulting_hash, verified, audit_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DocumentID, r.Actor, string(r.Kind), r.Timestamp.UnixNano(),
		r.ExpectedHash, r.ResultingHash, r.Verified, r.AuditSeq,
	)
	if err != nil {
		return fmt.Errorf("insert custody record: %w", err)
	}
	return nil
}

func (s *CustodyStore) History(ctx context.Context, documentID string) ([]custody.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, actor, kind, ts_unix_nano, expected_hash, resulting_hash, verified, audit_seq
		 FROM custody_records WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query custody history: %w", err)
	}
	defer rows.Close()

	var out []custody.Record
	for rows.Next() {
		var (
			r     custody.Record
			kind  string
			nanos int64
		)
		if err := rows.Scan(&r.DocumentID, &r.Actor, &kind, &nanos,
			&r.ExpectedHash, &r.ResultingHash, &r.Verified, &r.AuditSeq); err != nil {
			return nil, fmt.Errorf("scan custody record: %w", err)
		}
		r.Kind = schema.AccessKind(kind)
		r.Timestamp = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody records: %w", err)
	}
	return out, nil
}

// ErrUnknownDriver is returned by Stores for drivers without SQL persistence.
var ErrUnknownDriver = errors.New("unknown ledger driver")

// Stores bundles the SQL-backed stores for one database.
type Stores struct {
	DB      *sql.DB
	Ledger  *LedgerStore
	Custody *CustodyStore
}

// OpenStores opens, migrates and wraps the database named by driver and dsn.
func OpenStores(ctx context.Context, driver, dsn string) (*Stores, error) {
	switch normalizeDriver(driver) {
	case "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	db, err := Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &Stores{DB: db, Ledger: NewLedgerStore(db), Custody: NewCustodyStore(db)}, nil
}

func (s *Stores) Close() error {
	return s.DB.Close()
}
