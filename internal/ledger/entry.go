package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tendant/simple-forensics/pkg/schema"
)

// GenesisDigest is the fixed seed the first entry chains from.
var GenesisDigest = func() string {
	sum := sha256.Sum256([]byte("simple-forensics/ledger/genesis/v1"))
	return hex.EncodeToString(sum[:])
}()

// Event is the caller-supplied part of an audit entry.
type Event struct {
	Actor      string
	Kind       schema.EventKind
	Subject    string
	DocumentID string
	Details    map[string]string
}

// Entry is one immutable, hash-chained audit record.
type Entry struct {
	Seq           uint64            `json:"seq"`
	Timestamp     time.Time         `json:"timestamp"`
	Actor         string            `json:"actor"`
	Kind          schema.EventKind  `json:"kind"`
	Subject       string            `json:"subject"`
	DocumentID    string            `json:"document_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	PayloadDigest string            `json:"payload_digest"`
	PrevDigest    string            `json:"prev_digest"`
	Digest        string            `json:"digest"`
}

// digestRecord fixes field order for the canonical encoding.
type digestRecord struct {
	_             struct{} `cbor:",toarray"`
	Seq           uint64
	UnixNano      int64
	Actor         string
	Kind          string
	Subject       string
	DocumentID    string
	PayloadDigest string
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: build cbor encoder: %v", err))
	}
	return em
}()

// PayloadDigest hashes the canonical encoding of details.
func PayloadDigest(details map[string]string) (string, error) {
	if len(details) == 0 {
		details = nil
	}
	b, err := encMode.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeDigest returns hash(canonical fields ‖ prev digest) for e.
func ComputeDigest(e Entry) (string, error) {
	prev, err := hex.DecodeString(e.PrevDigest)
	if err != nil {
		return "", fmt.Errorf("decode prev digest: %w", err)
	}
	b, err := encMode.Marshal(digestRecord{
		Seq:           e.Seq,
		UnixNano:      e.Timestamp.UnixNano(),
		Actor:         e.Actor,
		Kind:          string(e.Kind),
		Subject:       e.Subject,
		DocumentID:    e.DocumentID,
		PayloadDigest: e.PayloadDigest,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	h := sha256.New()
	h.Write(b)
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Entry) Clone() Entry {
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// LifecycleEvent converts e to its published form.
func (e Entry) LifecycleEvent() schema.LifecycleEvent {
	return schema.LifecycleEvent{
		Seq:        e.Seq,
		Kind:       e.Kind,
		Actor:      e.Actor,
		Subject:    e.Subject,
		DocumentID: e.DocumentID,
		Details:    e.Details,
		Digest:     e.Digest,
		HappenedAt: e.Timestamp.Unix(),
	}
}
