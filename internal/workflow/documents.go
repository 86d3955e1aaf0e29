package workflow

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// Document is a registered piece of evidence. Everything but Status is fixed
// at registration.
type Document struct {
	ID               string                `json:"id"`
	Name             string                `json:"name,omitempty"`
	ContentHash      string                `json:"content_hash"`
	MediaType        string                `json:"media_type"`
	Size             int64                 `json:"size"`
	IngestedAt       time.Time             `json:"ingested_at"`
	Locator          blob.Locator          `json:"locator"`
	Status           schema.DocumentStatus `json:"status"`
	QuarantineReason string                `json:"quarantine_reason,omitempty"`
}

// Metadata is what the caller declares about submitted bytes.
type Metadata struct {
	Name      string
	MediaType string
}

func (d Document) analysisDocument() analysis.Document {
	return analysis.Document{
		ID:          d.ID,
		Name:        d.Name,
		ContentHash: d.ContentHash,
		MediaType:   d.MediaType,
		Size:        d.Size,
		Locator:     d.Locator,
	}
}

// documents indexes registered documents by id and by content hash.
type documents struct {
	mu     sync.RWMutex
	byID   map[string]*Document
	byHash map[string]string
}

var _ custody.Registry = (*documents)(nil)

func newDocuments() *documents {
	return &documents{
		byID:   make(map[string]*Document),
		byHash: make(map[string]string),
	}
}

func (d *documents) get(id string) (Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.byID[id]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

func (d *documents) lookupHash(hash string) (Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byHash[hash]
	if !ok {
		return Document{}, false
	}
	return *d.byID[id], true
}

func (d *documents) add(doc Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[doc.ID] = &doc
	d.byHash[doc.ContentHash] = doc.ID
}

func (d *documents) list() []Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Document, 0, len(d.byID))
	for _, doc := range d.byID {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *documents) Evidence(_ context.Context, id string) (custody.Evidence, error) {
	doc, ok := d.get(id)
	if !ok {
		return custody.Evidence{}, fault.NotFound("workflow.Evidence", id)
	}
	return custody.Evidence{DocumentID: doc.ID, ContentHash: doc.ContentHash, Locator: doc.Locator}, nil
}

// Quarantine takes a document out of service. It is permanent: replay
// restores it from the IntegrityViolation entry.
func (d *documents) Quarantine(_ context.Context, id, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.byID[id]
	if !ok {
		return fault.NotFound("workflow.Quarantine", id)
	}
	if doc.Status == schema.DocumentQuarantined {
		return nil
	}
	doc.Status = schema.DocumentQuarantined
	doc.QuarantineReason = reason
	return nil
}

// replay rebuilds the registry from audit entries in ledger order:
// DocumentRegistered adds a document and IntegrityViolation quarantines it.
func (d *documents) replay(entries []ledger.Entry) (restored, quarantined int) {
	for _, e := range entries {
		switch e.Kind {
		case schema.EventDocumentRegistered:
			doc := Document{
				ID:          e.Subject,
				Name:        e.Details["name"],
				ContentHash: e.Details["hash"],
				MediaType:   e.Details["media_type"],
				IngestedAt:  e.Timestamp.UTC(),
				Locator:     blob.Locator(e.Details["locator"]),
				Status:      schema.DocumentRegistered,
			}
			doc.Size, _ = strconv.ParseInt(e.Details["size"], 10, 64)
			if ts, err := time.Parse(time.RFC3339Nano, e.Details["ingested_at"]); err == nil {
				doc.IngestedAt = ts
			}
			if doc.Locator == "" {
				doc.Locator = blob.Locator("sha256:" + doc.ContentHash)
			}
			d.add(doc)
			restored++
		case schema.EventIntegrityViolation:
			if e.DocumentID == "" {
				continue
			}
			reason := e.Details["reason"] + " (audit seq " + strconv.FormatUint(e.Seq, 10) + ")"
			if err := d.Quarantine(context.Background(), e.DocumentID, reason); err == nil {
				quarantined++
			}
		}
	}
	return restored, quarantined
}
