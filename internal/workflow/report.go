package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// Results are the outputs of a terminal job.
type Results struct {
	JobID      string                     `json:"job_id"`
	DocumentID string                     `json:"document_id"`
	Status     schema.JobStatus           `json:"status"`
	Reason     schema.FailureReason       `json:"reason,omitempty"`
	Stages     []process.StageResult      `json:"stages"`
	Outputs    map[string]analysis.Output `json:"outputs"`
}

// Report is the ordered material an external renderer turns into a
// forensic report. Audit and custody sequences are in recorded order.
type Report struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	ExportedBy  string                     `json:"exported_by"`
	Document    Document                   `json:"document"`
	Job         process.Snapshot           `json:"job"`
	Outputs     map[string]analysis.Output `json:"outputs"`
	AuditTrail  []ledger.Entry             `json:"audit_trail"`
	Custody     []custody.Record           `json:"custody"`
	Integrity   ledger.Integrity           `json:"integrity"`
}

// ExportReport assembles the report for a terminal job. The export is a
// custody access to the document and is audited before the material is
// collected, so the report's own trail ends with the export.
func (o *Orchestrator) ExportReport(ctx context.Context, actor, jobID string) (Report, error) {
	const op = "workflow.ExportReport"
	if err := requireActor(op, actor); err != nil {
		return Report{}, err
	}
	j, ok := o.job(jobID)
	if !ok {
		return Report{}, fault.NotFound(op, jobID)
	}
	snap := j.Snapshot()
	if !snap.Status.Terminal() {
		return Report{}, fault.NotReady(op, jobID, "job is %s", snap.Status)
	}
	doc, ok := o.docs.get(snap.DocumentID)
	if !ok {
		return Report{}, fault.NotFound(op, snap.DocumentID)
	}
	if doc.Status == schema.DocumentQuarantined {
		return Report{}, fault.Integrity(op, doc.ID, "document is quarantined: %s", doc.QuarantineReason)
	}

	if _, err := o.custody.RecordAccess(ctx, doc.ID, actor, schema.AccessExport); err != nil {
		return Report{}, err
	}
	if _, err := o.audit(ctx, actor, schema.EventReportExported, jobID, doc.ID, map[string]string{
		"status": string(snap.Status),
	}); err != nil {
		return Report{}, err
	}

	subjects := []string{doc.ID, jobID}
	if snap.BatchID != "" {
		subjects = append(subjects, snap.BatchID)
	}
	trail, err := o.trailOf(ctx, subjects...)
	if err != nil {
		return Report{}, err
	}
	records, err := o.custody.History(ctx, doc.ID)
	if err != nil {
		return Report{}, err
	}
	integrity, err := o.ledger.Verify(ctx, ledger.Range{})
	if err != nil {
		return Report{}, o.ledgerBroken(ctx, actor, err)
	}

	doc, _ = o.docs.get(doc.ID)
	return Report{
		GeneratedAt: o.clock.Now().UTC(),
		ExportedBy:  actor,
		Document:    doc,
		Job:         snap,
		Outputs:     snap.Outputs(),
		AuditTrail:  trail,
		Custody:     records,
		Integrity:   integrity,
	}, nil
}

// trailOf merges the trails of several subjects into one sequence-ordered
// list without duplicates.
func (o *Orchestrator) trailOf(ctx context.Context, subjects ...string) ([]ledger.Entry, error) {
	seen := make(map[uint64]bool)
	var out []ledger.Entry
	for _, s := range subjects {
		entries, err := o.ledger.Trail(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !seen[e.Seq] {
				seen[e.Seq] = true
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
