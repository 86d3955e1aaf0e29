// Package workflow is the analysis engine's façade. An Orchestrator owns the
// document registry, the job table, the scheduler and the capability
// bindings, and every operation goes through it explicitly.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/idgen"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/internal/progress"
	"github.com/tendant/simple-forensics/internal/scheduler"
	"github.com/tendant/simple-forensics/pkg/schema"
)

const (
	DefaultWorkers          = 4
	DefaultMaxPending       = 1024
	DefaultMaxDocumentBytes = 256 << 20
)

// Dependencies are the collaborators an Orchestrator is built from. Nil
// fields get in-memory defaults.
type Dependencies struct {
	Blobs     *blob.Client
	Ledger    *ledger.Ledger
	Custody   custody.Store
	Providers *analysis.Registry
	Clock     idgen.Clock
	IDs       idgen.Source
	Publisher Publisher
	Logger    *slog.Logger
	// Closers are released, in order, by Close.
	Closers []io.Closer
}

type Options struct {
	Workers          int
	MaxPending       int
	MaxDocumentBytes int64
	// MediaTypes is the allow list for registration. Empty means the types
	// the built-in providers understand.
	MediaTypes []string
	Pipeline   process.Pipeline
}

type Orchestrator struct {
	blobs     *blob.Client
	ledger    *ledger.Ledger
	custody   *custody.Tracker
	providers *analysis.Registry
	clock     idgen.Clock
	ids       idgen.Source
	logger    *slog.Logger
	events    *eventPump
	closers   []io.Closer

	pipeline   process.Pipeline
	workers    int
	maxBytes   int64
	mediaTypes map[string]bool

	docs     *documents
	sched    *scheduler.Scheduler
	register singleflight.Group

	// submitMu makes capacity reservation, auditing and enqueueing one step.
	submitMu sync.Mutex
	// cancelMu pairs the BatchCancelled entry with marking the batch.
	cancelMu sync.Mutex

	jobsMu sync.RWMutex
	jobs   map[string]*process.Job
}

// New wires an Orchestrator. The pipeline is validated against the provider
// bindings so that a misconfigured stage fails here, not on the first job.
func New(ctx context.Context, deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = &idgen.SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = idgen.NewGenerator(deps.Clock)
	}
	if deps.Blobs == nil {
		deps.Blobs = blob.NewClient(blob.NewMemoryBackend())
	}
	if deps.Custody == nil {
		deps.Custody = custody.NewMemoryStore()
	}
	if deps.Providers == nil {
		deps.Providers = analysis.DefaultRegistry()
	}
	if deps.Ledger == nil {
		l, err := ledger.Open(ctx, ledger.NewMemoryStore(), deps.Clock, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Ledger = l
	}

	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxPending == 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaxDocumentBytes == 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if len(opts.MediaTypes) == 0 {
		opts.MediaTypes = analysis.SupportedMediaTypes()
	}
	if len(opts.Pipeline.Stages) == 0 {
		opts.Pipeline = process.DefaultPipeline()
	}

	var result *multierror.Error
	if err := opts.Pipeline.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, s := range opts.Pipeline.Stages {
		if _, ok := deps.Providers.Lookup(s.Provider); s.Provider != "" && !ok {
			result = multierror.Append(result, fmt.Errorf("stage %q: provider %q is not registered", s.Name, s.Provider))
		}
	}
	if opts.MaxDocumentBytes < 0 {
		result = multierror.Append(result, fmt.Errorf("max document bytes must be positive, got %d", opts.MaxDocumentBytes))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid workflow configuration: %w", err)
	}

	o := &Orchestrator{
		blobs:      deps.Blobs,
		ledger:     deps.Ledger,
		providers:  deps.Providers,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     deps.Logger,
		closers:    deps.Closers,
		pipeline:   opts.Pipeline.Clone(),
		workers:    opts.Workers,
		maxBytes:   opts.MaxDocumentBytes,
		mediaTypes: make(map[string]bool, len(opts.MediaTypes)),
		docs:       newDocuments(),
		jobs:       make(map[string]*process.Job),
	}
	for _, mt := range opts.MediaTypes {
		o.mediaTypes[blob.NormalizeMediaType(mt)] = true
	}
	o.custody = custody.NewTracker(deps.Custody, o.blobs, o.ledger, o.docs, o.clock, o.logger)

	entries, err := o.ledger.Export(ctx, ledger.Range{})
	if err != nil {
		return nil, fmt.Errorf("restore document registry: %w", err)
	}
	if restored, quarantined := o.docs.replay(entries); restored > 0 {
		o.logger.Info("document registry restored", "documents", restored, "quarantined", quarantined)
	}

	sched, err := scheduler.New(scheduler.Config{Workers: opts.Workers, MaxPending: opts.MaxPending}, o.run, o.logger)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow configuration: %w", err)
	}
	o.sched = sched

	if deps.Publisher != nil {
		o.events = newEventPump(deps.Publisher, o.logger)
		o.ledger.Observe(o.events.observe)
	}
	return o, nil
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.sched.Start(ctx)
}

// Close stops the worker pool, fails every job that never started with
// reason shutdown, flushes lifecycle events and releases resources.
func (o *Orchestrator) Close(ctx context.Context) error {
	for _, j := range o.sched.Close(ctx) {
		o.finalize(ctx, j, "system:shutdown", schema.FailureShutdown)
	}
	if o.events != nil {
		o.events.close()
	}
	var result *multierror.Error
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) audit(ctx context.Context, actor string, kind schema.EventKind, subject, documentID string, details map[string]string) (ledger.Entry, error) {
	return o.ledger.Append(ctx, ledger.Event{
		Actor:      actor,
		Kind:       kind,
		Subject:    subject,
		DocumentID: documentID,
		Details:    details,
	})
}

func requireActor(op, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fault.Validation(op, "actor must be set")
	}
	return nil
}

// RegisterDocument stores content and records it as evidence. Registering
// bytes that are already registered returns the existing Document.
func (o *Orchestrator) RegisterDocument(ctx context.Context, actor string, content []byte, meta Metadata) (Document, error) {
	const op = "workflow.RegisterDocument"
	if err := requireActor(op, actor); err != nil {
		return Document{}, err
	}
	if len(content) == 0 {
		return Document{}, fault.Validation(op, "content is empty")
	}
	if int64(len(content)) > o.maxBytes {
		return Document{}, fault.Validation(op, "content is %d bytes, limit is %d", len(content), o.maxBytes)
	}
	mediaType := blob.NormalizeMediaType(meta.MediaType)
	if mediaType == "" {
		mediaType = blob.DetectMediaType(content)
	}
	if !o.mediaTypes[mediaType] {
		return Document{}, fault.Validation(op, "unsupported media type %q", mediaType)
	}

	hash := blob.Digest(content)
	if existing, ok := o.docs.lookupHash(hash); ok {
		return o.resubmitted(ctx, actor, existing, meta)
	}

	// Concurrent callers with the same bytes share one registration. Only
	// the caller whose function ran and created the document is recorded as
	// DocumentRegistered; every other caller is recorded as a resubmission.
	created := false
	v, err, _ := o.register.Do(hash, func() (any, error) {
		if existing, ok := o.docs.lookupHash(hash); ok {
			return existing, nil
		}
		loc, err := o.blobs.Put(ctx, content)
		if err != nil {
			return Document{}, err
		}
		doc := Document{
			ID:          o.ids.NewDocumentID(),
			Name:        meta.Name,
			ContentHash: hash,
			MediaType:   mediaType,
			Size:        int64(len(content)),
			IngestedAt:  o.clock.Now().UTC(),
			Locator:     loc,
			Status:      schema.DocumentRegistered,
		}
		if _, err := o.audit(ctx, actor, schema.EventDocumentRegistered, doc.ID, doc.ID, map[string]string{
			"name":        doc.Name,
			"hash":        doc.ContentHash,
			"media_type":  doc.MediaType,
			"size":        strconv.FormatInt(doc.Size, 10),
			"locator":     string(doc.Locator),
			"ingested_at": doc.IngestedAt.Format(time.RFC3339Nano),
		}); err != nil {
			if derr := o.blobs.Delete(context.WithoutCancel(ctx), loc); derr != nil {
				o.logger.Error("failed to remove unregistered content", "locator", loc, "err", derr)
			}
			return Document{}, err
		}
		o.docs.add(doc)
		created = true
		recordDocumentRegistered(doc.MediaType)
		o.logger.Info("document registered", "document_id", doc.ID, "media_type", doc.MediaType, "size", doc.Size, "actor", actor)
		return doc, nil
	})
	if err != nil {
		return Document{}, err
	}
	doc := v.(Document)
	if !created {
		return o.resubmitted(ctx, actor, doc, meta)
	}
	return doc, nil
}

func (o *Orchestrator) resubmitted(ctx context.Context, actor string, doc Document, meta Metadata) (Document, error) {
	if _, err := o.audit(ctx, actor, schema.EventDocumentResubmitted, doc.ID, doc.ID, map[string]string{
		"name": meta.Name,
		"hash": doc.ContentHash,
	}); err != nil {
		return Document{}, err
	}
	o.logger.Debug("document resubmitted", "document_id", doc.ID, "actor", actor)
	return doc, nil
}

// RegisterDirectory registers every regular file under dir. Files are
// registered concurrently; the result keeps lexical path order. Files that
// fail are reported together and do not stop the others.
func (o *Orchestrator) RegisterDirectory(ctx context.Context, actor, dir string) ([]Document, error) {
	const op = "workflow.RegisterDirectory"
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Validation(op, "walk %s: %v", dir, err)
	}
	if len(paths) == 0 {
		return nil, fault.Validation(op, "no files under %s", dir)
	}

	docs := make([]*Document, len(paths))
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, path := range paths {
		g.Go(func() error {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			doc, err := o.registerFile(ctx, actor, path, rel)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", rel, err))
				mu.Unlock()
				return nil
			}
			docs[i] = &doc
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, result.ErrorOrNil()
}

func (o *Orchestrator) registerFile(ctx context.Context, actor, path, name string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fault.Validation("workflow.RegisterDirectory", "open: %v", err)
	}
	defer f.Close()
	content, err := blob.ReadAllLimit(f, o.maxBytes)
	if err != nil {
		return Document{}, err
	}
	return o.RegisterDocument(ctx, actor, content, Metadata{Name: filepath.ToSlash(name)})
}

// Document returns a registered document.
func (o *Orchestrator) Document(id string) (Document, error) {
	doc, ok := o.docs.get(id)
	if !ok {
		return Document{}, fault.NotFound("workflow.Document", id)
	}
	return doc, nil
}

// Documents lists registered documents in ingestion order.
func (o *Orchestrator) Documents() []Document {
	return o.docs.list()
}

func (o *Orchestrator) analyzable(op, id string) (Document, error) {
	doc, ok := o.docs.get(id)
	if !ok {
		return Document{}, fault.NotFound(op, id)
	}
	if doc.Status == schema.DocumentQuarantined {
		return Document{}, fault.Integrity(op, id, "document is quarantined: %s", doc.QuarantineReason)
	}
	return doc, nil
}

func (o *Orchestrator) newJob(documentID, batchID string, priority int) *process.Job {
	return process.NewJob(process.Params{
		ID:         o.ids.NewJobID(),
		DocumentID: documentID,
		BatchID:    batchID,
		Priority:   priority,
		Pipeline:   o.pipeline,
		CreatedAt:  o.clock.Now().UTC(),
	})
}

func (o *Orchestrator) track(jobs ...*process.Job) {
	o.jobsMu.Lock()
	for _, j := range jobs {
		o.jobs[j.ID()] = j
	}
	o.jobsMu.Unlock()
}

func (o *Orchestrator) job(id string) (*process.Job, bool) {
	o.jobsMu.RLock()
	defer o.jobsMu.RUnlock()
	j, ok := o.jobs[id]
	return j, ok
}

func stageNames(p process.Pipeline) string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}

// StartAnalysis queues one job for a registered document. Stage failures
// never surface here; they are recorded on the job.
func (o *Orchestrator) StartAnalysis(ctx context.Context, actor, documentID string, priority int) (process.Snapshot, error) {
	const op = "workflow.StartAnalysis"
	if err := requireActor(op, actor); err != nil {
		return process.Snapshot{}, err
	}
	if _, err := o.analyzable(op, documentID); err != nil {
		return process.Snapshot{}, err
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()
	if err := o.sched.Reserve(1); err != nil {
		return process.Snapshot{}, err
	}
	j := o.newJob(documentID, "", priority)
	if _, err := o.audit(ctx, actor, schema.EventJobQueued, j.ID(), documentID, map[string]string{
		"priority": strconv.Itoa(priority),
		"stages":   stageNames(o.pipeline),
	}); err != nil {
		return process.Snapshot{}, err
	}
	o.track(j)
	snap := j.Snapshot()
	if err := o.sched.Enqueue(j); err != nil {
		o.finalize(ctx, j, actor, schema.FailureShutdown)
		return j.Snapshot(), err
	}
	o.logger.Info("analysis queued", "job_id", j.ID(), "document_id", documentID, "priority", priority, "actor", actor)
	return snap, nil
}

func (o *Orchestrator) GetStatus(_ context.Context, jobID string) (process.Snapshot, error) {
	j, ok := o.job(jobID)
	if !ok {
		return process.Snapshot{}, fault.NotFound("workflow.GetStatus", jobID)
	}
	return j.Snapshot(), nil
}

func (o *Orchestrator) GetProgress(_ context.Context, jobID string) (progress.Summary, error) {
	j, ok := o.job(jobID)
	if !ok {
		return progress.Summary{}, fault.NotFound("workflow.GetProgress", jobID)
	}
	return progress.Summarize(j.Snapshot()), nil
}

// Wait blocks until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (process.Snapshot, error) {
	j, ok := o.job(jobID)
	if !ok {
		return process.Snapshot{}, fault.NotFound("workflow.Wait", jobID)
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// GetResults returns the outputs of a terminal job and audits the access.
func (o *Orchestrator) GetResults(ctx context.Context, actor, jobID string) (Results, error) {
	const op = "workflow.GetResults"
	if err := requireActor(op, actor); err != nil {
		return Results{}, err
	}
	j, ok := o.job(jobID)
	if !ok {
		return Results{}, fault.NotFound(op, jobID)
	}
	snap := j.Snapshot()
	if !snap.Status.Terminal() {
		return Results{}, fault.NotReady(op, jobID, "job is %s", snap.Status)
	}
	if _, err := o.audit(ctx, actor, schema.EventResultsAccessed, jobID, snap.DocumentID, nil); err != nil {
		return Results{}, err
	}
	return Results{
		JobID:      snap.ID,
		DocumentID: snap.DocumentID,
		Status:     snap.Status,
		Reason:     snap.Reason,
		Stages:     snap.Stages,
		Outputs:    snap.Outputs(),
	}, nil
}

// SubmitBatch creates one job per document and enqueues them as a unit.
// Either every job is queued or none is.
func (o *Orchestrator) SubmitBatch(ctx context.Context, actor string, documentIDs []string, priority int) (scheduler.BatchSnapshot, error) {
	const op = "workflow.SubmitBatch"
	if err := requireActor(op, actor); err != nil {
		return scheduler.BatchSnapshot{}, err
	}
	if len(documentIDs) == 0 {
		return scheduler.BatchSnapshot{}, fault.Validation(op, "batch has no documents")
	}
	seen := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		if seen[id] {
			return scheduler.BatchSnapshot{}, fault.Validation(op, "document %s listed twice", id)
		}
		seen[id] = true
		if _, err := o.analyzable(op, id); err != nil {
			return scheduler.BatchSnapshot{}, err
		}
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()
	if err := o.sched.Reserve(len(documentIDs)); err != nil {
		return scheduler.BatchSnapshot{}, err
	}
	batchID := o.ids.NewBatchID()
	jobs := make([]*process.Job, len(documentIDs))
	jobIDs := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		jobs[i] = o.newJob(id, batchID, priority)
		jobIDs[i] = jobs[i].ID()
	}
	if _, err := o.audit(ctx, actor, schema.EventBatchSubmitted, batchID, "", map[string]string{
		"priority":     strconv.Itoa(priority),
		"job_ids":      strings.Join(jobIDs, ","),
		"document_ids": strings.Join(documentIDs, ","),
		"stages":       stageNames(o.pipeline),
	}); err != nil {
		return scheduler.BatchSnapshot{}, err
	}
	o.track(jobs...)
	b, err := o.sched.SubmitBatch(batchID, priority, jobs, o.clock.Now().UTC())
	if err != nil {
		for _, j := range jobs {
			o.finalize(ctx, j, actor, schema.FailureShutdown)
		}
		return scheduler.BatchSnapshot{}, err
	}
	o.logger.Info("batch queued", "batch_id", batchID, "jobs", len(jobs), "priority", priority, "actor", actor)
	return b.Snapshot(), nil
}

func (o *Orchestrator) GetBatchStatus(_ context.Context, batchID string) (scheduler.BatchSnapshot, error) {
	b, ok := o.sched.Batch(batchID)
	if !ok {
		return scheduler.BatchSnapshot{}, fault.NotFound("workflow.GetBatchStatus", batchID)
	}
	return b.Snapshot(), nil
}

// CancelBatch fails every member that has not finished with reason
// cancelled. Queued members are failed immediately; running members finish
// their current stage first. It returns once every member is terminal or
// ctx is done.
func (o *Orchestrator) CancelBatch(ctx context.Context, actor, batchID string) (scheduler.BatchSnapshot, error) {
	const op = "workflow.CancelBatch"
	if err := requireActor(op, actor); err != nil {
		return scheduler.BatchSnapshot{}, err
	}
	b, ok := o.sched.Batch(batchID)
	if !ok {
		return scheduler.BatchSnapshot{}, fault.NotFound(op, batchID)
	}
	o.cancelMu.Lock()
	snap := b.Snapshot()
	if !b.Cancelled() && snap.Counters.Queued+snap.Counters.Running > 0 {
		if _, err := o.audit(ctx, actor, schema.EventBatchCancelled, batchID, "", map[string]string{
			"queued":  strconv.Itoa(snap.Counters.Queued),
			"running": strconv.Itoa(snap.Counters.Running),
		}); err != nil {
			o.cancelMu.Unlock()
			return scheduler.BatchSnapshot{}, err
		}
	}
	_, removed, err := o.sched.CancelBatch(batchID)
	o.cancelMu.Unlock()
	if err != nil {
		return scheduler.BatchSnapshot{}, err
	}
	for _, j := range removed {
		o.finalize(ctx, j, actor, schema.FailureCancelled)
	}
	o.logger.Info("batch cancelled", "batch_id", batchID, "dequeued", len(removed), "actor", actor)
	if err := b.Wait(ctx); err != nil {
		return b.Snapshot(), err
	}
	return b.Snapshot(), nil
}

func (o *Orchestrator) knownSubject(id string) bool {
	if _, ok := o.docs.get(id); ok {
		return true
	}
	if _, ok := o.job(id); ok {
		return true
	}
	_, ok := o.sched.Batch(id)
	return ok
}

// GetAuditTrail returns the audit entries about a document, job or batch.
// The access itself is audited after the trail is read.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, actor, subjectID string) ([]ledger.Entry, error) {
	const op = "workflow.GetAuditTrail"
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if subjectID == "" {
		return nil, fault.Validation(op, "subject must be set")
	}
	entries, err := o.ledger.Trail(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && !o.knownSubject(subjectID) {
		return nil, fault.NotFound(op, subjectID)
	}
	docID := ""
	if _, ok := o.docs.get(subjectID); ok {
		docID = subjectID
	}
	if _, err := o.audit(ctx, actor, schema.EventAuditTrailAccessed, subjectID, docID, map[string]string{
		"entries": strconv.Itoa(len(entries)),
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetCustodyHistory returns every recorded access to a document's bytes.
// Records persisted by an earlier process are returned even when the
// document is not registered in this one.
func (o *Orchestrator) GetCustodyHistory(ctx context.Context, actor, documentID string) ([]custody.Record, error) {
	const op = "workflow.GetCustodyHistory"
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	records, err := o.custody.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.docs.get(documentID); !ok && len(records) == 0 {
		return nil, fault.NotFound(op, documentID)
	}
	if _, err := o.audit(ctx, actor, schema.EventCustodyAccessed, documentID, documentID, map[string]string{
		"records": strconv.Itoa(len(records)),
	}); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadDocument hands out verified bytes of a document and records the
// access. Quarantined documents are not readable.
func (o *Orchestrator) ReadDocument(ctx context.Context, actor, documentID string, kind schema.AccessKind) ([]byte, custody.Record, error) {
	const op = "workflow.ReadDocument"
	if err := requireActor(op, actor); err != nil {
		return nil, custody.Record{}, err
	}
	if _, err := o.analyzable(op, documentID); err != nil {
		return nil, custody.Record{}, err
	}
	return o.custody.Read(ctx, documentID, actor, kind)
}

// VerifyLedger recomputes the hash chain over r. A break is itself audited
// before it is returned.
func (o *Orchestrator) VerifyLedger(ctx context.Context, actor string, r ledger.Range) (ledger.Integrity, error) {
	const op = "workflow.VerifyLedger"
	if err := requireActor(op, actor); err != nil {
		return ledger.Integrity{}, err
	}
	integrity, err := o.ledger.Verify(ctx, r)
	if err != nil {
		return ledger.Integrity{}, o.ledgerBroken(ctx, actor, err)
	}
	if _, err := o.audit(ctx, actor, schema.EventLedgerVerified, "ledger", "", map[string]string{
		"from":    strconv.FormatUint(integrity.From, 10),
		"to":      strconv.FormatUint(integrity.To, 10),
		"entries": strconv.Itoa(integrity.Entries),
		"head":    integrity.HeadDigest,
	}); err != nil {
		return ledger.Integrity{}, err
	}
	return integrity, nil
}

// ledgerBroken audits a chain break reported by Verify. Other errors pass
// through unchanged.
func (o *Orchestrator) ledgerBroken(ctx context.Context, actor string, err error) error {
	v, ok := ledger.AsViolation(err)
	if !ok {
		return err
	}
	o.logger.Error("audit ledger integrity violation", "seq", v.Seq, "reason", v.Reason, "actor", actor)
	if _, aerr := o.audit(ctx, actor, schema.EventIntegrityViolation, "ledger", "", map[string]string{
		"seq":    strconv.FormatUint(v.Seq, 10),
		"reason": v.Reason,
	}); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

// Stats reports scheduler load.
func (o *Orchestrator) Stats() scheduler.Stats {
	return o.sched.Stats()
}
