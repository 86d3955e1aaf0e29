package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/internal/scheduler"
	"github.com/tendant/simple-forensics/pkg/schema"
)

const analyst = "analyst:alice"

type fakeProvider struct {
	name string
	run  func(ctx context.Context, in analysis.Input) (analysis.Output, error)
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) Supports(string) bool { return true }

func (f *fakeProvider) Run(ctx context.Context, in analysis.Input) (analysis.Output, error) {
	if f.run == nil {
		return analysis.Output{Summary: f.name + " ok"}, nil
	}
	return f.run(ctx, in)
}

func failing(name, code string) *fakeProvider {
	return &fakeProvider{name: name, run: func(context.Context, analysis.Input) (analysis.Output, error) {
		return analysis.Output{}, &analysis.StageError{Provider: name, Code: code, Err: errors.New("boom")}
	}}
}

type testConfig struct {
	opts      Options
	providers []analysis.Provider
	backend   blob.Backend
	store     ledger.Store
	publisher Publisher
	noStart   bool
}

func setup(t *testing.T, cfg testConfig) *Orchestrator {
	t.Helper()
	ctx := context.Background()

	registry := analysis.NewRegistry()
	for _, name := range []string{analysis.CapabilityMetadata, analysis.CapabilityTampering, analysis.CapabilityAuthenticity} {
		registry.Replace(&fakeProvider{name: name})
	}
	for _, p := range cfg.providers {
		registry.Replace(p)
	}
	if cfg.backend == nil {
		cfg.backend = blob.NewMemoryBackend()
	}
	if cfg.store == nil {
		cfg.store = ledger.NewMemoryStore()
	}
	l, err := ledger.Open(ctx, cfg.store, nil, nil)
	require.NoError(t, err)
	if cfg.opts.Workers == 0 {
		cfg.opts.Workers = 2
	}

	o, err := New(ctx, Dependencies{
		Blobs:     blob.NewClient(cfg.backend),
		Ledger:    l,
		Providers: registry,
		Publisher: cfg.publisher,
	}, cfg.opts)
	require.NoError(t, err)
	if !cfg.noStart {
		o.Start(ctx)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func register(t *testing.T, o *Orchestrator, shade uint8) Document {
	t.Helper()
	doc, err := o.RegisterDocument(context.Background(), analyst, pngBytes(t, shade), Metadata{Name: "scan.png"})
	require.NoError(t, err)
	return doc
}

func waitJob(t *testing.T, o *Orchestrator, jobID string) process.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := o.Wait(ctx, jobID)
	require.NoError(t, err)
	return snap
}

func kinds(entries []ledger.Entry) []schema.EventKind {
	out := make([]schema.EventKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func stageStatuses(s process.Snapshot) []schema.StageStatus {
	out := make([]schema.StageStatus, len(s.Stages))
	for i, st := range s.Stages {
		out[i] = st.Status
	}
	return out
}

func TestRegisterDocumentIsIdempotent(t *testing.T) {
	backend := blob.NewMemoryBackend()
	o := setup(t, testConfig{backend: backend})
	ctx := context.Background()
	content := pngBytes(t, 10)

	first, err := o.RegisterDocument(ctx, analyst, content, Metadata{Name: "a.png"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		again, err := o.RegisterDocument(ctx, "analyst:bob", content, Metadata{Name: "copy.png"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	assert.Equal(t, 1, backend.Len())
	assert.Len(t, o.Documents(), 1)
	assert.Equal(t, "image/png", first.MediaType)
	assert.Equal(t, blob.Digest(content), first.ContentHash)
	assert.Equal(t, schema.DocumentRegistered, first.Status)

	trail, err := o.GetAuditTrail(ctx, analyst, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.EventKind{
		schema.EventDocumentRegistered,
		schema.EventDocumentResubmitted,
		schema.EventDocumentResubmitted,
	}, kinds(trail))
}

// slowBackend holds every Put long enough for concurrent registrations of
// the same bytes to overlap.
type slowBackend struct {
	*blob.MemoryBackend
	delay time.Duration
}

func (b *slowBackend) Put(ctx context.Context, data []byte) (blob.Locator, error) {
	time.Sleep(b.delay)
	return b.MemoryBackend.Put(ctx, data)
}

func TestConcurrentRegistrationCreatesOneDocument(t *testing.T) {
	backend := &slowBackend{MemoryBackend: blob.NewMemoryBackend(), delay: 20 * time.Millisecond}
	o := setup(t, testConfig{backend: backend})
	ctx := context.Background()
	content := pngBytes(t, 20)

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := o.RegisterDocument(ctx, fmt.Sprintf("analyst:%02d", i), content, Metadata{})
			if err == nil {
				ids[i] = doc.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, backend.Len())
	assert.Len(t, o.Documents(), 1)

	// every submitter is on the trail exactly once
	trail, err := o.ledger.Trail(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, trail, 16)
	actors := make(map[string]bool)
	registered := 0
	for _, e := range trail {
		actors[e.Actor] = true
		switch e.Kind {
		case schema.EventDocumentRegistered:
			registered++
		default:
			assert.Equal(t, schema.EventDocumentResubmitted, e.Kind)
		}
	}
	assert.Equal(t, 1, registered)
	assert.Len(t, actors, 16)
}

func TestRegisterValidationHasNoSideEffects(t *testing.T) {
	backend := blob.NewMemoryBackend()
	o := setup(t, testConfig{backend: backend})
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   string
		content []byte
		meta    Metadata
	}{
		{"no actor", "", pngBytes(t, 1), Metadata{}},
		{"empty content", analyst, nil, Metadata{}},
		{"sniffed unsupported", analyst, []byte("just some text"), Metadata{}},
		{"declared unsupported", analyst, pngBytes(t, 2), Metadata{MediaType: "application/x-msdownload"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.RegisterDocument(ctx, tt.actor, tt.content, tt.meta)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}

	_, ok := o.ledger.Head()
	assert.False(t, ok, "rejected registrations must not be audited")
	assert.Equal(t, 0, backend.Len())
}

func TestDeclaredMediaTypeIsNormalized(t *testing.T) {
	o := setup(t, testConfig{})
	doc, err := o.RegisterDocument(context.Background(), analyst, pngBytes(t, 3), Metadata{MediaType: "IMAGE/PNG; charset=binary"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", doc.MediaType)
}

func TestAnalysisCompletes(t *testing.T) {
	var seen map[string]analysis.Output
	o := setup(t, testConfig{providers: []analysis.Provider{
		&fakeProvider{name: analysis.CapabilityAuthenticity, run: func(_ context.Context, in analysis.Input) (analysis.Output, error) {
			seen = in.Prior
			return analysis.Output{Verdict: "authentic"}, nil
		}},
	}})
	ctx := context.Background()
	doc := register(t, o, 30)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, schema.JobQueued, queued.Status)

	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobCompleted, snap.Status)
	assert.Empty(t, snap.Reason)
	assert.Equal(t, []schema.StageStatus{schema.StageSucceeded, schema.StageSucceeded, schema.StageSucceeded}, stageStatuses(snap))
	assert.Contains(t, seen, "metadata")
	assert.Contains(t, seen, "tampering")

	progress, err := o.GetProgress(ctx, queued.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, progress.Percent, 1e-9)

	results, err := o.GetResults(ctx, analyst, queued.ID)
	require.NoError(t, err)
	require.Len(t, results.Outputs, 3)
	assert.Equal(t, "authentic", results.Outputs["authenticity"].Verdict)
	assert.Equal(t, analysis.CapabilityMetadata, results.Outputs["metadata"].Provider)

	trail, err := o.GetAuditTrail(ctx, analyst, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.EventKind{
		schema.EventJobQueued,
		schema.EventJobStarted,
		schema.EventStageStarted, schema.EventStageCompleted,
		schema.EventStageStarted, schema.EventStageCompleted,
		schema.EventStageStarted, schema.EventStageCompleted,
		schema.EventJobFinished,
		schema.EventResultsAccessed,
	}, kinds(trail))
	for i := 1; i < len(trail); i++ {
		assert.Greater(t, trail[i].Seq, trail[i-1].Seq)
	}

	history, err := o.GetCustodyHistory(ctx, analyst, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.AccessAnalyze, history[0].Kind)
	assert.True(t, history[0].Verified)
}

func TestRequiredStageFailure(t *testing.T) {
	o := setup(t, testConfig{providers: []analysis.Provider{failing(analysis.CapabilityTampering, analysis.CodeInvalidContent)}})
	ctx := context.Background()
	doc := register(t, o, 40)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err, "stage failures never surface from StartAnalysis")

	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, schema.FailureRequiredStage, snap.Reason)
	assert.Equal(t, []schema.StageStatus{schema.StageSucceeded, schema.StageFailed, schema.StageSkipped}, stageStatuses(snap))
	assert.Equal(t, analysis.CodeInvalidContent, snap.Stages[1].ErrorCode)
	assert.Nil(t, snap.Stages[2].Output, "skipped stages have no output")

	trail, err := o.GetAuditTrail(ctx, analyst, queued.ID)
	require.NoError(t, err)
	assert.Contains(t, kinds(trail), schema.EventStageFailed)
	assert.Contains(t, kinds(trail), schema.EventStageSkipped)

	results, err := o.GetResults(ctx, analyst, queued.ID)
	require.NoError(t, err)
	assert.Len(t, results.Outputs, 1)
}

func TestOptionalStageFailureIsPartial(t *testing.T) {
	pipeline := process.DefaultPipeline()
	pipeline.Stages[1].Optional = true
	o := setup(t, testConfig{
		opts:      Options{Pipeline: pipeline},
		providers: []analysis.Provider{failing(analysis.CapabilityTampering, analysis.CodeToolUnavailable)},
	})
	doc := register(t, o, 50)

	queued, err := o.StartAnalysis(context.Background(), analyst, doc.ID, 0)
	require.NoError(t, err)
	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobPartiallyCompleted, snap.Status)
	assert.Equal(t, []schema.StageStatus{schema.StageSucceeded, schema.StageFailed, schema.StageSucceeded}, stageStatuses(snap))
}

func TestMissingInputFailsStageWithoutRunning(t *testing.T) {
	pipeline := process.DefaultPipeline()
	pipeline.Stages[1].Optional = true
	pipeline.Stages[2].Inputs = []string{"tampering"}
	called := false
	o := setup(t, testConfig{
		opts: Options{Pipeline: pipeline},
		providers: []analysis.Provider{
			failing(analysis.CapabilityTampering, analysis.CodeInvalidContent),
			&fakeProvider{name: analysis.CapabilityAuthenticity, run: func(context.Context, analysis.Input) (analysis.Output, error) {
				called = true
				return analysis.Output{}, nil
			}},
		},
	})
	doc := register(t, o, 60)

	queued, err := o.StartAnalysis(context.Background(), analyst, doc.ID, 0)
	require.NoError(t, err)
	snap := waitJob(t, o, queued.ID)
	assert.False(t, called)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, analysis.CodeDependencyFailed, snap.Stages[2].ErrorCode)
}

func TestStageTimeoutAndPanic(t *testing.T) {
	pipeline := process.DefaultPipeline()
	pipeline.Stages[0].Optional = true
	pipeline.Stages[0].Timeout = 20 * time.Millisecond
	pipeline.Stages[1].Optional = true
	o := setup(t, testConfig{
		opts: Options{Pipeline: pipeline},
		providers: []analysis.Provider{
			&fakeProvider{name: analysis.CapabilityMetadata, run: func(ctx context.Context, _ analysis.Input) (analysis.Output, error) {
				<-ctx.Done()
				return analysis.Output{}, ctx.Err()
			}},
			&fakeProvider{name: analysis.CapabilityTampering, run: func(context.Context, analysis.Input) (analysis.Output, error) {
				panic("decoder exploded")
			}},
		},
	})
	doc := register(t, o, 70)

	queued, err := o.StartAnalysis(context.Background(), analyst, doc.ID, 0)
	require.NoError(t, err)
	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobPartiallyCompleted, snap.Status)
	assert.Equal(t, analysis.CodeTimeout, snap.Stages[0].ErrorCode)
	assert.Equal(t, analysis.CodePanic, snap.Stages[1].ErrorCode)
	assert.Contains(t, snap.Stages[1].Error, "decoder exploded")
}

func TestGetResultsNotReady(t *testing.T) {
	release := make(chan struct{})
	o := setup(t, testConfig{providers: []analysis.Provider{
		&fakeProvider{name: analysis.CapabilityMetadata, run: func(context.Context, analysis.Input) (analysis.Output, error) {
			<-release
			return analysis.Output{}, nil
		}},
	}})
	ctx := context.Background()
	doc := register(t, o, 80)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	_, err = o.GetResults(ctx, analyst, queued.ID)
	assert.ErrorIs(t, err, fault.ErrNotReady)
	_, err = o.ExportReport(ctx, analyst, queued.ID)
	assert.ErrorIs(t, err, fault.ErrNotReady)

	status, err := o.GetStatus(ctx, queued.ID)
	require.NoError(t, err)
	assert.False(t, status.Status.Terminal())

	close(release)
	waitJob(t, o, queued.ID)
	_, err = o.GetResults(ctx, analyst, queued.ID)
	assert.NoError(t, err)
}

func TestUnknownIdentifiers(t *testing.T) {
	o := setup(t, testConfig{})
	ctx := context.Background()

	_, err := o.StartAnalysis(ctx, analyst, "nope", 0)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.GetResults(ctx, analyst, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.GetBatchStatus(ctx, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.CancelBatch(ctx, analyst, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.GetAuditTrail(ctx, analyst, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = o.GetCustodyHistory(ctx, analyst, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, ok := o.ledger.Head()
	assert.False(t, ok)
}

func corrupt(t *testing.T, root string, doc Document, data []byte) {
	t.Helper()
	h := strings.TrimPrefix(string(doc.Locator), "sha256:")
	path := filepath.Join(root, h[:2], h)
	if data == nil {
		require.NoError(t, os.Remove(path))
		return
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCorruptedEvidenceIsQuarantined(t *testing.T) {
	root := t.TempDir()
	backend, err := blob.NewFSBackend(root)
	require.NoError(t, err)
	o := setup(t, testConfig{backend: backend})
	ctx := context.Background()
	doc := register(t, o, 90)

	corrupt(t, root, doc, []byte("altered"))

	_, _, err = o.ReadDocument(ctx, analyst, doc.ID, schema.AccessView)
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)

	trail, err := o.ledger.Trail(ctx, doc.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, schema.EventIntegrityViolation, last.Kind)
	assert.Equal(t, analyst, last.Actor)

	current, err := o.Document(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DocumentQuarantined, current.Status)

	_, err = o.StartAnalysis(ctx, analyst, doc.ID, 0)
	assert.ErrorIs(t, err, fault.ErrIntegrityViolation)
	_, err = o.SubmitBatch(ctx, analyst, []string{doc.ID}, 0)
	assert.ErrorIs(t, err, fault.ErrIntegrityViolation)
	_, _, err = o.ReadDocument(ctx, analyst, doc.ID, schema.AccessView)
	assert.ErrorIs(t, err, fault.ErrIntegrityViolation)

	history, err := o.GetCustodyHistory(ctx, analyst, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Verified)
	assert.Equal(t, trail[len(trail)-1].Seq, history[0].AuditSeq)
}

func TestJobFailsOnCorruptionBeforeStart(t *testing.T) {
	root := t.TempDir()
	backend, err := blob.NewFSBackend(root)
	require.NoError(t, err)
	o := setup(t, testConfig{backend: backend, noStart: true})
	ctx := context.Background()
	doc := register(t, o, 100)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	corrupt(t, root, doc, nil)
	o.Start(ctx)

	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, schema.FailureIntegrity, snap.Reason)
	assert.Equal(t, []schema.StageStatus{schema.StageSkipped, schema.StageSkipped, schema.StageSkipped}, stageStatuses(snap))

	current, err := o.Document(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DocumentQuarantined, current.Status)
}

func TestJobFailsWhenQuarantinedWhileQueued(t *testing.T) {
	o := setup(t, testConfig{noStart: true})
	ctx := context.Background()
	doc := register(t, o, 105)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	require.NoError(t, o.docs.Quarantine(ctx, doc.ID, "content hash mismatch (audit seq 9)"))
	o.Start(ctx)

	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, schema.FailureIntegrity, snap.Reason)

	trail, err := o.ledger.Trail(ctx, queued.ID)
	require.NoError(t, err)
	assert.NotContains(t, kinds(trail), schema.EventJobStarted)

	history, err := o.GetCustodyHistory(ctx, analyst, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "quarantined bytes are not read")
}

func TestBatchRunsToCompletion(t *testing.T) {
	o := setup(t, testConfig{providers: []analysis.Provider{
		&fakeProvider{name: analysis.CapabilityTampering, run: func(context.Context, analysis.Input) (analysis.Output, error) {
			time.Sleep(2 * time.Millisecond)
			return analysis.Output{}, nil
		}},
	}})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, register(t, o, uint8(110+i)).ID)
	}
	submitted, err := o.SubmitBatch(ctx, analyst, ids, 3)
	require.NoError(t, err)
	require.Len(t, submitted.Jobs, 5)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.LessOrEqual(t, o.Stats().Running, 2)
		s, err := o.GetBatchStatus(ctx, submitted.ID)
		require.NoError(t, err)
		c := s.Counters
		require.Equal(t, c.Total, c.Queued+c.Running+c.Succeeded+c.Failed)
		if s.Status.Terminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "batch did not finish")
		time.Sleep(time.Millisecond)
	}

	final, err := o.GetBatchStatus(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobCompleted, final.Status)
	assert.Equal(t, 5, final.Counters.Succeeded)
	assert.InDelta(t, 100, final.Progress, 1e-9)

	trail, err := o.GetAuditTrail(ctx, analyst, submitted.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, schema.EventBatchSubmitted, trail[0].Kind)
	assert.Equal(t, strings.Join(ids, ","), trail[0].Details["document_ids"])
}

func TestSubmitBatchValidation(t *testing.T) {
	o := setup(t, testConfig{})
	ctx := context.Background()
	doc := register(t, o, 120)
	head, _ := o.ledger.Head()

	_, err := o.SubmitBatch(ctx, analyst, nil, 0)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = o.SubmitBatch(ctx, analyst, []string{doc.ID, doc.ID}, 0)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = o.SubmitBatch(ctx, analyst, []string{doc.ID, "missing"}, 0)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	after, _ := o.ledger.Head()
	assert.Equal(t, head.Seq, after.Seq)
	assert.Equal(t, 0, o.Stats().Queued)
}

func TestCapacityExceeded(t *testing.T) {
	o := setup(t, testConfig{opts: Options{Workers: 1, MaxPending: 2}, noStart: true})
	ctx := context.Background()
	a, b, c := register(t, o, 130), register(t, o, 131), register(t, o, 132)

	_, err := o.StartAnalysis(ctx, analyst, a.ID, 0)
	require.NoError(t, err)
	_, err = o.StartAnalysis(ctx, analyst, b.ID, 0)
	require.NoError(t, err)
	head, _ := o.ledger.Head()

	_, err = o.StartAnalysis(ctx, analyst, c.ID, 0)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)
	_, err = o.SubmitBatch(ctx, analyst, []string{c.ID}, 0)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)

	after, _ := o.ledger.Head()
	assert.Equal(t, head.Seq, after.Seq, "rejected submissions are not audited")
}

func TestCancelBatchMidRun(t *testing.T) {
	inStage := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	o := setup(t, testConfig{
		opts: Options{Workers: 1},
		providers: []analysis.Provider{
			&fakeProvider{name: analysis.CapabilityMetadata, run: func(context.Context, analysis.Input) (analysis.Output, error) {
				once.Do(func() {
					close(inStage)
					<-release
				})
				return analysis.Output{}, nil
			}},
		},
	})
	ctx := context.Background()
	ids := []string{register(t, o, 140).ID, register(t, o, 141).ID, register(t, o, 142).ID}

	submitted, err := o.SubmitBatch(ctx, analyst, ids, 0)
	require.NoError(t, err)
	<-inStage

	type cancelResult struct {
		snap scheduler.BatchSnapshot
		err  error
	}
	done := make(chan cancelResult, 1)
	go func() {
		snap, err := o.CancelBatch(ctx, analyst, submitted.ID)
		done <- cancelResult{snap, err}
	}()
	require.Eventually(t, func() bool {
		s, err := o.GetBatchStatus(ctx, submitted.ID)
		return err == nil && s.Cancelled && s.Counters.Queued == 0
	}, 5*time.Second, time.Millisecond)
	close(release)

	var res cancelResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return")
	}
	require.NoError(t, res.err)

	snap := res.snap
	assert.True(t, snap.Status.Terminal())
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, 3, snap.Counters.Failed)
	for _, j := range snap.Jobs {
		assert.True(t, j.Status.Terminal())
		assert.Equal(t, schema.FailureCancelled, j.Reason)
	}
	first := snap.Jobs[0]
	assert.Equal(t, []schema.StageStatus{schema.StageSucceeded, schema.StageSkipped, schema.StageSkipped}, stageStatuses(first))
	assert.Equal(t, []schema.StageStatus{schema.StageSkipped, schema.StageSkipped, schema.StageSkipped}, stageStatuses(snap.Jobs[1]))

	trail, err := o.ledger.Trail(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.EventKind{schema.EventBatchSubmitted, schema.EventBatchCancelled}, kinds(trail))

	again, err := o.CancelBatch(ctx, analyst, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Counters, again.Counters)
	trail, err = o.ledger.Trail(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2, "cancelling a finished batch is not audited again")
}

func TestCancelDuringLastStage(t *testing.T) {
	inStage := make(chan struct{})
	release := make(chan struct{})
	o := setup(t, testConfig{
		opts: Options{Workers: 1},
		providers: []analysis.Provider{
			&fakeProvider{name: analysis.CapabilityAuthenticity, run: func(context.Context, analysis.Input) (analysis.Output, error) {
				close(inStage)
				<-release
				return analysis.Output{Summary: "authentic"}, nil
			}},
		},
	})
	ctx := context.Background()
	doc := register(t, o, 145)

	submitted, err := o.SubmitBatch(ctx, analyst, []string{doc.ID}, 0)
	require.NoError(t, err)
	<-inStage

	done := make(chan scheduler.BatchSnapshot, 1)
	go func() {
		snap, err := o.CancelBatch(ctx, analyst, submitted.ID)
		assert.NoError(t, err)
		done <- snap
	}()
	require.Eventually(t, func() bool {
		s, err := o.GetBatchStatus(ctx, submitted.ID)
		return err == nil && s.Cancelled
	}, 5*time.Second, time.Millisecond)
	close(release)

	var snap scheduler.BatchSnapshot
	select {
	case snap = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return")
	}
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, 1, snap.Counters.Failed)
	assert.Equal(t, 0, snap.Counters.Succeeded)

	job := waitJob(t, o, submitted.Jobs[0].ID)
	assert.Equal(t, schema.JobFailed, job.Status)
	assert.Equal(t, schema.FailureCancelled, job.Reason)

	trail, err := o.ledger.Trail(ctx, job.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, schema.EventJobFinished, last.Kind)
	assert.Equal(t, string(schema.JobFailed), last.Details["status"])
	assert.Equal(t, string(schema.FailureCancelled), last.Details["reason"])
}

func TestConcurrentCancelBatchAuditsOnce(t *testing.T) {
	o := setup(t, testConfig{noStart: true})
	ctx := context.Background()
	ids := []string{register(t, o, 146).ID, register(t, o, 147).ID}
	submitted, err := o.SubmitBatch(ctx, analyst, ids, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.CancelBatch(ctx, fmt.Sprintf("analyst:%d", i), submitted.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	trail, err := o.ledger.Trail(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.EventKind{schema.EventBatchSubmitted, schema.EventBatchCancelled}, kinds(trail))

	final, err := o.GetBatchStatus(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Counters.Failed)
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	o := setup(t, testConfig{noStart: true})
	ctx := context.Background()
	doc := register(t, o, 150)

	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	require.NoError(t, o.Close(ctx))

	snap, err := o.GetStatus(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, schema.FailureShutdown, snap.Reason)

	_, err = o.StartAnalysis(ctx, analyst, doc.ID, 0)
	assert.ErrorIs(t, err, fault.ErrNotReady)
}

type failingStore struct {
	*ledger.MemoryStore
	failOn schema.EventKind
}

func (s *failingStore) Append(ctx context.Context, e ledger.Entry) error {
	if e.Kind == s.failOn {
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, e)
}

func TestAuditFailureBlocksRegistration(t *testing.T) {
	backend := blob.NewMemoryBackend()
	o := setup(t, testConfig{
		backend: backend,
		store:   &failingStore{MemoryStore: ledger.NewMemoryStore(), failOn: schema.EventDocumentRegistered},
	})
	_, err := o.RegisterDocument(context.Background(), analyst, pngBytes(t, 160), Metadata{})
	assert.ErrorIs(t, err, fault.ErrStorageUnavailable)
	assert.Empty(t, o.Documents())
	assert.Equal(t, 0, backend.Len(), "stored bytes are removed when registration cannot be audited")
}

func TestAuditFailureFailsJob(t *testing.T) {
	o := setup(t, testConfig{
		store: &failingStore{MemoryStore: ledger.NewMemoryStore(), failOn: schema.EventStageStarted},
	})
	doc := register(t, o, 170)

	queued, err := o.StartAnalysis(context.Background(), analyst, doc.ID, 0)
	require.NoError(t, err)
	snap := waitJob(t, o, queued.ID)
	assert.Equal(t, schema.JobFailed, snap.Status)
	assert.Equal(t, schema.FailureAuditUnavailable, snap.Reason)
	for _, st := range snap.Stages {
		assert.NotEqual(t, schema.StageSucceeded, st.Status)
	}
}

// tamperStore hands out a modified copy of one stored entry, the way an
// edited database row would read back.
type tamperStore struct {
	*ledger.MemoryStore
	mu  sync.Mutex
	seq uint64
}

func (s *tamperStore) tamper(seq uint64) {
	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
}

func (s *tamperStore) Range(ctx context.Context, from, to uint64) ([]ledger.Entry, error) {
	entries, err := s.MemoryStore.Range(ctx, from, to)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		if entries[i].Seq == s.seq {
			entries[i].Actor = "analyst:mallory"
		}
	}
	return entries, err
}

func TestVerifyLedger(t *testing.T) {
	store := &tamperStore{MemoryStore: ledger.NewMemoryStore()}
	o := setup(t, testConfig{store: store})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		register(t, o, uint8(180+i))
	}

	integrity, err := o.VerifyLedger(ctx, analyst, ledger.Range{})
	require.NoError(t, err)
	assert.Equal(t, 3, integrity.Entries)
	head, _ := o.ledger.Head()
	assert.Equal(t, schema.EventLedgerVerified, head.Kind)

	store.tamper(2)
	_, err = o.VerifyLedger(ctx, analyst, ledger.Range{})
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)
	v, ok := ledger.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.Seq)

	trail, err := o.ledger.Trail(ctx, "ledger")
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, schema.EventIntegrityViolation, last.Kind)
	assert.Equal(t, "2", last.Details["seq"])
}

func TestVerifyLedgerRejectsBadRange(t *testing.T) {
	o := setup(t, testConfig{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		register(t, o, uint8(185+i))
	}
	before, _ := o.ledger.Head()

	for _, r := range []ledger.Range{{From: 10}, {From: 3, To: 2}} {
		_, err := o.VerifyLedger(ctx, analyst, r)
		require.ErrorIs(t, err, fault.ErrValidation, "%+v", r)
		assert.NotErrorIs(t, err, fault.ErrIntegrityViolation)
	}

	after, _ := o.ledger.Head()
	assert.Equal(t, before.Seq, after.Seq, "a rejected range is not audited")

	integrity, err := o.VerifyLedger(ctx, analyst, ledger.Range{From: 4})
	require.NoError(t, err)
	assert.Equal(t, 0, integrity.Entries)
}

func TestExportReportRequiresActor(t *testing.T) {
	o := setup(t, testConfig{})
	ctx := context.Background()
	doc := register(t, o, 189)
	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	waitJob(t, o, queued.ID)
	before, _ := o.ledger.Head()

	_, err = o.ExportReport(ctx, "  ", queued.ID)
	assert.ErrorIs(t, err, fault.ErrValidation)
	after, _ := o.ledger.Head()
	assert.Equal(t, before.Seq, after.Seq)
}

func TestRegistryIsRestoredFromLedger(t *testing.T) {
	root := t.TempDir()
	backend, err := blob.NewFSBackend(root)
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	first := setup(t, testConfig{backend: backend, store: store})
	kept := register(t, first, 195)
	damaged := register(t, first, 196)
	corrupt(t, root, damaged, []byte("altered"))
	_, _, err = first.ReadDocument(ctx, analyst, damaged.ID, schema.AccessView)
	require.ErrorIs(t, err, fault.ErrIntegrityViolation)

	second := setup(t, testConfig{backend: backend, store: store})
	require.Len(t, second.Documents(), 2)

	got, err := second.Document(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, kept.Name, got.Name)
	assert.Equal(t, kept.ContentHash, got.ContentHash)
	assert.Equal(t, kept.MediaType, got.MediaType)
	assert.Equal(t, kept.Size, got.Size)
	assert.Equal(t, kept.Locator, got.Locator)
	assert.True(t, kept.IngestedAt.Equal(got.IngestedAt))
	assert.Equal(t, schema.DocumentRegistered, got.Status)

	quarantined, err := second.Document(damaged.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DocumentQuarantined, quarantined.Status)
	assert.Contains(t, quarantined.QuarantineReason, "content hash mismatch")
	_, err = second.StartAnalysis(ctx, analyst, damaged.ID, 0)
	assert.ErrorIs(t, err, fault.ErrIntegrityViolation)

	again, err := second.RegisterDocument(ctx, "analyst:bob", pngBytes(t, 195), Metadata{Name: "copy.png"})
	require.NoError(t, err)
	assert.Equal(t, kept.ID, again.ID)

	queued, err := second.StartAnalysis(ctx, analyst, kept.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.JobCompleted, waitJob(t, second, queued.ID).Status)
}

func TestExportReport(t *testing.T) {
	o := setup(t, testConfig{})
	ctx := context.Background()
	doc := register(t, o, 190)
	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	waitJob(t, o, queued.ID)

	report, err := o.ExportReport(ctx, "analyst:carol", queued.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, report.Document.ID)
	assert.Equal(t, schema.JobCompleted, report.Job.Status)
	assert.Len(t, report.Outputs, 3)

	require.NotEmpty(t, report.AuditTrail)
	assert.Equal(t, schema.EventDocumentRegistered, report.AuditTrail[0].Kind)
	assert.Equal(t, schema.EventReportExported, report.AuditTrail[len(report.AuditTrail)-1].Kind)

	require.Len(t, report.Custody, 2)
	assert.Equal(t, schema.AccessAnalyze, report.Custody[0].Kind)
	assert.Equal(t, schema.AccessExport, report.Custody[1].Kind)
	assert.Equal(t, "analyst:carol", report.Custody[1].Actor)

	head, _ := o.ledger.Head()
	assert.Equal(t, head.Seq, report.Integrity.To)
	assert.Equal(t, head.Digest, report.Integrity.HeadDigest)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []schema.LifecycleEvent
}

func (p *recordingPublisher) Publish(ev schema.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestLifecycleEventsArePublishedInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	o := setup(t, testConfig{publisher: pub})
	ctx := context.Background()
	doc := register(t, o, 200)
	queued, err := o.StartAnalysis(ctx, analyst, doc.ID, 0)
	require.NoError(t, err)
	waitJob(t, o, queued.ID)
	require.NoError(t, o.Close(ctx))

	head, _ := o.ledger.Head()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, int(head.Seq))
	for i, ev := range pub.events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, schema.EventDocumentRegistered, pub.events[0].Kind)
	assert.Equal(t, head.Digest, pub.events[len(pub.events)-1].Digest)
}

func TestRegisterDirectory(t *testing.T) {
	o := setup(t, testConfig{})
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), pngBytes(t, 210), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.png"), pngBytes(t, 211), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not evidence"), 0o644))

	docs, err := o.RegisterDirectory(context.Background(), analyst, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Contains(t, err.Error(), "notes.txt")

	require.Len(t, docs, 2)
	assert.Equal(t, "b.png", docs[0].Name)
	assert.Equal(t, "sub/a.png", docs[1].Name)

	_, err = o.RegisterDirectory(context.Background(), analyst, t.TempDir())
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestNewRejectsUnboundProvider(t *testing.T) {
	pipeline := process.Pipeline{Stages: []process.StageSpec{{Name: "ocr", Provider: "ocr", Weight: 1}}}
	_, err := New(context.Background(), Dependencies{Providers: analysis.NewRegistry()}, Options{Pipeline: pipeline})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "ocr" is not registered`)
}
