package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/idgen"
	"github.com/tendant/simple-forensics/internal/process"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// run drives one job to a terminal state on a scheduler worker. Every
// transition is audited before it is applied; when the ledger cannot take an
// entry the job fails with reason audit_unavailable.
func (o *Orchestrator) run(ctx context.Context, worker int, j *process.Job) {
	actor := idgen.WorkerActor(worker)
	logger := o.logger.With("job_id", j.ID(), "document_id", j.DocumentID(), "worker", worker)

	if j.CancelRequested() {
		o.finalize(ctx, j, actor, schema.FailureCancelled)
		return
	}
	doc, ok := o.docs.get(j.DocumentID())
	if !ok {
		o.finalize(ctx, j, actor, schema.FailureStorage)
		return
	}
	// quarantined after the job was queued
	if doc.Status == schema.DocumentQuarantined {
		logger.Warn("document quarantined before analysis", "reason", doc.QuarantineReason)
		o.finalize(ctx, j, actor, schema.FailureIntegrity)
		return
	}

	if _, err := o.audit(ctx, actor, schema.EventJobStarted, j.ID(), doc.ID, map[string]string{
		"worker": actor,
	}); err != nil {
		o.abort(j, err, logger)
		return
	}
	if err := j.Start(o.clock.Now().UTC()); err != nil {
		logger.Error("job start rejected", "err", err)
		return
	}
	logger.Info("analysis started")

	content, _, err := o.custody.Read(ctx, doc.ID, actor, schema.AccessAnalyze)
	if err != nil {
		reason := schema.FailureStorage
		if fault.Is(err, fault.KindIntegrityViolation) {
			reason = schema.FailureIntegrity
		}
		logger.Error("evidence read failed", "err", err, "reason", reason)
		o.finalize(ctx, j, actor, reason)
		return
	}
	in := analysis.Input{Document: doc.analysisDocument(), Content: content}

	for i, spec := range j.Stages() {
		if j.CancelRequested() {
			o.finalize(ctx, j, actor, schema.FailureCancelled)
			return
		}
		if ctx.Err() != nil {
			o.finalize(ctx, j, actor, schema.FailureShutdown)
			return
		}

		if _, err := o.audit(ctx, actor, schema.EventStageStarted, j.ID(), doc.ID, map[string]string{
			"stage":    spec.Name,
			"provider": spec.Provider,
		}); err != nil {
			o.abort(j, err, logger)
			return
		}
		if err := j.BeginStage(i, o.clock.Now().UTC()); err != nil {
			logger.Error("stage start rejected", "stage", spec.Name, "err", err)
			o.abort(j, err, logger)
			return
		}

		started := time.Now()
		prior, serr := stageInputs(j.Snapshot(), spec)
		var out analysis.Output
		if serr == nil {
			in.Prior = prior
			out, serr = o.runStage(ctx, spec, in)
		}
		recordStageDuration(spec.Name, spec.Provider, time.Since(started).Seconds(), serr == nil)

		if serr == nil {
			details := map[string]string{
				"stage":    spec.Name,
				"provider": out.Provider,
				"findings": fmt.Sprint(len(out.Findings)),
			}
			if out.Verdict != "" {
				details["verdict"] = out.Verdict
			}
			if _, err := o.audit(ctx, actor, schema.EventStageCompleted, j.ID(), doc.ID, details); err != nil {
				o.abort(j, err, logger)
				return
			}
			_ = j.CompleteStage(i, out, o.clock.Now().UTC())
			logger.Info("stage succeeded", "stage", spec.Name, "provider", out.Provider, "findings", len(out.Findings))
			continue
		}

		if _, err := o.audit(ctx, actor, schema.EventStageFailed, j.ID(), doc.ID, map[string]string{
			"stage":    spec.Name,
			"provider": spec.Provider,
			"code":     serr.Code,
			"error":    serr.Error(),
			"optional": fmt.Sprint(spec.Optional),
		}); err != nil {
			o.abort(j, err, logger)
			return
		}
		_ = j.FailStage(i, serr.Code, serr, o.clock.Now().UTC())
		if !spec.Optional {
			logger.Warn("required stage failed", "stage", spec.Name, "code", serr.Code, "err", serr.Err)
			o.finalize(ctx, j, actor, "")
			return
		}
		logger.Warn("optional stage failed", "stage", spec.Name, "code", serr.Code, "err", serr.Err)
	}
	// a cancel that arrived during the last stage still wins
	if j.CancelRequested() {
		o.finalize(ctx, j, actor, schema.FailureCancelled)
		return
	}
	o.finalize(ctx, j, actor, "")
}

// stageInputs selects the earlier outputs a stage may see. A stage that
// names an input stage which did not succeed fails without running.
func stageInputs(s process.Snapshot, spec process.StageSpec) (map[string]analysis.Output, *analysis.StageError) {
	outputs := s.Outputs()
	if spec.Inputs == nil {
		return outputs, nil
	}
	prior := make(map[string]analysis.Output, len(spec.Inputs))
	for _, name := range spec.Inputs {
		out, ok := outputs[name]
		if !ok {
			return nil, &analysis.StageError{
				Provider: spec.Provider,
				Code:     analysis.CodeDependencyFailed,
				Err:      fmt.Errorf("input stage %q did not succeed", name),
			}
		}
		prior[name] = out
	}
	return prior, nil
}

type stageResult struct {
	out analysis.Output
	err error
}

// runStage invokes the bound provider with the stage timeout. A provider
// panic is recovered and reported as a stage failure. A provider that
// ignores its context is abandoned when the deadline passes.
func (o *Orchestrator) runStage(ctx context.Context, spec process.StageSpec, in analysis.Input) (analysis.Output, *analysis.StageError) {
	p, ok := o.providers.Lookup(spec.Provider)
	if !ok {
		return analysis.Output{}, &analysis.StageError{
			Provider: spec.Provider,
			Code:     analysis.CodeProviderError,
			Err:      fmt.Errorf("provider %q is not registered", spec.Provider),
		}
	}
	if !p.Supports(in.Document.MediaType) {
		return analysis.Output{}, &analysis.StageError{
			Provider: p.Name(),
			Code:     analysis.CodeUnsupportedMedia,
			Err:      fmt.Errorf("media type %q not supported", in.Document.MediaType),
		}
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageResult{err: &analysis.StageError{
					Provider: p.Name(),
					Code:     analysis.CodePanic,
					Err:      fmt.Errorf("provider panicked: %v", r),
				}}
			}
		}()
		out, err := p.Run(ctx, in)
		done <- stageResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return analysis.Output{}, analysis.AsStageError(p.Name(), r.err)
		}
		if r.out.Provider == "" {
			r.out.Provider = p.Name()
		}
		return r.out, nil
	case <-ctx.Done():
		return analysis.Output{}, analysis.AsStageError(p.Name(), ctx.Err())
	}
}

// finalize skips every pending stage and moves the job to its terminal
// state. An empty reason derives the outcome from stage results. It runs
// on a context that survives the caller's cancellation so shutdown and
// cancellation are still audited.
func (o *Orchestrator) finalize(ctx context.Context, j *process.Job, actor string, reason schema.FailureReason) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With("job_id", j.ID(), "document_id", j.DocumentID())

	snap := j.Snapshot()
	for _, st := range snap.Stages {
		if st.Status != schema.StagePending {
			continue
		}
		details := map[string]string{"stage": st.Name, "provider": st.Provider}
		if reason != "" {
			details["reason"] = string(reason)
		}
		if _, err := o.audit(ctx, actor, schema.EventStageSkipped, j.ID(), j.DocumentID(), details); err != nil {
			o.abort(j, err, logger)
			return
		}
	}
	if _, err := j.SkipRemaining(o.clock.Now().UTC()); err != nil {
		logger.Error("skip stages rejected", "err", err)
		return
	}

	status := process.DeriveStatus(j.Snapshot().Stages)
	final := reason
	if final != "" {
		status = schema.JobFailed
	} else if status == schema.JobFailed {
		final = schema.FailureRequiredStage
	}
	details := map[string]string{"status": string(status)}
	if final != "" {
		details["reason"] = string(final)
	}
	if _, err := o.audit(ctx, actor, schema.EventJobFinished, j.ID(), j.DocumentID(), details); err != nil {
		o.abort(j, err, logger)
		return
	}
	status, err := j.Finish(reason, o.clock.Now().UTC())
	if err != nil {
		logger.Error("job finish rejected", "err", err)
		return
	}
	recordJobFinished(status, final)
	logger.Info("analysis finished", "status", status, "reason", final)
}

// abort fails a job whose transition could not be audited. Nothing more is
// written to the ledger for it.
func (o *Orchestrator) abort(j *process.Job, cause error, logger *slog.Logger) {
	now := o.clock.Now().UTC()
	for i, st := range j.Snapshot().Stages {
		if st.Status == schema.StageRunning {
			_ = j.FailStage(i, string(schema.FailureAuditUnavailable), cause, now)
		}
	}
	if _, err := j.SkipRemaining(now); err != nil {
		return
	}
	if _, err := j.Finish(schema.FailureAuditUnavailable, now); err != nil {
		return
	}
	recordJobFinished(schema.JobFailed, schema.FailureAuditUnavailable)
	logger.Error("analysis aborted: audit unavailable", "err", cause)
}
