package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/workflow"
	"github.com/tendant/simple-forensics/pkg/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept analysis requests over NATS and publish lifecycle events",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.NATS.IntakeRoot, 0o750); err != nil {
		_ = a.orch.Close(context.Background())
		return fmt.Errorf("create intake root: %w", err)
	}
	a.orch.Start(ctx)
	logger := a.logger
	logger.Info("worker starting",
		"nats_url", a.cfg.NATS.URL,
		"intake_subject", a.cfg.NATS.IntakeSubject,
		"queue", a.cfg.NATS.IntakeQueue,
		"event_subject", a.cfg.NATS.EventSubject,
		"intake_root", a.cfg.NATS.IntakeRoot,
		"workers", a.cfg.Workers)

	sub, err := a.nc.QueueSubscribeJSON(a.cfg.NATS.IntakeSubject, a.cfg.NATS.IntakeQueue, 30*time.Second,
		func(reqCtx context.Context, data []byte) any {
			return handleRequest(reqCtx, a.orch, a.cfg.MaxDocumentBytes, a.cfg.NATS.IntakeRoot, data)
		})
	if err != nil {
		_ = a.orch.Close(context.Background())
		return err
	}
	logger.Info("listening for analysis requests", "subject", a.cfg.NATS.IntakeSubject, "queue", a.cfg.NATS.IntakeQueue)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = sub.Unsubscribe()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.orch.Close(closeCtx)
}

// handleRequest registers the file named by one intake message and queues
// its analysis. The file must lie under intakeRoot. Failures are reported in
// the reply, not returned.
func handleRequest(ctx context.Context, orch *workflow.Orchestrator, limit int64, intakeRoot string, data []byte) schema.AnalysisAccepted {
	var req schema.AnalysisRequest
	reply := func(docID, jobID string, err error) schema.AnalysisAccepted {
		out := schema.AnalysisAccepted{
			RequestID:  req.ID,
			DocumentID: docID,
			JobID:      jobID,
			HappenedAt: time.Now().Unix(),
		}
		if err != nil {
			out.Error = err.Error()
			out.ErrorKind = string(fault.KindOf(err))
		}
		return out
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return reply("", "", fault.Validation("serve", "decode request: %v", err))
	}
	logger := slog.Default().With("request_id", req.ID, "path", req.Path)
	requester := req.Actor
	if requester == "" {
		requester = actor
	}

	content, err := readIntake(intakeRoot, req.Path, limit)
	if err != nil {
		logger.Warn("intake file rejected", "error", err)
		return reply("", "", err)
	}
	name := req.Name
	if name == "" {
		name = req.Path
	}
	doc, err := orch.RegisterDocument(ctx, requester, content, workflow.Metadata{Name: name, MediaType: req.MediaType})
	if err != nil {
		logger.Warn("registration failed", "error", err)
		return reply("", "", err)
	}
	snap, err := orch.StartAnalysis(ctx, requester, doc.ID, req.Priority)
	if err != nil {
		logger.Warn("analysis not queued", "document_id", doc.ID, "error", err)
		return reply(doc.ID, "", err)
	}
	logger.Info("analysis queued", "document_id", doc.ID, "job_id", snap.ID)
	return reply(doc.ID, snap.ID, nil)
}

// readIntake reads path through an os.Root opened on intakeRoot, so neither
// ".." nor a symlink can reach a file outside it.
func readIntake(intakeRoot, path string, limit int64) ([]byte, error) {
	const op = "serve"
	if path == "" {
		return nil, fault.Validation(op, "path must be set")
	}
	base, err := filepath.Abs(intakeRoot)
	if err != nil {
		return nil, fault.Validation(op, "intake root %s: %v", intakeRoot, err)
	}
	rel := path
	if filepath.IsAbs(path) {
		if rel, err = filepath.Rel(base, filepath.Clean(path)); err != nil {
			return nil, fault.Validation(op, "%s is outside the intake root", path)
		}
	}
	if !filepath.IsLocal(rel) {
		return nil, fault.Validation(op, "%s is outside the intake root", path)
	}
	root, err := os.OpenRoot(base)
	if err != nil {
		return nil, fault.Validation(op, "open intake root: %v", err)
	}
	defer root.Close()
	f, err := root.Open(rel)
	if err != nil {
		return nil, fault.Validation(op, "open %s: %v", path, err)
	}
	defer f.Close()
	return blob.ReadAllLimit(f, limit)
}
