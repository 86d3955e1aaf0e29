package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/workflow"
)

var (
	analyzePriority  int
	analyzeReportDir string
	analyzeTimeout   time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file-or-directory>",
	Short: "Register evidence and run the analysis pipeline on it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzePriority, "priority", 0, "scheduling priority, higher runs first")
	analyzeCmd.Flags().StringVar(&analyzeReportDir, "report", "", "directory to write one JSON report per job")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 30*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), analyzeTimeout)
	defer cancel()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	a.orch.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.orch.Close(closeCtx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	jobIDs, err := submit(ctx, a, args[0])
	if err != nil {
		return err
	}

	results := make([]workflow.Results, 0, len(jobIDs))
	for _, id := range jobIDs {
		if _, err := a.orch.Wait(ctx, id); err != nil {
			return fmt.Errorf("wait for job %s: %w", id, err)
		}
		res, err := a.orch.GetResults(ctx, actor, id)
		if err != nil {
			return err
		}
		results = append(results, res)
		if analyzeReportDir != "" {
			if err := writeReport(ctx, a, id); err != nil {
				return err
			}
		}
	}
	return printJSON(results)
}

// submit registers path and queues analysis. A directory becomes one batch.
func submit(ctx context.Context, a *app, path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		content, err := blob.ReadAllLimit(f, a.cfg.MaxDocumentBytes)
		f.Close()
		if err != nil {
			return nil, err
		}
		doc, err := a.orch.RegisterDocument(ctx, actor, content, workflow.Metadata{Name: filepath.Base(path)})
		if err != nil {
			return nil, err
		}
		snap, err := a.orch.StartAnalysis(ctx, actor, doc.ID, analyzePriority)
		if err != nil {
			return nil, err
		}
		a.logger.Info("analysis queued", "document_id", doc.ID, "job_id", snap.ID)
		return []string{snap.ID}, nil
	}

	docs, err := a.orch.RegisterDirectory(ctx, actor, path)
	if err != nil {
		if len(docs) == 0 {
			return nil, err
		}
		a.logger.Warn("some files were not registered", "error", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	batch, err := a.orch.SubmitBatch(ctx, actor, dedupe(ids), analyzePriority)
	if err != nil {
		return nil, err
	}
	a.logger.Info("batch queued", "batch_id", batch.ID, "jobs", len(batch.Jobs))
	jobIDs := make([]string, len(batch.Jobs))
	for i, j := range batch.Jobs {
		jobIDs[i] = j.ID
	}
	return jobIDs, nil
}

// dedupe drops repeated ids; identical files in a directory register once.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func writeReport(ctx context.Context, a *app, jobID string) error {
	report, err := a.orch.ExportReport(ctx, actor, jobID)
	if err != nil {
		return fmt.Errorf("export report for %s: %w", jobID, err)
	}
	if err := os.MkdirAll(analyzeReportDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	out := filepath.Join(analyzeReportDir, jobID+".json")
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return err
	}
	a.logger.Info("report written", "job_id", jobID, "path", out)
	return nil
}
