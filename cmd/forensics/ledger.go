package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-forensics/internal/ledger"
)

var verifyFrom, verifyTo uint64

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit ledger hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			integrity, err := a.orch.VerifyLedger(ctx, actor, ledger.Range{From: verifyFrom, To: verifyTo})
			if err != nil {
				return err
			}
			return printJSON(integrity)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <subject-id>",
	Short: "Print the audit trail of a document, job or batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			trail, err := a.orch.GetAuditTrail(ctx, actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(trail)
		})
	},
}

var custodyCmd = &cobra.Command{
	Use:   "custody <document-id>",
	Short: "Print the chain of custody of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			records, err := a.orch.GetCustodyHistory(ctx, actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(records)
		})
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence number to check (0 for the start)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last sequence number to check (0 for the head)")
	rootCmd.AddCommand(verifyCmd, auditCmd, custodyCmd)
}

// withApp runs fn against an orchestrator that schedules no work.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.orch.Close(closeCtx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()
	return fn(ctx, a)
}
