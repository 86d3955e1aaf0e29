// cmd/forensics is the command-line front end of the analysis engine.
//
// Usage:
//
//	forensics analyze evidence/ --report report.json
//	forensics inspect scan.jpg
//	forensics verify
//	forensics audit <document-or-job-id>
//	forensics custody <document-id>
//	forensics serve
package main

import (
	"encoding/json"
	"os"
	"os/user"

	"github.com/spf13/cobra"
)

var (
	configPath string
	actor      string
)

var rootCmd = &cobra.Command{
	Use:          "forensics",
	Short:        "Analyze documents for tampering with an auditable chain of custody",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./forensics.yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "identity recorded in the audit trail")
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user:" + u.Username
	}
	return "user:unknown"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
