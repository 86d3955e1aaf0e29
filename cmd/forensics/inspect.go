package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/process"
)

var (
	inspectPipeline string
	inspectTimeout  time.Duration
)

// inspectCmd runs the pipeline providers directly on a local file. Nothing
// is stored, audited or placed in custody, so the output is not evidence.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Run the analysis providers on a file without registering it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectPipeline, "pipeline", "", "pipeline YAML file (default built-in pipeline)")
	inspectCmd.Flags().DurationVar(&inspectTimeout, "timeout", 5*time.Minute, "overall timeout")
	rootCmd.AddCommand(inspectCmd)
}

type inspection struct {
	Document analysis.Document         `json:"document"`
	Outputs  map[string]analysis.Output `json:"outputs"`
	Errors   map[string]string          `json:"errors,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()

	pipeline := process.DefaultPipeline()
	if inspectPipeline != "" {
		p, err := process.LoadPipeline(inspectPipeline)
		if err != nil {
			return err
		}
		pipeline = p
	}

	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	content, err := blob.ReadAllLimit(f, 256<<20)
	f.Close()
	if err != nil {
		return err
	}
	doc := analysis.Document{
		ID:          "local",
		Name:        filepath.Base(path),
		ContentHash: blob.Digest(content),
		MediaType:   blob.DetectMediaType(content),
		Size:        int64(len(content)),
		Locator:     blob.LocatorFor(content),
	}
	return printJSON(inspect(ctx, analysis.DefaultRegistry(), pipeline, doc, content))
}

func inspect(ctx context.Context, reg *analysis.Registry, p process.Pipeline, doc analysis.Document, content []byte) inspection {
	res := inspection{
		Document: doc,
		Outputs:  make(map[string]analysis.Output),
		Errors:   make(map[string]string),
	}
	for _, stage := range p.Stages {
		provider, ok := reg.Lookup(stage.Provider)
		if !ok {
			res.Errors[stage.Name] = fmt.Sprintf("provider %q is not registered", stage.Provider)
			continue
		}
		if !provider.Supports(doc.MediaType) {
			res.Errors[stage.Name] = fmt.Sprintf("%s does not support %s", provider.Name(), doc.MediaType)
			continue
		}
		prior := make(map[string]analysis.Output)
		if stage.Inputs == nil {
			for k, v := range res.Outputs {
				prior[k] = v
			}
		} else {
			for _, name := range stage.Inputs {
				if out, ok := res.Outputs[name]; ok {
					prior[name] = out
				}
			}
		}

		stageCtx, cancel := ctx, context.CancelFunc(func() {})
		if stage.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		}
		out, err := provider.Run(stageCtx, analysis.Input{Document: doc, Content: content, Prior: prior})
		cancel()
		if err != nil {
			res.Errors[stage.Name] = err.Error()
			continue
		}
		if out.Provider == "" {
			out.Provider = provider.Name()
		}
		res.Outputs[stage.Name] = out
	}
	return res
}
