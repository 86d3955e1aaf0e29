package process

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-forensics/internal/analysis"
)

// StageSpec configures one pipeline stage.
type StageSpec struct {
	Name     string        `yaml:"name" json:"name"`
	Provider string        `yaml:"provider" json:"provider"`
	Optional bool          `yaml:"optional" json:"optional,omitempty"`
	Weight   float64       `yaml:"weight" json:"weight"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// Inputs names the earlier stages whose outputs the stage receives. Nil
	// means every earlier stage.
	Inputs []string `yaml:"inputs" json:"inputs,omitempty"`
}

// Pipeline is the ordered stage configuration a job copies at creation.
type Pipeline struct {
	Stages []StageSpec `yaml:"stages" json:"stages"`
}

// DefaultPipeline runs metadata, tampering and authenticity, all required.
func DefaultPipeline() Pipeline {
	return Pipeline{Stages: []StageSpec{
		{Name: "metadata", Provider: analysis.CapabilityMetadata, Weight: 1, Timeout: 2 * time.Minute},
		{Name: "tampering", Provider: analysis.CapabilityTampering, Weight: 1, Timeout: 5 * time.Minute},
		{Name: "authenticity", Provider: analysis.CapabilityAuthenticity, Weight: 1, Timeout: time.Minute},
	}}
}

// ParsePipeline decodes a YAML pipeline and applies defaults.
func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline: %w", err)
	}
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// LoadPipeline reads a YAML pipeline file.
func LoadPipeline(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data)
}

func (p Pipeline) withDefaults() Pipeline {
	out := Pipeline{Stages: make([]StageSpec, len(p.Stages))}
	for i, s := range p.Stages {
		if s.Weight == 0 {
			s.Weight = 1
		}
		if s.Provider == "" {
			s.Provider = s.Name
		}
		out.Stages[i] = s
	}
	return out
}

// Validate reports every configuration problem at once.
func (p Pipeline) Validate() error {
	var result *multierror.Error
	if len(p.Stages) == 0 {
		result = multierror.Append(result, fmt.Errorf("pipeline has no stages"))
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			result = multierror.Append(result, fmt.Errorf("stage %d: name must be set", i))
			continue
		}
		if seen[s.Name] {
			result = multierror.Append(result, fmt.Errorf("stage %q: duplicate name", s.Name))
		}
		if s.Provider == "" {
			result = multierror.Append(result, fmt.Errorf("stage %q: provider must be set", s.Name))
		}
		if s.Weight <= 0 {
			result = multierror.Append(result, fmt.Errorf("stage %q: weight must be positive", s.Name))
		}
		if s.Timeout < 0 {
			result = multierror.Append(result, fmt.Errorf("stage %q: timeout must not be negative", s.Name))
		}
		for _, in := range s.Inputs {
			if !seen[in] {
				result = multierror.Append(result, fmt.Errorf("stage %q: input %q is not an earlier stage", s.Name, in))
			}
		}
		seen[s.Name] = true
	}
	return result.ErrorOrNil()
}

// Clone returns a copy that shares no slices with p.
func (p Pipeline) Clone() Pipeline {
	out := Pipeline{Stages: make([]StageSpec, len(p.Stages))}
	for i, s := range p.Stages {
		if s.Inputs != nil {
			s.Inputs = append([]string(nil), s.Inputs...)
		}
		out.Stages[i] = s
	}
	return out
}
