// Package analysis defines the capability providers that back pipeline
// stages and the binding table that maps stage providers by name.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/simple-forensics/internal/blob"
)

// Document describes the evidence a provider is asked to analyze.
type Document struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	ContentHash string       `json:"content_hash"`
	MediaType   string       `json:"media_type"`
	Size        int64        `json:"size"`
	Locator     blob.Locator `json:"locator"`
}

// Input is handed to a provider for one stage run. Content holds bytes that
// were hash-verified immediately before the job started; Prior holds the
// outputs of earlier stages the stage may depend on, keyed by stage name.
type Input struct {
	Document Document
	Content  []byte
	Prior    map[string]Output
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one observation that bears on authenticity.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Output is the stage-specific result of a provider.
type Output struct {
	Provider   string            `json:"provider"`
	Summary    string            `json:"summary,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Findings   []Finding         `json:"findings,omitempty"`
	Score      *int              `json:"score,omitempty"`
	Verdict    string            `json:"verdict,omitempty"`
}

// Clone returns a deep copy of o.
func (o Output) Clone() Output {
	if o.Attributes != nil {
		attrs := make(map[string]string, len(o.Attributes))
		for k, v := range o.Attributes {
			attrs[k] = v
		}
		o.Attributes = attrs
	}
	if o.Findings != nil {
		o.Findings = append([]Finding(nil), o.Findings...)
	}
	if o.Score != nil {
		s := *o.Score
		o.Score = &s
	}
	return o
}

// Provider is one pluggable analysis technique. Implementations must be safe
// for concurrent use on different documents.
type Provider interface {
	Name() string
	Supports(mediaType string) bool
	Run(ctx context.Context, in Input) (Output, error)
}

// Stage error codes.
const (
	CodeUnsupportedMedia = "unsupported_media"
	CodeInvalidContent   = "invalid_content"
	CodeToolUnavailable  = "tool_unavailable"
	CodeDependencyFailed = "dependency_failed"
	CodeTimeout          = "timeout"
	CodePanic            = "panic"
	CodeProviderError    = "provider_error"
)

// StageError is the typed failure a provider reports.
type StageError struct {
	Provider string
	Code     string
	Err      error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(provider, code string, format string, args ...any) *StageError {
	return &StageError{Provider: provider, Code: code, Err: fmt.Errorf(format, args...)}
}

// AsStageError converts any provider error into a StageError.
func AsStageError(provider string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	code := CodeProviderError
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &StageError{Provider: provider, Code: code, Err: err}
}

// Router dispatches to the first provider that supports the document's
// media type.
type Router struct {
	name      string
	providers []Provider
}

func NewRouter(name string, providers ...Provider) *Router {
	return &Router{name: name, providers: providers}
}

func (r *Router) Name() string { return r.name }

func (r *Router) Supports(mediaType string) bool {
	_, ok := r.route(mediaType)
	return ok
}

func (r *Router) route(mediaType string) (Provider, bool) {
	mediaType = strings.ToLower(mediaType)
	for _, p := range r.providers {
		if p.Supports(mediaType) {
			return p, true
		}
	}
	return nil, false
}

func (r *Router) Run(ctx context.Context, in Input) (Output, error) {
	p, ok := r.route(in.Document.MediaType)
	if !ok {
		return Output{}, stageErr(r.name, CodeUnsupportedMedia, "no provider for media type %q", in.Document.MediaType)
	}
	return p.Run(ctx, in)
}

// Registry is the binding table from provider name to implementation.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds p under its name. Names are unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Name() == "" {
		return errors.New("provider name must be set")
	}
	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Replace binds p under its name, replacing any earlier binding.
func (r *Registry) Replace(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Findings collects every finding in prior outputs, ordered by stage name.
func Findings(prior map[string]Output) []Finding {
	stages := make([]string, 0, len(prior))
	for name := range prior {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	var out []Finding
	for _, name := range stages {
		out = append(out, prior[name].Findings...)
	}
	return out
}
