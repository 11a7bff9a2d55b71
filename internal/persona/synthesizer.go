package persona

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/personas/internal/cluster"
	"github.com/kalambet/personas/internal/extract"
	"github.com/kalambet/personas/internal/llm"
)

const (
	DefaultModel       = "llama-3.1-8b-instant"
	DefaultMaxTokens   = 600
	defaultConcurrency = 4
	maxRegenerations   = 2
)

// Mode selects how per-cluster generation is scheduled.
type Mode string

const (
	// ModeSequential generates clusters one at a time, passing every earlier
	// persona name into the next request.
	ModeSequential Mode = "sequential"
	// ModeParallel generates clusters concurrently and enforces distinct
	// names afterwards by regenerating duplicates.
	ModeParallel Mode = "parallel"
)

// ParseMode maps a config string to a Mode, defaulting to sequential.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeParallel {
		return ModeParallel
	}
	return ModeSequential
}

// Invoker sends a chat completion request and returns the raw text.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (string, error)
}

// ObjectExtractor reduces raw model output to a JSON object.
type ObjectExtractor interface {
	Object(raw string) (map[string]any, error)
}

// SynthesisError identifies the cluster whose generation aborted the batch.
type SynthesisError struct {
	Label int
	Raw   string
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("cluster %d: %v", e.Label, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Synthesizer produces one persona per cluster.
type Synthesizer struct {
	invoker     Invoker
	extractor   ObjectExtractor
	model       string
	maxTokens   int
	mode        Mode
	concurrency int
}

// Progress is called before the k-th cluster (in label order) is generated.
type Progress func(k, label int)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the generation model.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithMaxTokens caps the output length per persona.
func WithMaxTokens(n int) Option {
	return func(s *Synthesizer) { s.maxTokens = n }
}

// WithMode selects sequential or parallel generation.
func WithMode(m Mode) Option {
	return func(s *Synthesizer) { s.mode = m }
}

// WithConcurrency bounds in-flight requests in parallel mode. Values below
// one keep the default.
func WithConcurrency(n int) Option {
	return func(s *Synthesizer) {
		if n < 1 {
			n = defaultConcurrency
		}
		s.concurrency = n
	}
}

// WithExtractor replaces the default JSON extractor.
func WithExtractor(x ObjectExtractor) Option {
	return func(s *Synthesizer) { s.extractor = x }
}

// NewSynthesizer creates a Synthesizer using the given invoker.
func NewSynthesizer(inv Invoker, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		invoker:     inv,
		extractor:   extract.New(),
		model:       DefaultModel,
		maxTokens:   DefaultMaxTokens,
		mode:        ModeSequential,
		concurrency: defaultConcurrency,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize returns one persona per cluster in label order. Any cluster
// failure aborts the batch and no personas are returned.
func (s *Synthesizer) Synthesize(ctx context.Context, clusters cluster.Clusters) ([]Persona, error) {
	return s.SynthesizeProgress(ctx, clusters, nil)
}

// SynthesizeProgress is Synthesize with a progress callback; onCluster may
// be nil. In parallel mode it may be called from several goroutines.
func (s *Synthesizer) SynthesizeProgress(ctx context.Context, clusters cluster.Clusters, onCluster Progress) ([]Persona, error) {
	if clusters.Len() == 0 {
		return nil, nil
	}
	if onCluster == nil {
		onCluster = func(int, int) {}
	}
	if s.mode == ModeParallel {
		return s.synthesizeParallel(ctx, clusters, onCluster)
	}
	return s.synthesizeSequential(ctx, clusters, onCluster)
}

func (s *Synthesizer) synthesizeSequential(ctx context.Context, clusters cluster.Clusters, onCluster Progress) ([]Persona, error) {
	personas := make([]Persona, 0, clusters.Len())
	var names []string
	for k, label := range clusters.Labels {
		onCluster(k, label)
		p, err := s.Generate(ctx, label, clusters.Members[label], names)
		if err != nil {
			return nil, err
		}
		if containsName(names, p.Name) {
			slog.Warn("persona name repeats an earlier persona", "cluster", label, "name", p.Name)
		}
		names = append(names, p.Name)
		personas = append(personas, p)
	}
	return personas, nil
}

func (s *Synthesizer) synthesizeParallel(ctx context.Context, clusters cluster.Clusters, onCluster Progress) ([]Persona, error) {
	personas := make([]Persona, clusters.Len())
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for k, label := range clusters.Labels {
		g.Go(func() error {
			onCluster(k, label)
			p, err := s.Generate(gCtx, label, clusters.Members[label], nil)
			if err != nil {
				return err
			}
			personas[k] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Later duplicates are regenerated with every other name excluded.
	for k, label := range clusters.Labels {
		for attempt := 0; containsName(namesExcept(personas[:k], -1), personas[k].Name); attempt++ {
			if attempt == maxRegenerations {
				return nil, &SynthesisError{
					Label: label,
					Err:   &ValidationError{Reason: fmt.Sprintf("persona_name %q duplicates an earlier persona", personas[k].Name)},
				}
			}
			slog.Info("regenerating duplicate persona", "cluster", label, "name", personas[k].Name, "attempt", attempt+1)
			p, err := s.Generate(ctx, label, clusters.Members[label], namesExcept(personas, k))
			if err != nil {
				return nil, err
			}
			personas[k] = p
		}
	}
	return personas, nil
}

// Generate produces a persona for a single cluster.
func (s *Synthesizer) Generate(ctx context.Context, label int, members []map[string]any, priorNames []string) (Persona, error) {
	messages, err := BuildMessages(members, priorNames)
	if err != nil {
		return Persona{}, &SynthesisError{Label: label, Err: err}
	}

	raw, err := s.invoker.Invoke(ctx, llm.Request{
		Model:       s.model,
		Messages:    messages,
		MaxTokens:   s.maxTokens,
		Temperature: llm.Float(0),
	})
	if err != nil {
		slog.Error("persona generation failed", "cluster", label, "error", err)
		return Persona{}, &SynthesisError{Label: label, Err: err}
	}

	obj, err := s.extractor.Object(raw)
	if err != nil {
		slog.Error("persona extraction failed", "cluster", label, "error", err, "raw", raw)
		return Persona{}, &SynthesisError{Label: label, Raw: raw, Err: err}
	}

	p, err := Validate(obj)
	if err != nil {
		slog.Error("persona validation failed", "cluster", label, "error", err, "raw", raw)
		return Persona{}, &SynthesisError{Label: label, Raw: raw, Err: err}
	}

	slog.Info("generated persona", "cluster", label, "name", p.Name, "members", len(members))
	return p, nil
}

func namesExcept(personas []Persona, skip int) []string {
	names := make([]string, 0, len(personas))
	for i, p := range personas {
		if i != skip && p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}
