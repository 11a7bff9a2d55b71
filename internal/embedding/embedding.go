// Package embedding turns profile text into vectors using a local Ollama
// instance or the Gemini embedding API.
package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/personas/internal/config"
	"github.com/kalambet/personas/internal/ollama"
)

// Embedder returns one vector per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the embedder selected by cfg.Embedding.Provider.
func New(cfg config.Config) (Embedder, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderOllama, "":
		return NewOllama(ollama.New(cfg.Embedding.OllamaBaseURL), cfg.Embedding.Model), nil
	case config.ProviderGenAI:
		return NewGenAI(context.Background(), cfg.Embedding.GenAIAPIKey, cfg.Embedding.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

const (
	defaultChunkSize   = 32
	defaultConcurrency = 4
)

// ollamaBatcher is the subset of ollama.Client used for embedding.
type ollamaBatcher interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Ollama embeds texts in fixed-size chunks with bounded concurrency.
type Ollama struct {
	client    ollamaBatcher
	model     string
	chunkSize int
}

// NewOllama creates an Ollama embedder for the given model.
func NewOllama(c ollamaBatcher, model string) *Ollama {
	return &Ollama{client: c, model: model, chunkSize: defaultChunkSize}
}

// Embed returns nil (not an error) for empty input.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)

	for start := 0; start < len(texts); start += o.chunkSize {
		end := min(start+o.chunkSize, len(texts))
		g.Go(func() error {
			vecs, err := o.client.Embed(gCtx, o.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
