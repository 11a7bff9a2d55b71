package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGenAIModel = "gemini-embedding-001"

// clusteringTask asks Gemini for vectors tuned for grouping.
const clusteringTask = "CLUSTERING"

// GenAI embeds texts with the Gemini API in one batched call.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates a Gemini embedder. An empty model selects
// gemini-embedding-001.
func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: API key is required")
	}
	if model == "" || model == "nomic-embed-text" {
		model = defaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

// Embed returns nil (not an error) for empty input.
func (g *GenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType: clusteringTask,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}
