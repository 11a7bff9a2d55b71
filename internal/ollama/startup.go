package ollama

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that Ollama is reachable and pulls the embedding model
// if it is missing, writing progress to w.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s; start it with: ollama serve", c.baseURL)
	}
	if c.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "embedding model %s: ready\n", embedModel)
		return nil
	}

	fmt.Fprintf(w, "embedding model %s: pulling...\n", embedModel)
	err := c.PullModel(ctx, embedModel, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", embedModel, err)
	}
	fmt.Fprintf(w, "embedding model %s: ready\n", embedModel)
	return nil
}
