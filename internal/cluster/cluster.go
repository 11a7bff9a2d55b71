// Package cluster groups embedded profiles by density with a minimum
// cluster size relative to the batch size.
package cluster

import (
	"fmt"
	"log/slog"
	"math"
)

// Noise is the label for points that belong to no cluster.
const Noise = -1

const (
	DefaultMinClusterFraction = 0.05
	DefaultSelectionEpsilon   = 0.0
)

// Strategy assigns a label to every vector; Noise marks unclustered points.
type Strategy interface {
	Cluster(vectors [][]float64, minSize int, epsilon float64) ([]int, error)
}

// Triple is an embedded profile.
type Triple struct {
	ID      int64          `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Clusters maps labels to member payloads. Labels holds the keys of Members
// in order of first appearance in the input; Noise never appears.
type Clusters struct {
	Labels  []int
	Members map[int][]map[string]any
}

// Len returns the number of clusters.
func (c Clusters) Len() int { return len(c.Labels) }

// Sizes returns the member count per label.
func (c Clusters) Sizes() map[int]int {
	sizes := make(map[int]int, len(c.Labels))
	for _, l := range c.Labels {
		sizes[l] = len(c.Members[l])
	}
	return sizes
}

// InputError reports malformed clustering input.
type InputError struct {
	Index  int // offending triple, -1 when not specific to one
	Reason string
}

func (e *InputError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("clustering input: triple %d: %s", e.Index, e.Reason)
	}
	return "clustering input: " + e.Reason
}

// MinClusterSize returns max(2, floor(n*fraction)).
func MinClusterSize(n int, fraction float64) int {
	size := int(math.Floor(float64(n) * fraction))
	if size < 2 {
		return 2
	}
	return size
}

// Clusterer groups triples using a Strategy.
type Clusterer struct {
	Strategy           Strategy
	MinClusterFraction float64
	SelectionEpsilon   float64
}

// New returns a Clusterer using HDBSCAN and the given parameters.
func New(minClusterFraction, selectionEpsilon float64) *Clusterer {
	return &Clusterer{
		Strategy:           HDBSCAN{},
		MinClusterFraction: minClusterFraction,
		SelectionEpsilon:   selectionEpsilon,
	}
}

// Cluster groups triples by density. Empty input yields empty Clusters
// without invoking the strategy.
func (c *Clusterer) Cluster(triples []Triple) (Clusters, error) {
	out := Clusters{Members: make(map[int][]map[string]any)}
	n := len(triples)
	if n == 0 {
		slog.Warn("cluster called with empty input")
		return out, nil
	}

	vectors, err := toMatrix(triples)
	if err != nil {
		return Clusters{}, err
	}

	minSize := MinClusterSize(n, c.MinClusterFraction)
	slog.Info("clustering embeddings",
		"points", n,
		"min_cluster_size", minSize,
		"min_cluster_fraction", c.MinClusterFraction,
		"epsilon", c.SelectionEpsilon,
	)

	labels, err := c.Strategy.Cluster(vectors, minSize, c.SelectionEpsilon)
	if err != nil {
		return Clusters{}, fmt.Errorf("clustering: %w", err)
	}
	if len(labels) != n {
		return Clusters{}, &InputError{Index: -1, Reason: fmt.Sprintf("strategy returned %d labels for %d points", len(labels), n)}
	}

	noise := 0
	for i, l := range labels {
		if l == Noise {
			noise++
			continue
		}
		if _, ok := out.Members[l]; !ok {
			out.Labels = append(out.Labels, l)
		}
		out.Members[l] = append(out.Members[l], triples[i].Payload)
	}

	slog.Info("clustering complete", "clusters", out.Len(), "noise", noise, "sizes", out.Sizes())
	return out, nil
}

func toMatrix(triples []Triple) ([][]float64, error) {
	dim := len(triples[0].Vector)
	vectors := make([][]float64, len(triples))
	for i, t := range triples {
		if len(t.Vector) == 0 {
			return nil, &InputError{Index: i, Reason: "missing vector"}
		}
		if len(t.Vector) != dim {
			return nil, &InputError{Index: i, Reason: fmt.Sprintf("vector has dimension %d, want %d", len(t.Vector), dim)}
		}
		row := make([]float64, dim)
		for j, f := range t.Vector {
			row[j] = float64(f)
		}
		vectors[i] = row
	}
	return vectors, nil
}
