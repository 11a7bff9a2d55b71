// Package pipeline runs a profile batch through embedding, clustering and
// persona synthesis, recording each state transition.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/personas/internal/cluster"
	"github.com/kalambet/personas/internal/persona"
)

// State is a batch lifecycle state.
type State string

const (
	StatePending      State = "PENDING"
	StateEmbedded     State = "EMBEDDED"
	StateClustered    State = "CLUSTERED"
	StateSynthesizing State = "SYNTHESIZING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// Status is a snapshot of a batch. Cluster is the index of the cluster
// being synthesized and is only meaningful in StateSynthesizing.
type Status struct {
	BatchID      string
	State        State
	Cluster      int
	ProfileCount int
	ClusterCount int
	NoiseCount   int
	Error        string
}

// Embedder returns one vector per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Synthesizer produces one persona per cluster in label order.
type Synthesizer interface {
	SynthesizeProgress(ctx context.Context, clusters cluster.Clusters, onCluster persona.Progress) ([]persona.Persona, error)
}

// BatchRecorder persists batch state and results.
type BatchRecorder interface {
	RecordState(ctx context.Context, st Status) error
	SavePersonas(ctx context.Context, batchID string, labels []int, personas []persona.Persona) error
}

// TripleSink stores embedded profiles.
type TripleSink interface {
	SaveTriples(ctx context.Context, batchID string, triples []cluster.Triple) error
}

// Result is the outcome of a successful run.
type Result struct {
	BatchID    string            `json:"batch_id"`
	Personas   []persona.Persona `json:"personas"`
	Labels     []int             `json:"cluster_labels"`
	Sizes      map[int]int       `json:"cluster_sizes"`
	NoiseCount int               `json:"noise_count"`
}

// Runner wires the pipeline stages together.
type Runner struct {
	embedder  Embedder
	clusterer *cluster.Clusterer
	synth     Synthesizer
	recorder  BatchRecorder
	sink      TripleSink
	newID     func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder persists state transitions and personas.
func WithRecorder(r BatchRecorder) Option {
	return func(rn *Runner) { rn.recorder = r }
}

// WithTripleSink stores embedded triples after the embedding step.
func WithTripleSink(s TripleSink) Option {
	return func(rn *Runner) { rn.sink = s }
}

// NewRunner creates a Runner. Recorder and sink are optional.
func NewRunner(e Embedder, c *cluster.Clusterer, s Synthesizer, opts ...Option) *Runner {
	r := &Runner{
		embedder:  e,
		clusterer: c,
		synth:     s,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewBatchID returns a fresh batch identifier.
func (r *Runner) NewBatchID() string { return r.newID() }

// Run processes one batch under a fresh ID. On any failure the batch is
// recorded as FAILED and no personas are returned.
func (r *Runner) Run(ctx context.Context, profiles []Profile) (*Result, error) {
	return r.RunBatch(ctx, r.newID(), profiles)
}

// RunBatch is Run with a caller-assigned batch ID, used when the ID was
// handed out before the batch was queued.
func (r *Runner) RunBatch(ctx context.Context, batchID string, profiles []Profile) (*Result, error) {
	start := time.Now()
	st := Status{BatchID: batchID, State: StatePending, ProfileCount: len(profiles)}
	r.record(ctx, st)

	fail := func(stage string, err error) (*Result, error) {
		err = fmt.Errorf("%s: %w", stage, err)
		st.State = StateFailed
		st.Error = err.Error()
		r.record(context.WithoutCancel(ctx), st)
		slog.Error("batch failed", "batch_id", st.BatchID, "error", err)
		return nil, err
	}

	if err := checkIDs(profiles); err != nil {
		return fail("validating profiles", err)
	}

	triples, err := r.embed(ctx, profiles)
	if err != nil {
		return fail("embedding", err)
	}
	if r.sink != nil {
		if err := r.sink.SaveTriples(ctx, st.BatchID, triples); err != nil {
			return fail("storing embeddings", err)
		}
	}
	st.State = StateEmbedded
	r.record(ctx, st)

	clusters, err := r.clusterer.Cluster(triples)
	if err != nil {
		return fail("clustering", err)
	}
	st.State = StateClustered
	st.ClusterCount = clusters.Len()
	st.NoiseCount = len(triples) - memberCount(clusters)
	r.record(ctx, st)

	personas, err := r.synth.SynthesizeProgress(ctx, clusters, func(k, label int) {
		s := st
		s.State = StateSynthesizing
		s.Cluster = k
		r.record(ctx, s)
	})
	if err != nil {
		return fail("synthesizing", err)
	}
	if personas == nil {
		personas = []persona.Persona{}
	}

	if r.recorder != nil {
		if err := r.recorder.SavePersonas(ctx, st.BatchID, clusters.Labels, personas); err != nil {
			return fail("storing personas", err)
		}
	}
	st.State = StateDone
	r.record(ctx, st)

	slog.Info("batch complete",
		"batch_id", st.BatchID,
		"profiles", st.ProfileCount,
		"clusters", st.ClusterCount,
		"noise", st.NoiseCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Result{
		BatchID:    st.BatchID,
		Personas:   personas,
		Labels:     clusters.Labels,
		Sizes:      clusters.Sizes(),
		NoiseCount: st.NoiseCount,
	}, nil
}

func (r *Runner) embed(ctx context.Context, profiles []Profile) ([]cluster.Triple, error) {
	texts := make([]string, len(profiles))
	for i, p := range profiles {
		texts[i] = ProfileText(p.Fields)
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(profiles) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d profiles", len(vecs), len(profiles))
	}

	triples := make([]cluster.Triple, len(profiles))
	for i, p := range profiles {
		payload := maps.Clone(p.Fields)
		if payload == nil {
			payload = make(map[string]any, 1)
		}
		payload[IDField] = p.ID
		triples[i] = cluster.Triple{ID: p.ID, Vector: vecs[i], Payload: payload}
	}
	return triples, nil
}

// record logs and persists a transition. Persistence failures are logged
// and do not fail the batch.
func (r *Runner) record(ctx context.Context, st Status) {
	attrs := []any{"batch_id", st.BatchID, "state", st.State}
	if st.State == StateSynthesizing {
		attrs = append(attrs, "cluster", st.Cluster)
	}
	slog.Info("batch transition", attrs...)

	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordState(ctx, st); err != nil {
		slog.Warn("recording batch state failed", "batch_id", st.BatchID, "state", st.State, "error", err)
	}
}

func checkIDs(profiles []Profile) error {
	seen := make(map[int64]int, len(profiles))
	for i, p := range profiles {
		if j, ok := seen[p.ID]; ok {
			return &cluster.InputError{Index: i, Reason: fmt.Sprintf("duplicate profile id %d (first at %d)", p.ID, j)}
		}
		seen[p.ID] = i
	}
	return nil
}

func memberCount(c cluster.Clusters) int {
	n := 0
	for _, members := range c.Members {
		n += len(members)
	}
	return n
}
