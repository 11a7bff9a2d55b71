package worker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
)

type mockRunner struct {
	mu       sync.Mutex
	batchIDs []string
	profiles [][]pipeline.Profile
	err      error
}

func (m *mockRunner) RunBatch(ctx context.Context, batchID string, profiles []pipeline.Profile) (*pipeline.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchIDs = append(m.batchIDs, batchID)
	m.profiles = append(m.profiles, profiles)
	if m.err != nil {
		return nil, m.err
	}
	return &pipeline.Result{BatchID: batchID}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleProfiles() []pipeline.Profile {
	return []pipeline.Profile{
		{ID: 1, Fields: map[string]any{"text": "too expensive"}},
		{ID: 2, Fields: map[string]any{"text": "love the app"}},
	}
}

func TestWorker_ProcessesQueuedBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := Enqueue(ctx, store, "batch-1", sampleProfiles()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runner := &mockRunner{}
	w := New(store, runner, 0)

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, want true")
	}
	if !reflect.DeepEqual(runner.batchIDs, []string{"batch-1"}) {
		t.Errorf("batch IDs = %v", runner.batchIDs)
	}
	if len(runner.profiles[0]) != 2 || runner.profiles[0][1].ID != 2 {
		t.Errorf("profiles = %+v", runner.profiles[0])
	}

	job, err := store.GetJob(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %q, want completed", job.Status)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	w := New(openTestStore(t), &mockRunner{}, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_FailedBatchMarksJobFailed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := Enqueue(ctx, store, "batch-1", sampleProfiles()); err != nil {
		t.Fatal(err)
	}

	w := New(store, &mockRunner{err: errors.New("rate limit exceeded")}, 0)
	didWork, err := w.RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}

	job, err := store.GetJob(ctx, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != "failed" || job.LastError != "rate limit exceeded" {
		t.Errorf("job = %+v, want failed with last error", job)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: "j1", Type: JobType, PayloadJSON: "{not json"}); err != nil {
		t.Fatal(err)
	}

	runner := &mockRunner{}
	if _, err := New(store, runner, 0).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(runner.batchIDs) != 0 {
		t.Error("runner called for unparsable payload")
	}
	if job, _ := store.GetJob(ctx, "j1"); job.Status != "failed" {
		t.Errorf("job status = %q, want failed", job.Status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := Enqueue(ctx, store, "batch-1", sampleProfiles()); err != nil {
		t.Fatal(err)
	}

	runner := &mockRunner{}
	done := make(chan struct{})
	go func() {
		New(store, runner, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.batchIDs)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queued batch was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
