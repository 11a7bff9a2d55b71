package business

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/personas/internal/extract"
	"github.com/kalambet/personas/internal/llm"
)

type mockInvoker struct {
	reply    string
	err      error
	requests []llm.Request
}

func (m *mockInvoker) Invoke(ctx context.Context, req llm.Request) (string, error) {
	m.requests = append(m.requests, req)
	return m.reply, m.err
}

const profileReply = "```json\n" + `{"name":"Bean There","founded":"2019","locations":["Austin"],"offerings":["coffee"],
"price_range":"$3-$7","audience":"students","usp":"late hours","competitors":["Starbucks"],
"channels":["Instagram"],"goals":"grow delivery","voice":"friendly","extra":"x"}` + "\n```"

func TestSummarizeBusiness(t *testing.T) {
	inv := &mockInvoker{reply: profileReply}
	a := NewAnalyst(inv, "test-model")

	got, err := a.SummarizeBusiness(context.Background(), map[string]any{"name": "Bean There"})
	if err != nil {
		t.Fatalf("SummarizeBusiness: %v", err)
	}
	if len(got) != len(ProfileFields) {
		t.Errorf("got %d keys, want %d", len(got), len(ProfileFields))
	}
	if _, ok := got["extra"]; ok {
		t.Error("unexpected key extra kept")
	}
	if got["usp"] != "late hours" {
		t.Errorf("usp = %v", got["usp"])
	}

	req := inv.requests[0]
	if req.Model != "test-model" || req.MaxTokens != 512 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "price_range") {
		t.Error("system prompt does not list profile keys")
	}
	if req.Messages[1].Content != `{"name":"Bean There"}` {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestSummarizeBusiness_MissingKeys(t *testing.T) {
	a := NewAnalyst(&mockInvoker{reply: `{"name":"Bean There"}`}, "m")
	_, err := a.SummarizeBusiness(context.Background(), map[string]any{})

	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ShapeError", err)
	}
	if !strings.Contains(se.Reason, "founded") || se.Raw != `{"name":"Bean There"}` {
		t.Errorf("ShapeError = %+v", se)
	}
}

func TestSummarizeBusiness_NoJSON(t *testing.T) {
	a := NewAnalyst(&mockInvoker{reply: "I cannot help with that."}, "m")
	_, err := a.SummarizeBusiness(context.Background(), map[string]any{})

	var xe *extract.Error
	if !errors.As(err, &xe) {
		t.Fatalf("error = %v, want *extract.Error", err)
	}
}

func TestSummarizeBusiness_InvokeError(t *testing.T) {
	want := &llm.RateLimitExceededError{Retries: 5}
	a := NewAnalyst(&mockInvoker{err: want}, "m")
	_, err := a.SummarizeBusiness(context.Background(), map[string]any{})
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want rate limit error", err)
	}
}

func TestSummarizeProfile(t *testing.T) {
	inv := &mockInvoker{reply: "  Bean There is a friendly Austin coffee shop.\n"}
	got, err := NewAnalyst(inv, "m").SummarizeProfile(context.Background(), map[string]any{"name": "Bean There"})
	if err != nil {
		t.Fatalf("SummarizeProfile: %v", err)
	}
	if got != "Bean There is a friendly Austin coffee shop." {
		t.Errorf("summary = %q", got)
	}
	if inv.requests[0].MaxTokens != 200 {
		t.Errorf("max tokens = %d", inv.requests[0].MaxTokens)
	}
}

func TestFollowupQuestions(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    []string
		wantErr bool
	}{
		{
			name:  "exact array",
			reply: `["Q1?","Q2?","Q3?"]`,
			want:  []string{"Q1?", "Q2?", "Q3?"},
		},
		{
			name:  "array in prose truncated to three",
			reply: "Here you go:\n[\"A?\", \"B?\", \"C?\", \"D?\"]\nThanks",
			want:  []string{"A?", "B?", "C?"},
		},
		{name: "too few", reply: `["only one?"]`, wantErr: true},
		{name: "non-string", reply: `["a?", 2, "c?"]`, wantErr: true},
		{name: "no array", reply: "no questions", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyst(&mockInvoker{reply: tt.reply}, "m")
			got, err := a.FollowupQuestions(context.Background(), "A coffee shop.", "", nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("FollowupQuestions: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("questions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFollowupQuestions_CompetitorPrompt(t *testing.T) {
	inv := &mockInvoker{reply: `["a","b","c"]`}
	a := NewAnalyst(inv, "m")

	if _, err := a.FollowupQuestions(context.Background(), "A coffee shop.", TopicCompetitors, []string{"Starbucks", "Peet's"}); err != nil {
		t.Fatal(err)
	}
	prompt := inv.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "Key Competitors: Starbucks, Peet's") {
		t.Errorf("competitor prompt = %q", prompt)
	}

	if _, err := a.FollowupQuestions(context.Background(), "A coffee shop.", TopicCompetitors, nil); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(inv.requests[1].Messages[0].Content, "Key Competitors") {
		t.Error("competitor prompt used without competitors")
	}
}

func TestFollowupQuestions_EmptySummary(t *testing.T) {
	inv := &mockInvoker{}
	_, err := NewAnalyst(inv, "m").FollowupQuestions(context.Background(), "  ", "", nil)
	if !errors.Is(err, ErrEmptySummary) {
		t.Errorf("error = %v, want ErrEmptySummary", err)
	}
	if len(inv.requests) != 0 {
		t.Error("invoker called for empty summary")
	}
}
