// Package business turns a raw business questionnaire into a structured
// profile, a readable summary and follow-up interview questions.
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/personas/internal/extract"
	"github.com/kalambet/personas/internal/llm"
)

// ProfileFields is the exact key set of a structured business profile.
var ProfileFields = []string{
	"name", "founded", "locations", "offerings", "price_range",
	"audience", "usp", "competitors", "channels", "goals", "voice",
}

// TopicCompetitors selects the competitor-focused follow-up prompt.
const TopicCompetitors = "competitors"

// QuestionCount is the number of follow-up questions returned.
const QuestionCount = 3

const (
	profileMaxTokens  = 512
	summaryMaxTokens  = 200
	followupMaxTokens = 150
)

// ErrEmptySummary is returned by FollowupQuestions for a blank summary.
var ErrEmptySummary = errors.New("business: summary is required")

// Invoker sends a chat request and returns the generated text.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (string, error)
}

// ShapeError reports model output that parsed but has the wrong shape.
type ShapeError struct {
	Reason string
	Raw    string
}

func (e *ShapeError) Error() string { return "business: " + e.Reason }

// Analyst produces business summaries with a chat completion backend.
type Analyst struct {
	invoker Invoker
	model   string
}

// NewAnalyst creates an Analyst using model for every request.
func NewAnalyst(inv Invoker, model string) *Analyst {
	return &Analyst{invoker: inv, model: model}
}

// SummarizeBusiness normalizes raw questionnaire answers into a profile with
// exactly ProfileFields. Unknown keys in the model output are dropped.
func (a *Analyst) SummarizeBusiness(ctx context.Context, raw map[string]any) (map[string]any, error) {
	input, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding business input: %w", err)
	}

	system := "You are a business analyst. Output MUST be raw JSON only, with no explanations. " +
		"Produce exactly one JSON object with keys: " + strings.Join(ProfileFields, ", ") + ". " +
		"All values must be strings or lists of strings."

	out, err := a.invoker.Invoke(ctx, llm.Request{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(input)},
		},
		MaxTokens: profileMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	obj, err := extract.Object(out)
	if err != nil {
		slog.Error("business profile extraction failed", "error", err, "raw", out)
		return nil, err
	}

	var missing []string
	profile := make(map[string]any, len(ProfileFields))
	for _, k := range ProfileFields {
		v, ok := obj[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		profile[k] = v
	}
	if len(missing) > 0 {
		return nil, &ShapeError{Reason: "missing keys " + strings.Join(missing, ", "), Raw: out}
	}
	if len(obj) > len(profile) {
		slog.Debug("dropped unexpected business profile keys", "count", len(obj)-len(profile))
	}
	return profile, nil
}

// SummarizeProfile renders a structured profile as one paragraph.
func (a *Analyst) SummarizeProfile(ctx context.Context, profile map[string]any) (string, error) {
	input, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("encoding business profile: %w", err)
	}

	out, err := a.invoker.Invoke(ctx, llm.Request{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: "You are a business analyst. Summarize the following BUSINESS PROFILE JSON into one concise paragraph, preserving all key details and keywords."},
			{Role: "user", Content: string(input)},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FollowupQuestions asks for QuestionCount interview questions about the
// summary. When topic is TopicCompetitors and competitors is non-empty the
// questions reference the competitors by name.
func (a *Analyst) FollowupQuestions(ctx context.Context, summary, topic string, competitors []string) ([]string, error) {
	if strings.TrimSpace(summary) == "" {
		return nil, ErrEmptySummary
	}

	out, err := a.invoker.Invoke(ctx, llm.Request{
		Model:     a.model,
		Messages:  []llm.Message{{Role: "system", Content: followupPrompt(summary, topic, competitors)}},
		MaxTokens: followupMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("follow-up questions raw output", "raw", out)

	arr, err := extract.Array(out)
	if err != nil {
		return nil, err
	}
	questions := make([]string, 0, len(arr))
	for _, v := range arr {
		q, ok := v.(string)
		if !ok {
			return nil, &ShapeError{Reason: fmt.Sprintf("question %v is not a string", v), Raw: out}
		}
		questions = append(questions, q)
	}
	if len(questions) < QuestionCount {
		return nil, &ShapeError{Reason: fmt.Sprintf("expected %d questions, got %d", QuestionCount, len(questions)), Raw: out}
	}
	return questions[:QuestionCount], nil
}

func followupPrompt(summary, topic string, competitors []string) string {
	if topic == TopicCompetitors && len(competitors) > 0 {
		return "You are a business consultant. Given the business summary and these competitors, " +
			"output EXACTLY 3 follow-up questions as a JSON array of strings, " +
			"focused on each competitor's impact and strategy, referencing competitors by name.\n\n" +
			"Business Summary:\n" + summary + "\n\n" +
			"Key Competitors: " + strings.Join(competitors, ", ")
	}
	return "You are a business consultant. Output EXACTLY 3 follow-up questions as a JSON array of strings, " +
		"with no extra text or numbering, based on this summary:\n\n" + summary
}
