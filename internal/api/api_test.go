package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/personas/internal/business"
	"github.com/kalambet/personas/internal/extract"
	"github.com/kalambet/personas/internal/llm"
	"github.com/kalambet/personas/internal/persona"
	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
	"github.com/kalambet/personas/internal/worker"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockRunner struct {
	res *pipeline.Result
	err error
	id  string
	got []pipeline.Profile
}

func (m *mockRunner) Run(_ context.Context, profiles []pipeline.Profile) (*pipeline.Result, error) {
	m.got = profiles
	return m.res, m.err
}

func (m *mockRunner) NewBatchID() string { return m.id }

type mockAnalyst struct {
	profile   map[string]any
	summary   string
	questions []string
	err       error

	gotSummary     string
	gotTopic       string
	gotCompetitors []string
}

func (m *mockAnalyst) SummarizeBusiness(_ context.Context, raw map[string]any) (map[string]any, error) {
	return m.profile, m.err
}

func (m *mockAnalyst) SummarizeProfile(_ context.Context, profile map[string]any) (string, error) {
	return m.summary, m.err
}

func (m *mockAnalyst) FollowupQuestions(_ context.Context, summary, topic string, competitors []string) ([]string, error) {
	m.gotSummary, m.gotTopic, m.gotCompetitors = summary, topic, competitors
	if m.err != nil {
		return nil, m.err
	}
	if strings.TrimSpace(summary) == "" {
		return nil, business.ErrEmptySummary
	}
	return m.questions, nil
}

// --- helpers ---

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	runner  *mockRunner
	analyst *mockAnalyst
}

func setupHandler(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:   store,
		runner:  &mockRunner{id: "batch-fixed"},
		analyst: &mockAnalyst{},
	}
	env.handler = NewHandler(Deps{
		Runner:  env.runner,
		Batches: store,
		Jobs:    store,
		Analyst: env.analyst,
		Token:   token,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func samplePersona(name string) persona.Persona {
	return persona.Persona{
		Name:              name,
		PainPoints:        []string{"price"},
		MarketingStrategy: persona.MarketingStrategy{Awareness: "ads", Consideration: "reviews", Decision: "trial"},
	}
}

// --- tests ---

func TestHealth(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestAuth(t *testing.T) {
	env := setupHandler(t, testToken)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env.handler, authReq(http.MethodGet, "/v1/batches", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	env := setupHandler(t, "")
	rr := serve(env.handler, authReq(http.MethodGet, "/v1/batches", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestPersonas_Sync(t *testing.T) {
	env := setupHandler(t, testToken)
	env.runner.res = &pipeline.Result{
		BatchID:  "b1",
		Personas: []persona.Persona{samplePersona("Budget Hunter")},
		Labels:   []int{0},
		Sizes:    map[int]int{0: 2},
	}

	body := `{"profiles":[{"customer_id":7,"comment":"too pricey"},{"customer_id":8,"comment":"expensive"}]}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/personas", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var res pipeline.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.BatchID != "b1" || len(res.Personas) != 1 || res.Personas[0].Name != "Budget Hunter" {
		t.Errorf("result = %+v", res)
	}

	if len(env.runner.got) != 2 || env.runner.got[0].ID != 7 || env.runner.got[1].ID != 8 {
		t.Errorf("runner profiles = %+v", env.runner.got)
	}
	if env.runner.got[0].Fields["comment"] != "too pricey" {
		t.Errorf("fields = %v", env.runner.got[0].Fields)
	}
}

func TestPersonas_BadRequests(t *testing.T) {
	env := setupHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing profiles", `{}`},
		{"fractional id", `{"profiles":[{"customer_id":1.5}]}`},
		{"string id", `{"profiles":[{"customer_id":"abc"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env.handler, authReq(http.MethodPost, "/v1/personas", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
			}
		})
	}
	if env.runner.got != nil {
		t.Error("runner called for invalid request")
	}
}

func TestPersonas_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType  string
		wantRaw   string
		wantLabel any
	}{
		{
			name:      "rate limit",
			err:       fmt.Errorf("synthesizing: %w", &persona.SynthesisError{Label: 1, Err: &llm.RateLimitExceededError{Retries: 5}}),
			wantCode:  http.StatusServiceUnavailable,
			wantType:  "rate_limit_error",
			wantLabel: float64(1),
		},
		{
			name:     "rate limit while embedding",
			err:      fmt.Errorf("embedding: %w", &llm.RateLimitExceededError{Retries: 5}),
			wantCode: http.StatusServiceUnavailable,
			wantType: "rate_limit_error",
		},
		{
			name:      "extraction failure",
			err:       fmt.Errorf("synthesizing: %w", &persona.SynthesisError{Label: 2, Raw: "not json", Err: &extract.Error{Reason: "no JSON object found", Raw: "not json"}}),
			wantCode:  http.StatusBadGateway,
			wantType:  "synthesis_error",
			wantRaw:   "not json",
			wantLabel: float64(2),
		},
		{
			name:     "upstream",
			err:      fmt.Errorf("embedding: %w", &llm.UpstreamError{StatusCode: 500, Body: "boom"}),
			wantCode: http.StatusBadGateway,
			wantType: "api_error",
		},
		{
			name:     "unknown",
			err:      fmt.Errorf("storing personas: disk full"),
			wantCode: http.StatusInternalServerError,
			wantType: "api_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t, testToken)
			env.runner.err = tt.err

			rr := serve(env.handler, authReq(http.MethodPost, "/v1/personas", `{"profiles":[{"customer_id":1}]}`, testToken))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			e := errorBody(t, rr)
			if e["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", e["type"], tt.wantType)
			}
			if tt.wantRaw != "" && e["raw"] != tt.wantRaw {
				t.Errorf("raw = %v, want %q", e["raw"], tt.wantRaw)
			}
			if e["cluster_label"] != tt.wantLabel {
				t.Errorf("cluster_label = %v, want %v", e["cluster_label"], tt.wantLabel)
			}
			if tt.wantType == "rate_limit_error" && e["retries"] != float64(5) {
				t.Errorf("retries = %v, want 5", e["retries"])
			}
		})
	}
}

func TestPersonas_Async(t *testing.T) {
	env := setupHandler(t, testToken)
	ctx := context.Background()

	body := `{"async":true,"profiles":[{"customer_id":1,"comment":"a"},{"customer_id":2,"comment":"b"}]}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/personas", body, testToken))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["batch_id"] != "batch-fixed" || resp["state"] != "PENDING" {
		t.Errorf("response = %v", resp)
	}
	if env.runner.got != nil {
		t.Error("async request ran synchronously")
	}

	b, err := env.store.GetBatch(ctx, "batch-fixed")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.State != "PENDING" || b.ProfileCount != 2 {
		t.Errorf("batch = %+v", b)
	}

	job, err := env.store.GetJob(ctx, "batch-fixed")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != worker.JobType || job.MaxAttempts != 1 {
		t.Errorf("job = %+v", job)
	}
	var p worker.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatal(err)
	}
	if p.BatchID != "batch-fixed" || len(p.Profiles) != 2 {
		t.Errorf("payload = %+v", p)
	}
}

func TestPersonas_AsyncDisabled(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	h := NewHandler(Deps{Runner: &mockRunner{}, Batches: store, Analyst: &mockAnalyst{}})

	rr := serve(h, authReq(http.MethodPost, "/v1/personas", `{"async":true,"profiles":[]}`, ""))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCommentPersonas(t *testing.T) {
	env := setupHandler(t, testToken)
	env.runner.res = &pipeline.Result{BatchID: "b1", Personas: []persona.Persona{}}

	body := `{"What do you dislike?":["price"," ","ads"],"Why did you join?":["friends"]}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/comment_personas", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var texts []string
	for _, p := range env.runner.got {
		texts = append(texts, p.Fields["text"].(string))
	}
	if want := []string{"price", "ads", "friends"}; !reflect.DeepEqual(texts, want) {
		t.Errorf("texts = %v, want %v", texts, want)
	}
}

func TestCommentPersonas_NoComments(t *testing.T) {
	for _, body := range []string{`{}`, `{"Why did you leave?":[" ",""]}`} {
		env := setupHandler(t, testToken)
		rr := serve(env.handler, authReq(http.MethodPost, "/v1/comment_personas", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
			continue
		}
		if e := errorBody(t, rr); e["type"] != "invalid_request_error" {
			t.Errorf("body %s: type = %v", body, e["type"])
		}
		if env.runner.got != nil {
			t.Errorf("body %s: runner called", body)
		}
	}
}

func TestBatches(t *testing.T) {
	env := setupHandler(t, testToken)
	ctx := context.Background()

	if err := env.store.RecordState(ctx, pipeline.Status{BatchID: "b1", State: pipeline.StateDone, ProfileCount: 3, ClusterCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SavePersonas(ctx, "b1", []int{0}, []persona.Persona{samplePersona("Night Owl")}); err != nil {
		t.Fatal(err)
	}

	rr := serve(env.handler, authReq(http.MethodGet, "/v1/batches?limit=5", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var batches []storage.Batch
	json.NewDecoder(rr.Body).Decode(&batches)
	if len(batches) != 1 || batches[0].ID != "b1" {
		t.Errorf("batches = %+v", batches)
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/v1/batches/b1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var detail BatchDetail
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.State != "DONE" || len(detail.Personas) != 1 || detail.Personas[0].Persona.Name != "Night Owl" {
		t.Errorf("detail = %+v", detail)
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/v1/batches/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing batch status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestBatches_EmptyList(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodGet, "/v1/batches", "", testToken))
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestSummarizeBusiness(t *testing.T) {
	env := setupHandler(t, testToken)
	env.analyst.profile = map[string]any{"name": "Bean There"}

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/business/summarize", `{"business":{"name":"bean there"}}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	json.NewDecoder(rr.Body).Decode(&got)
	if got["name"] != "Bean There" {
		t.Errorf("profile = %v", got)
	}

	rr = serve(env.handler, authReq(http.MethodPost, "/v1/business/summarize", `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing business status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSummarizeBusiness_ShapeError(t *testing.T) {
	env := setupHandler(t, testToken)
	env.analyst.err = &business.ShapeError{Reason: "missing keys usp", Raw: `{"name":"x"}`}

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/business/summarize", `{"business":{}}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	if e := errorBody(t, rr); e["raw"] != `{"name":"x"}` {
		t.Errorf("raw = %v", e["raw"])
	}
}

func TestProfileSummary(t *testing.T) {
	env := setupHandler(t, testToken)
	env.analyst.summary = "A coffee shop."

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/business/profile_summary", `{"name":"Bean There"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]string
	json.NewDecoder(rr.Body).Decode(&got)
	if got["summary"] != "A coffee shop." {
		t.Errorf("summary = %v", got)
	}
}

func TestFollowups(t *testing.T) {
	env := setupHandler(t, testToken)
	env.analyst.questions = []string{"a?", "b?", "c?"}

	body := `{"summary":"A coffee shop.","topic":"competitors","competitors":["Starbucks"]}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/followups", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got map[string][]string
	json.NewDecoder(rr.Body).Decode(&got)
	if !reflect.DeepEqual(got["questions"], []string{"a?", "b?", "c?"}) {
		t.Errorf("questions = %v", got)
	}
	if env.analyst.gotTopic != "competitors" || !reflect.DeepEqual(env.analyst.gotCompetitors, []string{"Starbucks"}) {
		t.Errorf("analyst got topic %q competitors %v", env.analyst.gotTopic, env.analyst.gotCompetitors)
	}

	rr = serve(env.handler, authReq(http.MethodPost, "/v1/followups", `{"summary":""}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty summary status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}
