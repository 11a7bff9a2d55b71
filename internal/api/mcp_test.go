package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/personas/internal/persona"
	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockRunner, *mockAnalyst) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner := &mockRunner{id: "b1"}
	analyst := &mockAnalyst{}
	return MCPDeps{Runner: runner, Analyst: analyst, Personas: store}, store, runner, analyst
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_GeneratePersonas(t *testing.T) {
	deps, _, runner, _ := newTestMCPDeps(t)
	runner.res = &pipeline.Result{BatchID: "b1", Personas: []persona.Persona{samplePersona("Budget Hunter")}, Labels: []int{0}}
	handler := mcpGeneratePersonas(deps)

	req := makeCallToolRequest("generate_personas", map[string]interface{}{
		"profiles": `[{"customer_id":1,"comment":"cheap"},{"customer_id":2,"comment":"cheaper"}]`,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var res pipeline.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(res.Personas) != 1 || res.Personas[0].Name != "Budget Hunter" {
		t.Errorf("result = %+v", res)
	}
	if len(runner.got) != 2 || runner.got[1].ID != 2 {
		t.Errorf("runner profiles = %+v", runner.got)
	}
}

func TestMCPTool_GeneratePersonas_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		err  error
	}{
		{name: "missing profiles", args: map[string]interface{}{}},
		{name: "invalid json", args: map[string]interface{}{"profiles": "[{"}},
		{name: "bad id", args: map[string]interface{}{"profiles": `[{"customer_id":"x"}]`}},
		{name: "runner failure", args: map[string]interface{}{"profiles": `[{"customer_id":1}]`}, err: errors.New("rate limit: exceeded 5 retries")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _, runner, _ := newTestMCPDeps(t)
			runner.err = tt.err

			result, err := mcpGeneratePersonas(deps)(context.Background(), makeCallToolRequest("generate_personas", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected tool error, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_SummarizeBusiness(t *testing.T) {
	deps, _, _, analyst := newTestMCPDeps(t)
	analyst.profile = map[string]any{"name": "Bean There"}
	analyst.summary = "A coffee shop."

	req := makeCallToolRequest("summarize_business", map[string]interface{}{
		"business":  `{"name":"bean there"}`,
		"paragraph": true,
	})
	result, err := mcpSummarizeBusiness(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var out struct {
		Profile map[string]any `json:"profile"`
		Summary string         `json:"summary"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Profile["name"] != "Bean There" || out.Summary != "A coffee shop." {
		t.Errorf("output = %+v", out)
	}
}

func TestMCPTool_SummarizeBusiness_NoParagraph(t *testing.T) {
	deps, _, _, analyst := newTestMCPDeps(t)
	analyst.profile = map[string]any{"name": "Bean There"}

	req := makeCallToolRequest("summarize_business", map[string]interface{}{"business": `{}`})
	result, _ := mcpSummarizeBusiness(deps)(context.Background(), req)
	if strings.Contains(toolText(t, result), "summary") {
		t.Errorf("summary returned without paragraph flag: %s", toolText(t, result))
	}
}

func TestMCPResource_RecentPersonas(t *testing.T) {
	deps, store, _, _ := newTestMCPDeps(t)
	ctx := context.Background()

	contents, err := mcpResourceRecent(deps)(ctx, makeReadResourceRequest("personas://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; text != "[]" {
		t.Errorf("empty store text = %s, want []", text)
	}

	if err := store.RecordState(ctx, pipeline.Status{BatchID: "b1", State: pipeline.StateDone}); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePersonas(ctx, "b1", []int{0, 1}, []persona.Persona{samplePersona("A"), samplePersona("B")}); err != nil {
		t.Fatal(err)
	}

	contents, err = mcpResourceRecent(deps)(ctx, makeReadResourceRequest("personas://recent"))
	if err != nil {
		t.Fatal(err)
	}
	trc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if trc.URI != "personas://recent" || trc.MIMEType != "application/json" {
		t.Errorf("contents = %+v", trc)
	}
	var got []storage.StoredPersona
	if err := json.Unmarshal([]byte(trc.Text), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Persona.Name != "A" || got[1].ClusterLabel != 1 {
		t.Errorf("personas = %+v", got)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
