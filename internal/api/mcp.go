package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
)

// RecentPersonaReader returns the personas of the latest completed batch.
type RecentPersonaReader interface {
	RecentPersonas(ctx context.Context) ([]storage.StoredPersona, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runner   PersonaRunner
	Analyst  Analyst
	Personas RecentPersonaReader
}

// NewMCPServer creates an MCP server with the persona tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"personas",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("personas: cluster customer profiles into marketing personas and summarize businesses."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_personas",
			mcp.WithDescription("Embed and cluster customer profiles, then generate one marketing persona per cluster."),
			mcp.WithString("profiles", mcp.Description("JSON array of profile objects, each with an integer customer_id"), mcp.Required()),
		),
		mcpGeneratePersonas(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_business",
			mcp.WithDescription("Normalize raw business questionnaire answers into a structured business profile."),
			mcp.WithString("business", mcp.Description("JSON object of questionnaire answers"), mcp.Required()),
			mcp.WithBoolean("paragraph", mcp.Description("Also return a one-paragraph summary")),
		),
		mcpSummarizeBusiness(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"personas://recent",
			"Recent Personas",
			mcp.WithResourceDescription("Personas from the most recent completed batch"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpGeneratePersonas(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("profiles")
		if err != nil {
			return mcpError("profiles is required"), nil
		}

		var records []map[string]any
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			return mcpError(fmt.Sprintf("invalid profiles JSON: %v", err)), nil
		}
		profiles, err := pipeline.ProfilesFromRecords(records)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Runner.Run(ctx, profiles)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSummarizeBusiness(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("business")
		if err != nil {
			return mcpError("business is required"), nil
		}

		var input map[string]any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return mcpError(fmt.Sprintf("invalid business JSON: %v", err)), nil
		}

		profile, err := deps.Analyst.SummarizeBusiness(ctx, input)
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}

		out := map[string]any{"profile": profile}
		if req.GetBool("paragraph", false) {
			summary, err := deps.Analyst.SummarizeProfile(ctx, profile)
			if err != nil {
				return mcpError(fmt.Sprintf("profile generated but summary failed: %v", err)), nil
			}
			out["summary"] = summary
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal profile: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		personas, err := deps.Personas.RecentPersonas(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent personas: %w", err)
		}
		if personas == nil {
			personas = []storage.StoredPersona{}
		}

		b, err := json.Marshal(personas)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal personas: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
