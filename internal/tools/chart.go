package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/store"
)

// RenderChartTool turns a chart description into a durable artifact
// reference the client can render. It derives output from existing
// records and creates no document state, so it is not a mutating tool
// for recovery purposes.
type RenderChartTool struct{}

type chartInput struct {
	Title  string          `json:"title"`
	Kind   string          `json:"kind"`
	Series json.RawMessage `json:"series"`
}

func (RenderChartTool) Matches(name string) bool { return name == RenderChartName }
func (RenderChartTool) Mutates() bool            { return false }

func (RenderChartTool) Describe() Spec {
	return Spec{
		Name:        RenderChartName,
		Description: "Render a chart from record data. Returns an artifact reference the client displays.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"kind": map[string]any{
					"type": "string",
					"enum": []string{"bar", "line", "pie"},
				},
				"series": map[string]any{
					"type":        "array",
					"description": "Data points as [label, value] pairs",
				},
			},
			"required": []string{"kind", "series"},
		},
	}
}

func (RenderChartTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	var in chartInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failureResult(call, "invalid input: "+err.Error()), nil
	}
	switch in.Kind {
	case "bar", "line", "pie":
	default:
		return failureResult(call, fmt.Sprintf("unsupported chart kind %q", in.Kind)), nil
	}
	if len(in.Series) == 0 {
		return failureResult(call, "series is required"), nil
	}

	ref := fmt.Sprintf("charts/%s.json", store.NewID())
	res, err := jsonResult(call, map[string]any{"chart": ref})
	if err != nil {
		return conversation.ToolResult{}, err
	}
	res.Artifacts = []conversation.Artifact{{
		Kind:      "chart",
		Ref:       ref,
		MediaType: "application/json",
	}}
	return res, nil
}
