package tools

import (
	"context"
	"encoding/json"

	"github.com/tallyware/tally/internal/conversation"
)

// CompleteTool is the reserved turn terminator. The model calls it with
// the final user-facing message when it considers the turn finished; a
// successful result is the engine's signal to stop looping.
type CompleteTool struct{}

type completeInput struct {
	Message string `json:"message"`
}

// Matches implements Handler.
func (CompleteTool) Matches(name string) bool {
	return name == CompleteConversationName
}

// Mutates implements Handler.
func (CompleteTool) Mutates() bool { return false }

// Describe implements Handler.
func (CompleteTool) Describe() Spec {
	return Spec{
		Name:        CompleteConversationName,
		Description: "Finish the conversation turn with a final message to the user. Must be the only tool call in the message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The final reply shown to the user",
				},
			},
			"required": []string{"message"},
		},
	}
}

// Execute implements Handler.
func (CompleteTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	var in completeInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failureResult(call, "invalid input: "+err.Error()), nil
	}
	if in.Message == "" {
		return failureResult(call, "message is required"), nil
	}
	return conversation.ToolResult{
		ToolCallID: call.ID,
		Tool:       call.Tool,
		Content:    call.Input,
	}, nil
}

// Completed reports whether one of the results is a successful
// complete_conversation call, and returns its final message.
func Completed(calls []conversation.ToolCall, results []conversation.ToolResult) (string, bool) {
	for _, res := range results {
		if res.Tool != CompleteConversationName || res.Failed() {
			continue
		}
		for _, call := range calls {
			if call.ID == res.ToolCallID {
				var in completeInput
				if err := json.Unmarshal(call.Input, &in); err == nil {
					return in.Message, true
				}
			}
		}
	}
	return "", false
}
