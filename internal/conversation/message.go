// Package conversation defines the message ledger for assistant
// conversations. Messages are append-only: once a message is part of a
// conversation it is never edited, only followed by newer messages.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is a human-authored message.
	RoleUser Role = "user"

	// RoleDeveloper is a synthetic instruction injected by the
	// application, not authored by the user.
	RoleDeveloper Role = "developer"

	// RoleAssistant is a model-produced message: either a final text
	// reply or a batch of tool calls, never both.
	RoleAssistant Role = "assistant"

	// RoleTool carries the results answering the tool calls of the
	// immediately preceding assistant message.
	RoleTool Role = "tool"
)

// PartKind identifies the payload type of a content part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartFile  PartKind = "file"
	PartAudio PartKind = "audio"
)

// Part is one piece of user or developer content. File and audio parts
// carry either inline bytes (Data) or a reference to already-durable
// storage (Ref), never both.
type Part struct {
	Kind      PartKind `json:"kind"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Ref       string   `json:"ref,omitempty"`
}

// ToolCall is a model-initiated request to execute a named capability.
// The ID is opaque and unique within the turn.
type ToolCall struct {
	ID    string          `json:"id"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Artifact is a durable by-product of a tool execution, such as a
// rendered chart image.
type Artifact struct {
	Kind      string `json:"kind"`
	Ref       string `json:"ref"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolResult is a tool's answer to one ToolCall. A result either
// succeeded (Content, optional Artifacts) or failed (Error non-empty).
// Expected domain failures are encoded here rather than raised, so the
// model can see them and retry with corrected input.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Content    json.RawMessage `json:"content,omitempty"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Failed reports whether the result records a failure.
func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// Message is a tagged union on Role:
//
//   - user/developer: Parts is set
//   - assistant: either Content (final reply) or ToolCalls, never both
//   - tool: Results is set, answering the preceding assistant message
type Message struct {
	Role      Role         `json:"role"`
	Parts     []Part       `json:"parts,omitempty"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	Results   []ToolResult `json:"results,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewUserText builds a user message from a single text part.
func NewUserText(text string) Message {
	return Message{
		Role:      RoleUser,
		Parts:     []Part{{Kind: PartText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// NewDeveloper builds a synthetic instruction message.
func NewDeveloper(text string) Message {
	return Message{
		Role:      RoleDeveloper,
		Parts:     []Part{{Kind: PartText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantContent builds a final assistant reply.
func NewAssistantContent(text string) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantToolCalls builds an assistant message carrying tool calls.
func NewAssistantToolCalls(calls []ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolMessage builds a tool message carrying results.
func NewToolMessage(results []ToolResult) Message {
	return Message{
		Role:      RoleTool,
		Results:   results,
		CreatedAt: time.Now().UTC(),
	}
}

// IsToolCall reports whether m is an assistant tool-call message.
func (m Message) IsToolCall() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsContent reports whether m is a final assistant text reply.
func (m Message) IsContent() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) == 0
}

// LastUserIndex returns the index of the most recent user message, or
// -1 if there is none.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// ValidateSequence checks the structural invariants of a message list:
// a tool message may only follow an assistant tool-call message, and
// its results must answer that message's calls exactly — same length,
// same IDs, same order.
func ValidateSequence(messages []Message) error {
	for i, m := range messages {
		switch m.Role {
		case RoleUser, RoleDeveloper:
			if len(m.Parts) == 0 {
				return fmt.Errorf("message %d: %s message has no content parts", i, m.Role)
			}
		case RoleAssistant:
			if m.Content != "" && len(m.ToolCalls) > 0 {
				return fmt.Errorf("message %d: assistant message has both content and tool calls", i)
			}
		case RoleTool:
			if i == 0 || !messages[i-1].IsToolCall() {
				return fmt.Errorf("message %d: tool message does not follow an assistant tool-call message", i)
			}
			calls := messages[i-1].ToolCalls
			if len(m.Results) != len(calls) {
				return fmt.Errorf("message %d: %d results answering %d tool calls", i, len(m.Results), len(calls))
			}
			for j, call := range calls {
				if m.Results[j].ToolCallID != call.ID {
					return fmt.Errorf("message %d: result %d answers call %q, want %q", i, j, m.Results[j].ToolCallID, call.ID)
				}
			}
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}
