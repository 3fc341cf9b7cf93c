// Package tools provides the tool registry and the builtin toolset the
// assistant uses to read and mutate structured records.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tallyware/tally/internal/conversation"
)

// Tool name constants. Document tools embed the collection ID in the
// tool name so the model addresses a specific collection directly.
const (
	CompleteConversationName = "complete_conversation"
	CreateDocumentPrefix     = "create_document_for_"
	UpdateDocumentPrefix     = "update_document_for_"
	GetSchemaName            = "get_schema"
	ListCollectionsName      = "list_collections"
	RenderChartName          = "render_chart"
)

// Spec is the model-facing description of one tool. Parameters is a
// JSON-schema object, built the same way the provider wire formats
// expect it.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Handler is one registry entry. Matches is the discriminant: handlers
// are tried in registration order, so discriminants must be mutually
// exclusive (exact name, or a structural prefix plus an embedded
// collection ID). Execute returns expected domain failures inside the
// result; a non-nil error is reserved for conditions the conversation
// loop cannot reason about (bugs, repository failures).
type Handler interface {
	Matches(name string) bool
	Describe() Spec
	Mutates() bool
	Execute(ctx context.Context, call conversation.ToolCall) (conversation.ToolResult, error)
}

// Registry is an ordered set of handlers for one assistant persona.
type Registry struct {
	handlers []Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends a handler. Registration fails if an existing
// handler already matches the new handler's name — overlapping
// discriminants would make dispatch order-dependent.
func (r *Registry) Register(h Handler) error {
	name := h.Describe().Name
	if existing := r.find(name); existing != nil {
		return fmt.Errorf("tool %q already matched by %q", name, existing.Describe().Name)
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// List returns the model-facing specs in registration order.
func (r *Registry) List() []Spec {
	specs := make([]Spec, 0, len(r.handlers))
	for _, h := range r.handlers {
		specs = append(specs, h.Describe())
	}
	return specs
}

// IsMutating reports whether the named tool mutates persistent state.
// Unknown tools are treated as non-mutating; they can never have
// produced a successful result.
func (r *Registry) IsMutating(name string) bool {
	if h := r.find(name); h != nil {
		return h.Mutates()
	}
	return false
}

func (r *Registry) find(name string) Handler {
	for _, h := range r.handlers {
		if h.Matches(name) {
			return h
		}
	}
	return nil
}

// DispatchAll executes the calls of one assistant message sequentially,
// in the order the model returned them, and produces exactly one result
// per call in the same order.
//
// complete_conversation is only honored as the sole call of a message;
// issued alongside siblings it fails with an InvalidToolCall result
// while the siblings still execute normally.
//
// An unexpected handler error aborts execution: the erroring call gets
// a failure result, every remaining call gets a "not executed" failure
// so the result set still answers the call set completely, and the
// error is returned for the engine to surface.
func (r *Registry) DispatchAll(ctx context.Context, calls []conversation.ToolCall) ([]conversation.ToolResult, error) {
	results := make([]conversation.ToolResult, 0, len(calls))

	for i, call := range calls {
		if call.Tool == CompleteConversationName && len(calls) > 1 {
			r.logger.Warn("rejecting parallel conversation terminator", "tool_call", call.ID)
			results = append(results, failureResult(call,
				"InvalidToolCall: complete_conversation must be the only tool call in its message"))
			continue
		}

		h := r.find(call.Tool)
		if h == nil {
			results = append(results, failureResult(call, fmt.Sprintf("unknown tool %q", call.Tool)))
			continue
		}

		res, err := h.Execute(ctx, call)
		if err != nil {
			results = append(results, failureResult(call, err.Error()))
			for _, rest := range calls[i+1:] {
				results = append(results, failureResult(rest, "not executed: turn aborted"))
			}
			return results, fmt.Errorf("tool %s: %w", call.Tool, err)
		}

		res.ToolCallID = call.ID
		res.Tool = call.Tool
		results = append(results, res)
	}
	return results, nil
}

func failureResult(call conversation.ToolCall, msg string) conversation.ToolResult {
	return conversation.ToolResult{
		ToolCallID: call.ID,
		Tool:       call.Tool,
		Error:      msg,
	}
}

// MutatingToolName reports, from the name alone, whether a tool mutates
// persistent records. Used by the recovery path, which runs before any
// registry has been built for the turn.
func MutatingToolName(name string) bool {
	return strings.HasPrefix(name, CreateDocumentPrefix) ||
		strings.HasPrefix(name, UpdateDocumentPrefix)
}
