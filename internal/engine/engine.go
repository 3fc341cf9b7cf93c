// Package engine drives the request/act/observe loop of one
// conversation turn: ask the inference service for the next assistant
// message, dispatch any tool calls it contains, feed the results back,
// and repeat until the model produces a final reply or the turn fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/tools"
)

// DefaultMaxIterations bounds the loop against a model that never
// terminates. The observed ceiling in practice is low single digits;
// 25 is a safety net, not a tuning knob.
const DefaultMaxIterations = 25

// InferenceService produces the next assistant message for a history
// and a tool list. It rejects rather than degrades: any provider or
// transport problem is an error, never a partial reply.
type InferenceService interface {
	GenerateNextMessage(ctx context.Context, messages []conversation.Message, toolSpecs []tools.Spec) (conversation.Message, error)
}

// Sink persists conversation state. The engine writes through it after
// every appended message so that a crash mid-turn loses at most the
// message currently being produced, never a recorded tool result.
type Sink interface {
	Persist(ctx context.Context, conv *conversation.Conversation) error
}

// ErrPersist wraps sink failures. Callers use it to tell a failed turn
// (user-recoverable, conversation in error state) from a failed write
// (infrastructure problem, the job itself must fail).
var ErrPersist = errors.New("persisting conversation")

// Outcome is the terminal state of one turn.
type Outcome struct {
	Messages []conversation.Message
	Status   conversation.Status
	Err      error
}

// Engine runs conversation turns. It holds no per-conversation state;
// one engine serves all turns.
type Engine struct {
	logger        *slog.Logger
	maxIterations int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxIterations overrides the loop bound.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// New creates an Engine.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger, maxIterations: DefaultMaxIterations}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one turn against conv, mutating it in place and writing
// every state change through sink. The returned outcome mirrors the
// conversation's final messages and status.
//
// The inference call and each tool execution are the only suspension
// points; tool calls within one message run sequentially in the order
// the model returned them.
func (e *Engine) Run(ctx context.Context, conv *conversation.Conversation, reg *tools.Registry, svc InferenceService, sink Sink) Outcome {
	specs := reg.List()

	for iter := 0; iter < e.maxIterations; iter++ {
		reply, err := svc.GenerateNextMessage(ctx, conv.Messages, specs)
		if err != nil {
			return e.fail(ctx, conv, sink, fmt.Errorf("generating next message: %w", err))
		}

		switch {
		case reply.IsContent():
			conv.Append(reply)
			conv.SetIdle()
			if err := e.persist(ctx, conv, sink); err != nil {
				return Outcome{Messages: conv.Messages, Status: conv.Status, Err: err}
			}
			e.logger.Info("turn completed", "conversation", conv.ID, "iterations", iter+1)
			return Outcome{Messages: conv.Messages, Status: conversation.StatusIdle}

		case reply.IsToolCall():
			conv.Append(reply)
			if err := e.persist(ctx, conv, sink); err != nil {
				return Outcome{Messages: conv.Messages, Status: conv.Status, Err: err}
			}

			results, dispatchErr := reg.DispatchAll(ctx, reply.ToolCalls)
			conv.Append(conversation.NewToolMessage(results))
			if dispatchErr != nil {
				// The tool message is complete (aborted calls carry
				// failure results), so it is persisted with the error.
				return e.fail(ctx, conv, sink, fmt.Errorf("dispatching tools: %w", dispatchErr))
			}
			if err := e.persist(ctx, conv, sink); err != nil {
				return Outcome{Messages: conv.Messages, Status: conv.Status, Err: err}
			}

			if final, ok := tools.Completed(reply.ToolCalls, results); ok {
				conv.Append(conversation.NewAssistantContent(final))
				conv.SetIdle()
				if err := e.persist(ctx, conv, sink); err != nil {
					return Outcome{Messages: conv.Messages, Status: conv.Status, Err: err}
				}
				e.logger.Info("turn completed by terminator", "conversation", conv.ID, "iterations", iter+1)
				return Outcome{Messages: conv.Messages, Status: conversation.StatusIdle}
			}

		default:
			return e.fail(ctx, conv, sink, fmt.Errorf("inference returned unsupported message role %q", reply.Role))
		}
	}

	return e.fail(ctx, conv, sink, fmt.Errorf("no terminal state after %d iterations", e.maxIterations))
}

// fail records the cause on the conversation and persists the error
// state. A sink failure takes precedence in the outcome: it means even
// the error state could not be saved.
func (e *Engine) fail(ctx context.Context, conv *conversation.Conversation, sink Sink, cause error) Outcome {
	e.logger.Warn("turn failed", "conversation", conv.ID, "error", cause)
	conv.SetError(cause)
	if err := e.persist(ctx, conv, sink); err != nil {
		return Outcome{Messages: conv.Messages, Status: conv.Status, Err: err}
	}
	return Outcome{Messages: conv.Messages, Status: conversation.StatusError, Err: cause}
}

func (e *Engine) persist(ctx context.Context, conv *conversation.Conversation, sink Sink) error {
	if err := sink.Persist(ctx, conv); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
