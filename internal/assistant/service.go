// Package assistant exposes the conversation lifecycle operations the
// API serves: starting, continuing, and recovering conversations. All
// turn execution happens through the job queue; this package only
// prepares state and enqueues.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/recovery"
	"github.com/tallyware/tally/internal/store"
	"github.com/tallyware/tally/internal/tools"
)

// Sentinel errors the API layer maps to status codes.
var (
	// ErrBusy is returned when a message or recovery is attempted while
	// a turn is already queued or running.
	ErrBusy = errors.New("conversation is processing")

	// ErrInError is returned when a new message is sent to a
	// conversation in the error state; it must be recovered first.
	ErrInError = errors.New("conversation is in error state; recover it first")

	// ErrNotInError is returned when recovery is requested for a
	// conversation that has nothing to recover from.
	ErrNotInError = errors.New("conversation is not in error state")

	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message text is empty")
)

// Service implements the conversation use cases on top of the store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// View is a conversation plus derived presentation state.
type View struct {
	*conversation.Conversation

	// Stale reports that collection schemas changed since the turn that
	// produced the current state. Informational only; a stale
	// conversation still accepts messages.
	Stale bool `json:"stale"`
}

// Start creates a conversation seeded with one user message and
// enqueues its first turn.
func (s *Service) Start(ctx context.Context, text string) (*conversation.Conversation, *store.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyMessage
	}

	now := time.Now().UTC()
	conv := &conversation.Conversation{
		ID:        store.NewID(),
		Messages:  []conversation.Message{conversation.NewUserText(text)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv.SetProcessing()

	job, err := s.store.EnqueueTurn(conv)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueuing first turn: %w", err)
	}

	s.logger.Info("conversation started", "conversation", conv.ID, "job", job.ID)
	return conv, job, nil
}

// Continue appends a user message to an idle conversation and enqueues
// the next turn. Busy and errored conversations are rejected; the
// latter must go through Recover so a failed turn is never silently
// papered over.
func (s *Service) Continue(ctx context.Context, id, text string) (*conversation.Conversation, *store.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyMessage
	}

	conv, err := s.store.GetConversation(id)
	if err != nil {
		return nil, nil, err
	}
	switch conv.Status {
	case conversation.StatusProcessing:
		return nil, nil, ErrBusy
	case conversation.StatusError:
		return nil, nil, ErrInError
	}

	conv.Append(conversation.NewUserText(text))
	conv.SetProcessing()

	job, err := s.store.EnqueueTurn(conv)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueuing turn: %w", err)
	}

	s.logger.Info("conversation continued", "conversation", conv.ID, "job", job.ID)
	return conv, job, nil
}

// Recover re-enqueues a conversation left in the error state. The
// resumption history is chosen by the recovery plan: in place when the
// failed turn already mutated records, restarted from the last user
// message when it did not. Recovering twice in a row is safe; the plan
// is a pure function of the history.
func (s *Service) Recover(ctx context.Context, id string) (*conversation.Conversation, *store.Job, error) {
	conv, err := s.store.GetConversation(id)
	if err != nil {
		return nil, nil, err
	}
	if conv.Status == conversation.StatusProcessing {
		return nil, nil, ErrBusy
	}
	if conv.Status != conversation.StatusError {
		return nil, nil, ErrNotInError
	}

	conv.Messages = recovery.Plan(conv.Messages, tools.MutatingToolName, s.logger)
	conv.SetProcessing()

	job, err := s.store.EnqueueTurn(conv)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueuing recovery turn: %w", err)
	}

	s.logger.Info("conversation recovery enqueued", "conversation", conv.ID, "job", job.ID)
	return conv, job, nil
}

// Get loads a conversation with its staleness flag.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	conv, err := s.store.GetConversation(id)
	if err != nil {
		return nil, err
	}

	current, err := s.currentFingerprint()
	if err != nil {
		return nil, err
	}
	return &View{
		Conversation: conv,
		Stale:        conv.ContextFingerprint != "" && conv.ContextFingerprint != current,
	}, nil
}

// List returns all conversations with staleness flags, most recently
// active first.
func (s *Service) List(ctx context.Context) ([]*View, error) {
	convs, err := s.store.ListConversations()
	if err != nil {
		return nil, err
	}

	current, err := s.currentFingerprint()
	if err != nil {
		return nil, err
	}

	views := make([]*View, 0, len(convs))
	for _, conv := range convs {
		views = append(views, &View{
			Conversation: conv,
			Stale:        conv.ContextFingerprint != "" && conv.ContextFingerprint != current,
		})
	}
	return views, nil
}

func (s *Service) currentFingerprint() (string, error) {
	collections, err := s.store.ListCollections()
	if err != nil {
		return "", fmt.Errorf("listing collections: %w", err)
	}
	return store.ContextFingerprint(collections), nil
}
