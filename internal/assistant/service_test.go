package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/store"
	"github.com/tallyware/tally/internal/tools"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, nil), s
}

func TestStart(t *testing.T) {
	svc, s := newTestService(t)

	conv, job, err := svc.Start(context.Background(), "log 2 liters")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conv.Status != conversation.StatusProcessing {
		t.Errorf("status = %s, want processing", conv.Status)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Role != conversation.RoleUser {
		t.Errorf("messages = %+v", conv.Messages)
	}

	queued, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Name != store.JobProcessConversation {
		t.Errorf("job name = %s", queued.Name)
	}
}

func TestStartRejectsEmptyText(t *testing.T) {
	svc, _ := newTestService(t)
	if _, _, err := svc.Start(context.Background(), "  \n "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestContinueGuards(t *testing.T) {
	svc, s := newTestService(t)

	conv, _, err := svc.Start(context.Background(), "first")
	if err != nil {
		t.Fatal(err)
	}

	// Still processing: busy.
	if _, _, err := svc.Continue(context.Background(), conv.ID, "more"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	// Simulate a finished turn.
	conv, err = s.GetConversation(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	conv.Append(conversation.NewAssistantContent("done"))
	conv.SetIdle()
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	got, _, err := svc.Continue(context.Background(), conv.ID, "more")
	if err != nil {
		t.Fatalf("continue idle conversation: %v", err)
	}
	if got.Status != conversation.StatusProcessing || len(got.Messages) != 3 {
		t.Errorf("status=%s messages=%d", got.Status, len(got.Messages))
	}

	// Errored conversations must be recovered, not continued.
	conv, _ = s.GetConversation(conv.ID)
	conv.SetError(errors.New("model unreachable"))
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Continue(context.Background(), conv.ID, "more"); !errors.Is(err, ErrInError) {
		t.Fatalf("err = %v, want ErrInError", err)
	}

	if _, _, err := svc.Continue(context.Background(), "missing", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecoverRequiresErrorState(t *testing.T) {
	svc, s := newTestService(t)

	conv, _, err := svc.Start(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Recover(context.Background(), conv.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("recovering a processing conversation: err = %v, want ErrBusy", err)
	}

	conv, _ = s.GetConversation(conv.ID)
	conv.Append(conversation.NewAssistantContent("done"))
	conv.SetIdle()
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Recover(context.Background(), conv.ID); !errors.Is(err, ErrNotInError) {
		t.Fatalf("recovering an idle conversation: err = %v, want ErrNotInError", err)
	}
}

// Recovery of a turn without side effects restarts from the last user
// message: the failed attempt's tool activity disappears from the
// resumption history.
func TestRecoverSlicesWhenNoSideEffects(t *testing.T) {
	svc, s := newTestService(t)

	read := conversation.ToolCall{ID: "c1", Tool: tools.GetSchemaName, Input: json.RawMessage(`{}`)}
	conv := &conversation.Conversation{
		ID: store.NewID(),
		Messages: []conversation.Message{
			conversation.NewUserText("what is my schema"),
			conversation.NewAssistantToolCalls([]conversation.ToolCall{read}),
			conversation.NewToolMessage([]conversation.ToolResult{
				{ToolCallID: "c1", Tool: tools.GetSchemaName, Content: json.RawMessage(`{}`)},
			}),
		},
	}
	conv.SetError(errors.New("connection reset"))
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	got, job, err := svc.Recover(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != conversation.RoleUser {
		t.Errorf("resumption history = %d messages", len(got.Messages))
	}
	if got.Status != conversation.StatusProcessing {
		t.Errorf("status = %s", got.Status)
	}
	if job == nil {
		t.Error("no job enqueued")
	}
}

// Recovery after a successful mutation resumes in place so the applied
// tool result stays visible and is never re-executed.
func TestRecoverResumesInPlaceAfterSideEffects(t *testing.T) {
	svc, s := newTestService(t)

	create := conversation.ToolCall{
		ID:    "c1",
		Tool:  tools.CreateDocumentPrefix + "col-1",
		Input: json.RawMessage(`{"liters": 2}`),
	}
	conv := &conversation.Conversation{
		ID: store.NewID(),
		Messages: []conversation.Message{
			conversation.NewUserText("log 2 liters"),
			conversation.NewAssistantToolCalls([]conversation.ToolCall{create}),
			conversation.NewToolMessage([]conversation.ToolResult{
				{ToolCallID: "c1", Tool: create.Tool, Content: json.RawMessage(`{"document_id":"d1"}`)},
			}),
		},
	}
	conv.SetError(errors.New("connection reset"))
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	got, _, err := svc.Recover(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Errorf("resumption history = %d messages, want full 3", len(got.Messages))
	}
}

func TestGetReportsStaleness(t *testing.T) {
	svc, s := newTestService(t)

	col := &store.Collection{Name: "water", Fields: map[string]any{"liters": "number"}}
	if err := s.CreateCollection(col); err != nil {
		t.Fatal(err)
	}

	collections, _ := s.ListCollections()
	conv := &conversation.Conversation{
		ID:                 store.NewID(),
		Messages:           []conversation.Message{conversation.NewUserText("hi")},
		ContextFingerprint: store.ContextFingerprint(collections),
	}
	conv.SetIdle()
	if err := s.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	view, err := svc.Get(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Stale {
		t.Error("fresh conversation flagged stale")
	}

	// A schema change bumps the collection version and invalidates the
	// stamped fingerprint.
	if _, err := s.UpdateCollection(col.ID, map[string]any{"liters": "number", "note": "string"}); err != nil {
		t.Fatal(err)
	}
	view, err = svc.Get(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Stale {
		t.Error("conversation not flagged stale after schema change")
	}
}
