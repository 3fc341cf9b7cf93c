package store

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tallyware/tally/internal/conversation"
)

func TestConversationRoundtrip(t *testing.T) {
	s := newTestStore(t)

	c := &conversation.Conversation{
		ID:     NewID(),
		Status: conversation.StatusIdle,
		Messages: []conversation.Message{
			conversation.NewUserText("log 2 liters"),
			conversation.NewAssistantToolCalls([]conversation.ToolCall{
				{ID: "call-1", Tool: "create_document_for_x", Input: json.RawMessage(`{"liters":2}`)},
			}),
			conversation.NewToolMessage([]conversation.ToolResult{
				{ToolCallID: "call-1", Tool: "create_document_for_x", Content: json.RawMessage(`{"document_id":"d1"}`)},
			}),
			conversation.NewAssistantContent("logged it"),
		},
	}
	c.SetIdle()

	if err := s.UpsertConversation(c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConversation(c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != conversation.StatusIdle {
		t.Errorf("status = %s, want idle", got.Status)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(got.Messages))
	}
	if got.Messages[1].ToolCalls[0].ID != "call-1" {
		t.Errorf("tool call ID lost in roundtrip")
	}
	if err := got.Validate(); err != nil {
		t.Errorf("loaded conversation invalid: %v", err)
	}
}

func TestUpsertRejectsInvalidConversation(t *testing.T) {
	s := newTestStore(t)

	c := &conversation.Conversation{
		ID:       NewID(),
		Status:   conversation.StatusError, // error status with no error message
		Messages: []conversation.Message{conversation.NewUserText("hi")},
	}
	if err := s.UpsertConversation(c); err == nil {
		t.Fatal("invalid conversation persisted")
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetConversation("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsOrder(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		c := &conversation.Conversation{
			ID:       id,
			Messages: []conversation.Message{conversation.NewUserText("hi")},
		}
		c.SetIdle()
		if err := s.UpsertConversation(c); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	// Touch "a" so it becomes the most recently updated.
	a, err := s.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	a.Append(conversation.NewUserText("again"))
	a.SetProcessing()
	if err := s.UpsertConversation(a); err != nil {
		t.Fatal(err)
	}

	convs, err := s.ListConversations()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "a" {
		t.Errorf("most recently updated not first: got %s", convs[0].ID)
	}
}
