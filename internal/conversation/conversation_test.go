package conversation

import (
	"errors"
	"testing"
)

func TestConversationStatusTransitions(t *testing.T) {
	c := &Conversation{ID: "c1", Status: StatusIdle}
	c.Append(NewUserText("hello"))

	c.SetProcessing()
	if c.Status != StatusProcessing || c.LastError != "" {
		t.Fatalf("after SetProcessing: status=%s lastError=%q", c.Status, c.LastError)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("processing conversation invalid: %v", err)
	}

	c.SetError(errors.New("model unreachable"))
	if c.Status != StatusError || c.LastError == "" {
		t.Fatalf("after SetError: status=%s lastError=%q", c.Status, c.LastError)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("errored conversation invalid: %v", err)
	}

	c.SetIdle()
	if c.Status != StatusIdle || c.LastError != "" {
		t.Fatalf("after SetIdle: status=%s lastError=%q", c.Status, c.LastError)
	}
}

func TestValidateStatusErrorCoOccurrence(t *testing.T) {
	c := &Conversation{
		ID:        "c1",
		Status:    StatusIdle,
		LastError: "stale error",
		Messages:  []Message{NewUserText("hi")},
	}
	if err := c.Validate(); err == nil {
		t.Error("idle conversation with error accepted")
	}

	c = &Conversation{ID: "c2", Status: StatusError, Messages: []Message{NewUserText("hi")}}
	if err := c.Validate(); err == nil {
		t.Error("errored conversation without error message accepted")
	}

	c = &Conversation{ID: "c3", Status: "sleeping", Messages: []Message{NewUserText("hi")}}
	if err := c.Validate(); err == nil {
		t.Error("unknown status accepted")
	}
}
