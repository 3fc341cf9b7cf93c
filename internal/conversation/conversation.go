package conversation

import (
	"fmt"
	"time"
)

// Status is the externally visible lifecycle state of a conversation.
type Status string

const (
	// StatusIdle means the last turn finished with an assistant reply
	// and the conversation is ready for the next user message.
	StatusIdle Status = "idle"

	// StatusProcessing means a turn is queued or running. Callers see
	// the conversation as busy; no partial assistant text is visible.
	StatusProcessing Status = "processing"

	// StatusError means the last turn aborted. LastError carries the
	// cause and the conversation can be recovered.
	StatusError Status = "error"
)

// Conversation is the append-only ledger of one assistant conversation.
// Insertion order of Messages is causal order. Only the engine and the
// recovery path mutate it.
type Conversation struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
	Status   Status    `json:"status"`

	// LastError is set iff Status is StatusError.
	LastError string `json:"last_error,omitempty"`

	// ContextFingerprint hashes the schema versions that were visible
	// to the assistant when the conversation was last evaluated. A
	// mismatch against the current fingerprint flags staleness, not
	// incorrectness.
	ContextFingerprint string `json:"context_fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a message to the ledger and refreshes UpdatedAt.
func (c *Conversation) Append(m Message) {
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now().UTC()
}

// SetIdle marks the turn finished cleanly.
func (c *Conversation) SetIdle() {
	c.Status = StatusIdle
	c.LastError = ""
	c.UpdatedAt = time.Now().UTC()
}

// SetProcessing marks a turn as queued or running.
func (c *Conversation) SetProcessing() {
	c.Status = StatusProcessing
	c.LastError = ""
	c.UpdatedAt = time.Now().UTC()
}

// SetError records a failed turn. The cause must be non-nil.
func (c *Conversation) SetError(cause error) {
	c.Status = StatusError
	c.LastError = cause.Error()
	c.UpdatedAt = time.Now().UTC()
}

// Validate checks the status/error co-occurrence invariant and the
// structural message invariants.
func (c *Conversation) Validate() error {
	switch c.Status {
	case StatusIdle, StatusProcessing:
		if c.LastError != "" {
			return fmt.Errorf("conversation %s: status %s with non-empty error %q", c.ID, c.Status, c.LastError)
		}
	case StatusError:
		if c.LastError == "" {
			return fmt.Errorf("conversation %s: status error with empty error", c.ID)
		}
	default:
		return fmt.Errorf("conversation %s: unknown status %q", c.ID, c.Status)
	}
	return ValidateSequence(c.Messages)
}
