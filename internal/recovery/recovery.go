// Package recovery decides what part of a failed turn can be replayed.
// The hard contract: recovery never causes a successful, already-applied
// mutating tool call to execute a second time.
package recovery

import (
	"log/slog"

	"github.com/tallyware/tally/internal/conversation"
)

// HadSideEffects scans backward from the end of the history until (and
// excluding) the most recent user message, and reports whether any tool
// message contains a successful result for a state-mutating tool. Only
// the failed turn is inspected: earlier turns' side effects are settled
// history.
func HadSideEffects(messages []conversation.Message, mutating func(tool string) bool) bool {
	lastUser := conversation.LastUserIndex(messages)
	for i := len(messages) - 1; i > lastUser; i-- {
		if messages[i].Role != conversation.RoleTool {
			continue
		}
		for _, res := range messages[i].Results {
			if !res.Failed() && mutating(res.Tool) {
				return true
			}
		}
	}
	return false
}

// SliceToLastUserMessage returns the prefix ending at the most recent
// user message, discarding everything attempted since. Returns the
// history unchanged when it contains no user message.
func SliceToLastUserMessage(messages []conversation.Message) []conversation.Message {
	idx := conversation.LastUserIndex(messages)
	if idx < 0 {
		return messages
	}
	return messages[:idx+1]
}

// Plan selects the resumption history for a conversation left in the
// error state.
//
// If the failed turn already performed side effects, the turn resumes
// on the history exactly as it stood at failure — partial tool results
// included — so the model decides the next step with full visibility of
// what already happened; re-dispatching the recorded calls would
// duplicate their mutations. If nothing persistent happened, the turn
// restarts cleanly from the last user message.
func Plan(messages []conversation.Message, mutating func(tool string) bool, logger *slog.Logger) []conversation.Message {
	if logger == nil {
		logger = slog.Default()
	}
	if HadSideEffects(messages, mutating) {
		logger.Info("recovery resuming in place", "messages", len(messages))
		return messages
	}
	sliced := SliceToLastUserMessage(messages)
	logger.Info("recovery restarting from last user message",
		"messages", len(messages), "kept", len(sliced))
	return sliced
}
