package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/tallyware/tally/internal/assistant"
	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/store"
)

type messageRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Conversation *conversation.Conversation `json:"conversation"`
	JobID        string                     `json:"job_id"`
}

func handleStartConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeMessage(w, r)
		if !ok {
			return
		}

		conv, job, err := deps.Service.Start(r.Context(), req.Text)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, turnResponse{Conversation: conv, JobID: job.ID})
	}
}

func handleContinueConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeMessage(w, r)
		if !ok {
			return
		}

		conv, job, err := deps.Service.Continue(r.Context(), chi.URLParam(r, "id"), req.Text)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, turnResponse{Conversation: conv, JobID: job.ID})
	}
}

func handleRecoverConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, job, err := deps.Service.Recover(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, turnResponse{Conversation: conv, JobID: job.ID})
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := deps.Service.List(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// renderedMessage mirrors a ledger message plus the HTML rendering of
// assistant markdown, attached on request with ?render=html.
type renderedMessage struct {
	conversation.Message
	ContentHTML string `json:"content_html,omitempty"`
}

type renderedView struct {
	*assistant.View
	Rendered []renderedMessage `json:"rendered,omitempty"`
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}

		out := renderedView{View: view}
		if r.URL.Query().Get("render") == "html" {
			out.Rendered = renderMessages(view.Messages, deps)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// renderMessages converts assistant markdown replies to HTML. A render
// failure degrades to the raw markdown rather than failing the request.
func renderMessages(messages []conversation.Message, deps Deps) []renderedMessage {
	out := make([]renderedMessage, 0, len(messages))
	for _, m := range messages {
		rm := renderedMessage{Message: m}
		if m.IsContent() && m.Content != "" {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(m.Content), &buf); err != nil {
				deps.Logger.Warn("markdown render failed", "error", err)
			} else {
				rm.ContentHTML = buf.String()
			}
		}
		out = append(out, rm)
	}
	return out
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (messageRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return messageRequest{}, false
	}
	return req, true
}

// serviceError maps usecase errors to status codes.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "not found")
	case errors.Is(err, assistant.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, assistant.ErrBusy):
		httpError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, assistant.ErrInError), errors.Is(err, assistant.ErrNotInError):
		httpError(w, http.StatusConflict, "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}
