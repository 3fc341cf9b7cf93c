// Package web exposes the HTTP API: conversations, collections, and
// the job queue. Handlers are thin — validation and status mapping
// here, behavior in the assistant usecases and the store.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tallyware/tally/internal/assistant"
	"github.com/tallyware/tally/internal/buildinfo"
	"github.com/tallyware/tally/internal/store"
)

const maxBodySize = 1 << 20 // 1MB

// Deps carries everything the handlers need.
type Deps struct {
	Service *assistant.Service
	Store   *store.Store
	Logger  *slog.Logger
}

// NewHandler builds the API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations", handleStartConversation(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Post("/conversations/{id}/messages", handleContinueConversation(deps))
		r.Post("/conversations/{id}/recover", handleRecoverConversation(deps))

		r.Post("/collections", handleCreateCollection(deps))
		r.Get("/collections", handleListCollections(deps))
		r.Get("/collections/{id}", handleGetCollection(deps))
		r.Patch("/collections/{id}", handleUpdateCollection(deps))
		r.Post("/collections/{id}/sync", handleSyncCollection(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"build":  buildinfo.Info(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
