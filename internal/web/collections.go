package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tallyware/tally/internal/store"
)

type collectionRequest struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

func handleCreateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req collectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "name is required")
			return
		}
		if len(req.Fields) == 0 {
			httpError(w, http.StatusBadRequest, "fields are required")
			return
		}

		col := &store.Collection{Name: req.Name, Fields: req.Fields}
		if err := deps.Store.CreateCollection(col); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, col)
	}
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cols, err := deps.Store.ListCollections()
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cols)
	}
}

func handleGetCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		col, err := deps.Store.GetCollection(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, col)
	}
}

func handleUpdateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req collectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Fields) == 0 {
			httpError(w, http.StatusBadRequest, "fields are required")
			return
		}

		col, err := deps.Store.UpdateCollection(chi.URLParam(r, "id"), req.Fields)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, col)
	}
}

type syncRequest struct {
	SourceURL string `json:"source_url"`
}

// handleSyncCollection enqueues a down-sync job for a collection. The
// pull itself runs on the worker; the response only acknowledges the
// queued job.
func handleSyncCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.SourceURL == "" {
			httpError(w, http.StatusBadRequest, "source_url is required")
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetCollection(id); err != nil {
			serviceError(w, err)
			return
		}

		job, err := deps.Store.EnqueueJob(store.JobDownSyncCollection, map[string]string{
			"collection_id": id,
			"source_url":    req.SourceURL,
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}
