package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/engine"
	"github.com/tallyware/tally/internal/httpkit"
	"github.com/tallyware/tally/internal/store"
	"github.com/tallyware/tally/internal/tools"
)

// storeSink adapts the repository to the engine's persistence hook.
type storeSink struct {
	store *store.Store
}

func (s storeSink) Persist(_ context.Context, conv *conversation.Conversation) error {
	return s.store.UpsertConversation(conv)
}

// ConversationProcessor handles process_conversation jobs: it runs the
// engine against the referenced conversation and relies on the engine
// to persist messages and status as the turn progresses.
//
// A conversation ending in the error state is a legitimate,
// user-recoverable outcome, not a worker failure — the job still
// succeeds. Only infrastructure failures (the repository rejecting
// writes) fail the job.
type ConversationProcessor struct {
	Store     *store.Store
	Engine    *engine.Engine
	Inference engine.InferenceService
	Logger    *slog.Logger
}

type processPayload struct {
	ConversationID string `json:"conversation_id"`
}

func (p *ConversationProcessor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Handle implements Handler for process_conversation.
func (p *ConversationProcessor) Handle(ctx context.Context, job *store.Job) error {
	var payload processPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	conv, err := p.Store.GetConversation(payload.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", payload.ConversationID, err)
	}

	reg, err := tools.BuildRegistry(p.Store, p.Logger)
	if err != nil {
		return p.failConversation(conv, fmt.Errorf("building tool registry: %w", err))
	}

	// Stamp the schema set this turn is evaluated against.
	collections, err := p.Store.ListCollections()
	if err != nil {
		return p.failConversation(conv, fmt.Errorf("listing collections: %w", err))
	}
	conv.ContextFingerprint = store.ContextFingerprint(collections)

	outcome := p.Engine.Run(ctx, conv, reg, p.Inference, storeSink{store: p.Store})
	if outcome.Err != nil && errors.Is(outcome.Err, engine.ErrPersist) {
		return p.failConversation(conv, outcome.Err)
	}
	if outcome.Err != nil {
		p.logger().Info("conversation turn ended in error state",
			"conversation", conv.ID, "error", outcome.Err)
	}
	return nil
}

// failConversation records cause on the conversation so it does not
// stay Processing forever when its job fails — a Processing conversation
// rejects both Continue and Recover, and nothing else reconciles it.
// The write is best-effort: the job fails with cause either way.
func (p *ConversationProcessor) failConversation(conv *conversation.Conversation, cause error) error {
	conv.SetError(cause)
	if err := p.Store.UpsertConversation(conv); err != nil {
		p.logger().Error("recording job failure on conversation",
			"conversation", conv.ID, "error", err)
	}
	return cause
}

// CollectionFetcher pulls a remote collection snapshot. Implemented by
// the HTTP client below; tests substitute their own.
type CollectionFetcher interface {
	FetchDocuments(ctx context.Context, sourceURL string) ([]RemoteDocument, error)
}

// RemoteDocument is one record in a remote collection snapshot.
type RemoteDocument struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// DownSyncProcessor handles down_sync_collection jobs: it fetches the
// documents of a remote collection and upserts them locally. Each
// remote document maps to a deterministic origin ID, and changed
// remote fields land as a new version keyed on a content hash, so
// re-running a sync never duplicates records or versions.
type DownSyncProcessor struct {
	Store   *store.Store
	Fetcher CollectionFetcher
	Logger  *slog.Logger
}

type downSyncPayload struct {
	CollectionID string `json:"collection_id"`
	SourceURL    string `json:"source_url"`
}

func (p *DownSyncProcessor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Handle implements Handler for down_sync_collection.
func (p *DownSyncProcessor) Handle(ctx context.Context, job *store.Job) error {
	var payload downSyncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.CollectionID == "" || payload.SourceURL == "" {
		return fmt.Errorf("down sync payload needs collection_id and source_url")
	}

	docs, err := p.Fetcher.FetchDocuments(ctx, payload.SourceURL)
	if err != nil {
		return fmt.Errorf("fetching remote collection: %w", err)
	}

	var created, updated int
	for _, doc := range docs {
		origin := fmt.Sprintf("downsync:%s:%s", payload.CollectionID, doc.ID)

		local, err := p.Store.GetDocumentByOrigin(origin)
		if errors.Is(err, store.ErrNotFound) {
			if _, err := p.Store.CreateDocument(payload.CollectionID, origin, doc.Fields); err != nil {
				return fmt.Errorf("creating remote document %s: %w", doc.ID, err)
			}
			created++
			continue
		}
		if err != nil {
			return fmt.Errorf("looking up remote document %s: %w", doc.ID, err)
		}

		latest, err := p.Store.GetDocument(local.ID)
		if err != nil {
			return fmt.Errorf("loading remote document %s: %w", doc.ID, err)
		}
		if reflect.DeepEqual(latest.Fields, doc.Fields) {
			continue
		}

		// Changed remote fields become a new version. The origin hashes
		// the content, so replaying the same snapshot is a no-op.
		versionOrigin, err := contentOrigin(origin, doc.Fields)
		if err != nil {
			return fmt.Errorf("hashing remote document %s: %w", doc.ID, err)
		}
		if _, err := p.Store.CreateDocumentVersion(payload.CollectionID, local.ID, versionOrigin, doc.Fields); err != nil {
			return fmt.Errorf("updating remote document %s: %w", doc.ID, err)
		}
		updated++
	}

	p.logger().Info("collection synced",
		"collection", payload.CollectionID,
		"remote", len(docs), "created", created, "updated", updated)
	return nil
}

func contentOrigin(base string, fields map[string]any) (string, error) {
	// json.Marshal sorts map keys, so equal field sets hash equally.
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fieldsJSON)
	return fmt.Sprintf("%s:%x", base, sum[:8]), nil
}

// HTTPCollectionFetcher fetches collection snapshots as JSON over HTTP.
type HTTPCollectionFetcher struct {
	Client *http.Client
}

// NewHTTPCollectionFetcher builds a fetcher on the shared transport.
func NewHTTPCollectionFetcher() *HTTPCollectionFetcher {
	return &HTTPCollectionFetcher{Client: httpkit.NewClient()}
}

// FetchDocuments implements CollectionFetcher.
func (f *HTTPCollectionFetcher) FetchDocuments(ctx context.Context, sourceURL string) ([]RemoteDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote returned %s: %s",
			resp.Status, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var docs []RemoteDocument
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return docs, nil
}
