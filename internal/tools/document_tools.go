package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/store"
)

// BuildRegistry assembles the registry for the active persona from the
// collections currently visible in the store: the conversation
// terminator, a create and an update tool per collection, the schema
// readers, and the chart renderer. Rebuilt per turn so new collections
// become available without a restart.
func BuildRegistry(st *store.Store, logger *slog.Logger) (*Registry, error) {
	collections, err := st.ListCollections()
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	r := NewRegistry(logger)
	handlers := []Handler{CompleteTool{}}
	for _, c := range collections {
		handlers = append(handlers,
			&CreateDocumentTool{store: st, collection: c},
			&UpdateDocumentTool{store: st, collection: c},
		)
	}
	handlers = append(handlers,
		&GetSchemaTool{store: st},
		&ListCollectionsTool{store: st},
		&RenderChartTool{},
	)

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CreateDocumentTool creates a new document in one collection. The tool
// call ID becomes the mutation's identity, so replaying the same call
// can never create a second document.
type CreateDocumentTool struct {
	store      *store.Store
	collection *store.Collection
}

// Matches accepts the structural prefix with this handler's embedded
// collection ID.
func (t *CreateDocumentTool) Matches(name string) bool {
	return strings.TrimPrefix(name, CreateDocumentPrefix) == t.collection.ID &&
		strings.HasPrefix(name, CreateDocumentPrefix)
}

func (t *CreateDocumentTool) Mutates() bool { return true }

func (t *CreateDocumentTool) Describe() Spec {
	return Spec{
		Name:        CreateDocumentPrefix + t.collection.ID,
		Description: fmt.Sprintf("Create a new %s record.", t.collection.Name),
		Parameters:  fieldsSchema(t.collection),
	}
}

func (t *CreateDocumentTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(call.Input, &fields); err != nil {
		return failureResult(call, "invalid input: "+err.Error()), nil
	}
	if err := validateFields(t.collection, fields); err != nil {
		return failureResult(call, err.Error()), nil
	}

	doc, err := t.store.CreateDocument(t.collection.ID, call.ID, fields)
	if err != nil {
		return conversation.ToolResult{}, err
	}
	return documentResult(call, doc)
}

// UpdateDocumentTool appends a new version to an existing document.
type UpdateDocumentTool struct {
	store      *store.Store
	collection *store.Collection
}

func (t *UpdateDocumentTool) Matches(name string) bool {
	return strings.TrimPrefix(name, UpdateDocumentPrefix) == t.collection.ID &&
		strings.HasPrefix(name, UpdateDocumentPrefix)
}

func (t *UpdateDocumentTool) Mutates() bool { return true }

func (t *UpdateDocumentTool) Describe() Spec {
	schema := fieldsSchema(t.collection)
	props := schema["properties"].(map[string]any)
	props["document_id"] = map[string]any{
		"type":        "string",
		"description": "ID of the document to update",
	}
	schema["required"] = []string{"document_id"}
	return Spec{
		Name:        UpdateDocumentPrefix + t.collection.ID,
		Description: fmt.Sprintf("Update an existing %s record by creating a new version.", t.collection.Name),
		Parameters:  schema,
	}
}

func (t *UpdateDocumentTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(call.Input, &fields); err != nil {
		return failureResult(call, "invalid input: "+err.Error()), nil
	}
	docID, _ := fields["document_id"].(string)
	if docID == "" {
		return failureResult(call, "document_id is required"), nil
	}
	delete(fields, "document_id")
	if err := validateFields(t.collection, fields); err != nil {
		return failureResult(call, err.Error()), nil
	}

	doc, err := t.store.CreateDocumentVersion(t.collection.ID, docID, call.ID, fields)
	if errors.Is(err, store.ErrNotFound) {
		return failureResult(call, fmt.Sprintf("document %s not found", docID)), nil
	}
	if errors.Is(err, store.ErrWrongCollection) {
		return failureResult(call, fmt.Sprintf("document %s is not in collection %s", docID, t.collection.Name)), nil
	}
	if err != nil {
		return conversation.ToolResult{}, err
	}
	return documentResult(call, doc)
}

// GetSchemaTool returns the field schema of one collection.
type GetSchemaTool struct {
	store *store.Store
}

func (t *GetSchemaTool) Matches(name string) bool { return name == GetSchemaName }
func (t *GetSchemaTool) Mutates() bool            { return false }

func (t *GetSchemaTool) Describe() Spec {
	return Spec{
		Name:        GetSchemaName,
		Description: "Read the field schema and version of a record collection.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection_id": map[string]any{
					"type":        "string",
					"description": "The collection to describe",
				},
			},
			"required": []string{"collection_id"},
		},
	}
}

func (t *GetSchemaTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	var in struct {
		CollectionID string `json:"collection_id"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failureResult(call, "invalid input: "+err.Error()), nil
	}

	col, err := t.store.GetCollection(in.CollectionID)
	if errors.Is(err, store.ErrNotFound) {
		return failureResult(call, fmt.Sprintf("collection %s not found", in.CollectionID)), nil
	}
	if err != nil {
		return conversation.ToolResult{}, err
	}
	return jsonResult(call, col)
}

// ListCollectionsTool enumerates the collections the assistant can see.
type ListCollectionsTool struct {
	store *store.Store
}

func (t *ListCollectionsTool) Matches(name string) bool { return name == ListCollectionsName }
func (t *ListCollectionsTool) Mutates() bool            { return false }

func (t *ListCollectionsTool) Describe() Spec {
	return Spec{
		Name:        ListCollectionsName,
		Description: "List the record collections available to the assistant.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (t *ListCollectionsTool) Execute(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	cols, err := t.store.ListCollections()
	if err != nil {
		return conversation.ToolResult{}, err
	}
	return jsonResult(call, cols)
}

// Helpers shared by the document tools.

func documentResult(call conversation.ToolCall, doc *store.Document) (conversation.ToolResult, error) {
	return jsonResult(call, map[string]any{
		"document_id": doc.ID,
		"version":     doc.Version,
	})
}

func jsonResult(call conversation.ToolCall, v any) (conversation.ToolResult, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return conversation.ToolResult{}, fmt.Errorf("marshal result: %w", err)
	}
	return conversation.ToolResult{
		ToolCallID: call.ID,
		Tool:       call.Tool,
		Content:    content,
	}, nil
}

// fieldsSchema builds a JSON-schema object from a collection's declared
// field types.
func fieldsSchema(c *store.Collection) map[string]any {
	props := make(map[string]any, len(c.Fields))
	for name, typ := range c.Fields {
		props[name] = map[string]any{"type": jsonType(fmt.Sprint(typ))}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

func jsonType(fieldType string) string {
	switch fieldType {
	case "number":
		return "number"
	case "bool":
		return "boolean"
	default:
		return "string"
	}
}

// validateFields checks submitted fields against the collection schema.
// Violations are expected failures: they go back to the model as failed
// results so it can retry with corrected input.
func validateFields(c *store.Collection, fields map[string]any) error {
	var unknown []string
	for name, value := range fields {
		typ, ok := c.Fields[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if err := checkFieldType(name, fmt.Sprint(typ), value); err != nil {
			return err
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown fields for %s: %s", c.Name, strings.Join(unknown, ", "))
	}
	return nil
}

func checkFieldType(name, fieldType string, value any) error {
	switch fieldType {
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field %s must be a number", name)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %s must be a boolean", name)
		}
	default:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %s must be a string", name)
		}
	}
	return nil
}
