package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document is the latest version of a typed record in a collection.
type Document struct {
	ID               string         `json:"id"`
	CollectionID     string         `json:"collection_id"`
	Version          int            `json:"version"`
	Fields           map[string]any `json:"fields"`
	OriginToolCallID string         `json:"origin_tool_call_id"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CreateDocument inserts a new document with its first version in one
// transaction. originToolCallID is the identity of the mutation: a
// second call with the same ID returns the already-created document
// instead of inserting another one. Replays after a crash or recovery
// therefore cannot double-apply.
func (s *Store) CreateDocument(collectionID, originToolCallID string, fields map[string]any) (*Document, error) {
	if existing, err := s.findByOrigin(originToolCallID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if _, err := s.GetCollection(collectionID); err != nil {
		return nil, fmt.Errorf("collection %s: %w", collectionID, err)
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	doc := &Document{
		ID:               NewID(),
		CollectionID:     collectionID,
		Version:          1,
		Fields:           fields,
		OriginToolCallID: originToolCallID,
		CreatedAt:        time.Now().UTC(),
	}
	created := doc.CreatedAt.Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO documents (id, collection_id, created_at) VALUES (?, ?, ?)
	`, doc.ID, collectionID, created); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO document_versions (id, document_id, version, fields_json, origin_tool_call_id, created_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`, NewID(), doc.ID, string(fieldsJSON), originToolCallID, created); err != nil {
		return nil, fmt.Errorf("insert document version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}
	return doc, nil
}

// CreateDocumentVersion appends a new version to an existing document.
// Idempotent on originToolCallID like CreateDocument. The version is
// only written when the document belongs to collectionID: fields were
// validated against that collection's schema, and writing them onto a
// document of another collection would corrupt the typed record.
func (s *Store) CreateDocumentVersion(collectionID, documentID, originToolCallID string, fields map[string]any) (*Document, error) {
	if existing, err := s.findByOrigin(originToolCallID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning version transaction: %w", err)
	}
	defer tx.Rollback()

	var actualCollectionID string
	err = tx.QueryRow(`SELECT collection_id FROM documents WHERE id = ?`, documentID).Scan(&actualCollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if actualCollectionID != collectionID {
		return nil, fmt.Errorf("document %s is in collection %s, not %s: %w",
			documentID, actualCollectionID, collectionID, ErrWrongCollection)
	}

	var latest int
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM document_versions WHERE document_id = ?
	`, documentID).Scan(&latest); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO document_versions (id, document_id, version, fields_json, origin_tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, NewID(), documentID, latest+1, string(fieldsJSON), originToolCallID, now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert document version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing version: %w", err)
	}

	return &Document{
		ID:               documentID,
		CollectionID:     actualCollectionID,
		Version:          latest + 1,
		Fields:           fields,
		OriginToolCallID: originToolCallID,
		CreatedAt:        now,
	}, nil
}

// GetDocument loads a document at its latest version.
func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(`
		SELECT d.id, d.collection_id, v.version, v.fields_json, v.origin_tool_call_id, v.created_at
		FROM documents d
		JOIN document_versions v ON v.document_id = d.id
		WHERE d.id = ?
		ORDER BY v.version DESC LIMIT 1
	`, id)
	return scanDocument(row)
}

// CountDocuments returns the number of documents in a collection.
func (s *Store) CountDocuments(collectionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM documents WHERE collection_id = ?
	`, collectionID).Scan(&n)
	return n, err
}

// GetDocumentByOrigin returns the document state produced by a given
// mutation origin, or ErrNotFound if that origin has not been applied.
func (s *Store) GetDocumentByOrigin(originToolCallID string) (*Document, error) {
	doc, err := s.findByOrigin(originToolCallID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("origin %s: %w", originToolCallID, ErrNotFound)
	}
	return doc, nil
}

// findByOrigin returns the document state produced by a given tool call
// ID, or nil if that call has not been applied.
func (s *Store) findByOrigin(originToolCallID string) (*Document, error) {
	row := s.db.QueryRow(`
		SELECT d.id, d.collection_id, v.version, v.fields_json, v.origin_tool_call_id, v.created_at
		FROM document_versions v
		JOIN documents d ON d.id = v.document_id
		WHERE v.origin_tool_call_id = ?
	`, originToolCallID)

	doc, err := scanDocument(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var fieldsJSON, createdAt string
	err := row.Scan(&d.ID, &d.CollectionID, &d.Version, &fieldsJSON, &d.OriginToolCallID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &d.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}
