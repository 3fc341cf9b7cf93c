package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Collection is a typed record schema. Fields maps field names to their
// declared types (e.g. "liters": "number"). Version increments on every
// schema change; the conversation context fingerprint is derived from
// the set of (id, version) pairs.
type Collection struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateCollection persists a new collection at version 1.
func (s *Store) CreateCollection(c *Collection) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO collections (id, name, version, fields_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Version, string(fields),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// UpdateCollection replaces a collection's fields and bumps its version.
func (s *Store) UpdateCollection(id string, fields map[string]any) (*Collection, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE collections SET fields_json = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(fieldsJSON), now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetCollection(id)
}

// GetCollection loads a collection by ID.
func (s *Store) GetCollection(id string) (*Collection, error) {
	row := s.db.QueryRow(`
		SELECT id, name, version, fields_json, created_at, updated_at
		FROM collections WHERE id = ?
	`, id)
	return scanCollection(row)
}

// ListCollections returns all collections ordered by name.
func (s *Store) ListCollections() ([]*Collection, error) {
	rows, err := s.db.Query(`
		SELECT id, name, version, fields_json, created_at, updated_at
		FROM collections ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []*Collection
	for rows.Next() {
		c, err := scanCollectionRow(rows)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// ContextFingerprint hashes the identifiers of every schema version
// currently visible to the assistant. Two fingerprints differ iff the
// visible schema set changed — used to flag conversations that were
// evaluated against structures that have since moved on.
func ContextFingerprint(collections []*Collection) string {
	keys := make([]string, 0, len(collections))
	for _, c := range collections {
		keys = append(keys, fmt.Sprintf("%s@%d", c.ID, c.Version))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func scanCollection(row *sql.Row) (*Collection, error) {
	var c Collection
	var fieldsJSON, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Version, &fieldsJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func scanCollectionRow(rows *sql.Rows) (*Collection, error) {
	var c Collection
	var fieldsJSON, createdAt, updatedAt string
	err := rows.Scan(&c.ID, &c.Name, &c.Version, &fieldsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}
