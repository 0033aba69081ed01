// Package docstore is the relational bookkeeping store for workspaces and
// documents. It backs the API layer's CRUD surface and the ingestion
// worker's status transitions; the chunks themselves live in the vector
// store.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Document ingestion statuses.
const (
	StatusProcessing = "PROCESSING"
	StatusReady      = "READY"
	StatusFailed     = "FAILED"
)

var (
	// ErrNotFound indicates the workspace or document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDocument indicates a document with the same content hash
	// already exists in the workspace.
	ErrDuplicateDocument = errors.New("duplicate document")
)

// Workspace is one isolated document corpus.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one ingested file's bookkeeping record.
type Document struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	FileName        string    `json:"file_name"`
	FileHash        string    `json:"file_hash"`
	Status          string    `json:"status"`
	TotalChunks     int       `json:"total_chunks"`
	ProcessedChunks int       `json:"processed_chunks"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is the SQLite-backed bookkeeping store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	file_name        TEXT NOT NULL,
	file_hash        TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_chunks     INTEGER NOT NULL DEFAULT 0,
	processed_chunks INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	UNIQUE (workspace_id, file_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_workspace ON documents(workspace_id);
`

// Open opens (and migrates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent ingestion workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWorkspace creates a workspace and returns it.
func (s *Store) CreateWorkspace(ctx context.Context, name string) (*Workspace, error) {
	if name == "" {
		return nil, errors.New("workspace name cannot be empty")
	}

	ws := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)",
		ws.ID, ws.Name, ws.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace returns a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM workspaces WHERE id = ?", id).
		Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM workspaces ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []Workspace{}
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// DeleteWorkspace deletes a workspace and its document records.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateDocument registers a new document in PROCESSING state. Content-hash
// duplicates within a workspace are rejected.
func (s *Store) CreateDocument(ctx context.Context, workspaceID, fileName, fileHash string) (*Document, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM documents WHERE workspace_id = ? AND file_hash = ?",
		workspaceID, fileHash).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("document %s: %w", existing, ErrDuplicateDocument)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checking duplicate: %w", err)
	}

	now := time.Now().UTC()
	doc := &Document{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		FileName:    fileName,
		FileHash:    fileHash,
		Status:      StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, file_name, file_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.WorkspaceID, doc.FileName, doc.FileHash, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	return doc, nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, file_name, file_hash, status,
		       total_chunks, processed_chunks, error, created_at, updated_at
		FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// ListDocuments returns the documents of a workspace.
func (s *Store) ListDocuments(ctx context.Context, workspaceID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, file_name, file_hash, status,
		       total_chunks, processed_chunks, error, created_at, updated_at
		FROM documents WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// SetDocumentProgress updates chunk counters during ingestion.
func (s *Store) SetDocumentProgress(ctx context.Context, id string, total, processed int) error {
	return s.updateDocument(ctx, id,
		"UPDATE documents SET total_chunks = ?, processed_chunks = ?, updated_at = ? WHERE id = ?",
		total, processed, time.Now().UTC(), id)
}

// SetDocumentReady marks ingestion complete.
func (s *Store) SetDocumentReady(ctx context.Context, id string) error {
	return s.updateDocument(ctx, id,
		"UPDATE documents SET status = ?, updated_at = ? WHERE id = ?",
		StatusReady, time.Now().UTC(), id)
}

// SetDocumentFailed marks ingestion failed with a reason.
func (s *Store) SetDocumentFailed(ctx context.Context, id, reason string) error {
	return s.updateDocument(ctx, id,
		"UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		StatusFailed, reason, time.Now().UTC(), id)
}

// DeleteDocument removes a document record.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) updateDocument(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.WorkspaceID, &doc.FileName, &doc.FileHash, &doc.Status,
		&doc.TotalChunks, &doc.ProcessedChunks, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
