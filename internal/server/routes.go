package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/docstore"
	"github.com/masislabs/masis/internal/ingestion"
	"github.com/masislabs/masis/internal/pipeline"
	"github.com/masislabs/masis/internal/worker"
)

// QueryRequest is the body for POST /api/v1/workspaces/:workspace_id/query.
type QueryRequest struct {
	Query string `json:"query"`

	// MaxRetries tunes the retry depth per request; 0 uses the server
	// default.
	MaxRetries int `json:"max_retries"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error       string `json:"error"`
	Reason      string `json:"reason,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	workspaceID := c.Param("workspace_id")

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	if _, err := s.docs.GetWorkspace(c.Request().Context(), workspaceID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workspace not found")
		}
		return err
	}

	result, err := s.pipeline.Run(c.Request().Context(), pipeline.Input{
		UserQuery:   req.Query,
		WorkspaceID: workspaceID,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		s.logger.Error(c.Request().Context(), "pipeline execution failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:       "Pipeline execution failed.",
			Reason:      err.Error(),
			WorkspaceID: workspaceID,
		})
	}

	return c.JSON(http.StatusOK, result)
}

// CreateWorkspaceRequest is the body for POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateWorkspace(c echo.Context) error {
	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name field is required")
	}

	ws, err := s.docs.CreateWorkspace(c.Request().Context(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(c echo.Context) error {
	workspaces, err := s.docs.ListWorkspaces(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workspaces)
}

func (s *Server) handleDeleteWorkspace(c echo.Context) error {
	err := s.docs.DeleteWorkspace(c.Request().Context(), c.Param("workspace_id"))
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workspace not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// UploadDocumentRequest is the body for POST .../documents. Parsing happens
// client-side or in a converter service; the API receives text units.
type UploadDocumentRequest struct {
	FileName string            `json:"file_name"`
	Units    []ingestion.Chunk `json:"units"`
}

func (s *Server) handleUploadDocument(c echo.Context) error {
	workspaceID := c.Param("workspace_id")

	var req UploadDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FileName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file_name field is required")
	}
	if len(req.Units) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "units field is required")
	}

	doc, err := s.docs.CreateDocument(c.Request().Context(), workspaceID, req.FileName, contentHash(req.Units))
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workspace not found")
	}
	if errors.Is(err, docstore.ErrDuplicateDocument) {
		return echo.NewHTTPError(http.StatusConflict, "document already ingested")
	}
	if err != nil {
		return err
	}

	err = s.publisher.Publish(worker.IngestTask{
		WorkspaceID: workspaceID,
		DocumentID:  doc.ID,
		FileName:    req.FileName,
		Chunks:      req.Units,
	})
	if err != nil {
		// The record exists but no worker will pick it up; fail it so the
		// caller can retry the upload.
		_ = s.docs.SetDocumentFailed(c.Request().Context(), doc.ID, "enqueue failed")
		s.logger.Error(c.Request().Context(), "enqueueing ingest task", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion queue unavailable")
	}

	return c.JSON(http.StatusAccepted, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.docs.ListDocuments(c.Request().Context(), c.Param("workspace_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

// DocumentProgressResponse reports ingestion progress for polling clients.
type DocumentProgressResponse struct {
	DocumentID      string `json:"document_id"`
	Status          string `json:"status"`
	TotalChunks     int    `json:"total_chunks"`
	ProcessedChunks int    `json:"processed_chunks"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleDocumentProgress(c echo.Context) error {
	doc, err := s.docs.GetDocument(c.Request().Context(), c.Param("document_id"))
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, DocumentProgressResponse{
		DocumentID:      doc.ID,
		Status:          doc.Status,
		TotalChunks:     doc.TotalChunks,
		ProcessedChunks: doc.ProcessedChunks,
		Error:           doc.Error,
	})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	workspaceID := c.Param("workspace_id")
	documentID := c.Param("document_id")

	err := s.remover.RemoveDocument(c.Request().Context(), workspaceID, documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// contentHash fingerprints a document's units for duplicate detection.
func contentHash(units []ingestion.Chunk) string {
	h := sha256.New()
	for _, u := range units {
		h.Write([]byte(u.Text))
		h.Write([]byte{0})
		h.Write([]byte(u.StructuredData))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
