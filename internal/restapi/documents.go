package restapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/model"
)

type createDocumentRequest struct {
	RoomID   string         `json:"roomId"`
	FilePath string         `json:"filePath"`
	Content  string         `json:"content,omitempty"`
	Language string         `json:"language,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type updateDocumentRequest struct {
	Language *string        `json:"language,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeBadRequest(w, "roomId query parameter is required")
		return
	}
	docs, err := s.st.ListDocuments(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// createDocument requires editor+ on the owning room, per spec.md §4.F.
func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RoomID == "" || req.FilePath == "" {
		writeBadRequest(w, "roomId and filePath are required")
		return
	}
	if err := s.requireEdit(r, req.RoomID, identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	doc := &model.Document{
		ID:              uuid.NewString(),
		RoomID:          req.RoomID,
		FilePath:        req.FilePath,
		Content:         req.Content,
		Version:         0,
		Language:        req.Language,
		LastOperationAt: now,
		Metadata:        req.Metadata,
	}
	doc.Recompute()
	if err := s.st.CreateDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.st.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// updateDocument edits only language/metadata; content and version are
// owned exclusively by the document coordinator's OT pipeline (spec.md
// §4.B), never by a direct REST write.
func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.st.GetDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	identity, _ := identityFromContext(r.Context())
	if err := s.requireEdit(r, doc.RoomID, identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	var req updateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Language != nil {
		doc.Language = *req.Language
	}
	if req.Metadata != nil {
		doc.Metadata = req.Metadata
	}
	if err := s.st.UpdateDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// deleteDocument requires canAdmin (room owner), per spec.md §4.F.
func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.st.GetDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	identity, _ := identityFromContext(r.Context())
	if err := s.requireAdmin(r, doc.RoomID, identity.UserID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.DeleteDocument(r.Context(), documentID); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

// listOperations paginates a document's accepted history, for client
// reconciliation or external tooling (spec.md §6).
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	since := parseIntQuery(r, "since", 0)
	limit := parseIntQuery(r, "limit", 100)
	ops, err := s.st.OperationsSince(r.Context(), documentID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) listCursors(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	cursors, err := s.st.GetCursorsForDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cursors)
}

// requireEdit enforces spec.md §4.F's canEdit predicate: owner or editor.
func (s *Server) requireEdit(r *http.Request, roomID, userID string) error {
	p, err := s.st.GetParticipantByUser(r.Context(), roomID, userID)
	if err != nil {
		return err
	}
	if !p.Role.CanEdit() {
		return apperr.New(apperr.ReadOnly, "viewer role may not modify documents")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
