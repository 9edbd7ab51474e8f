package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/model"
)

type createRoomRequest struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	MaxParticipants int        `json:"maxParticipants,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

type updateRoomRequest struct {
	Name            *string    `json:"name,omitempty"`
	Description     *string    `json:"description,omitempty"`
	MaxParticipants *int       `json:"maxParticipants,omitempty"`
	Status          *string    `json:"status,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

type joinRoomRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

type postCursorRequest struct {
	DocumentID     string `json:"docId"`
	Line           int    `json:"line"`
	Column         int    `json:"column"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	rooms, err := s.st.ListRooms(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// createRoom creates the room and then the owner's participant record
// (spec.md §3: exactly one immutable owner per room). The two rows are
// written by separate store calls, not one transaction: if the participant
// insert fails, the room row stays without an owner record.
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 || maxParticipants > model.MaxParticipants {
		maxParticipants = model.MaxParticipants
	}

	now := time.Now()
	room := &model.Room{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		OwnerID:         identity.UserID,
		MaxParticipants: maxParticipants,
		Status:          model.RoomActive,
		ExpiresAt:       req.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.st.CreateRoom(r.Context(), room); err != nil {
		writeError(w, err)
		return
	}

	owner := &model.Participant{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		UserID:      identity.UserID,
		Role:        model.RoleOwner,
		DisplayName: displayNameOr(identity.DisplayName, identity.UserID),
		Color:       randomColor(),
		Presence:    model.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := s.st.CreateParticipant(r.Context(), owner); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.st.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) updateRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := identityFromContext(r.Context())
	if err := s.requireAdmin(r, roomID, identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	room, err := s.st.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		room.Name = *req.Name
	}
	if req.Description != nil {
		room.Description = *req.Description
	}
	if req.MaxParticipants != nil && *req.MaxParticipants > 0 && *req.MaxParticipants <= model.MaxParticipants {
		room.MaxParticipants = *req.MaxParticipants
	}
	if req.Status != nil {
		room.Status = model.RoomStatus(*req.Status)
	}
	if req.ExpiresAt != nil {
		room.ExpiresAt = req.ExpiresAt
	}
	room.UpdatedAt = time.Now()

	if err := s.st.UpdateRoom(r.Context(), room); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := identityFromContext(r.Context())
	if err := s.requireAdmin(r, roomID, identity.UserID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.DeleteRoom(r.Context(), roomID); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

// joinRoom creates (or reconnects to) a non-owner participant record.
// Actual websocket room membership is established over the session
// protocol's join-room message; this endpoint is the REST-side equivalent
// used by clients that want to join before opening the socket.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := identityFromContext(r.Context())

	room, err := s.st.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if room.Status != model.RoomActive {
		writeError(w, apperr.New(apperr.PermissionDenied, "room is not active"))
		return
	}

	if existing, err := s.st.GetParticipantByUser(r.Context(), roomID, identity.UserID); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	roster, err := s.st.ListParticipants(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(roster) >= room.MaxParticipants {
		writeError(w, apperr.New(apperr.Conflict, "room is at capacity"))
		return
	}

	var req joinRoomRequest
	_ = decodeJSON(r, &req)

	now := time.Now()
	p := &model.Participant{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      identity.UserID,
		Role:        model.RoleEditor,
		DisplayName: displayNameOr(req.DisplayName, displayNameOr(identity.DisplayName, identity.UserID)),
		Color:       randomColor(),
		Presence:    model.PresenceOnline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := s.st.CreateParticipant(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// leaveRoom removes the caller's participant record. The room's owner
// cannot leave this way: spec.md §3 makes the owner immutable, so giving up
// membership requires deleting the room instead.
func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := identityFromContext(r.Context())

	p, err := s.st.GetParticipantByUser(r.Context(), roomID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Role == model.RoleOwner {
		writeError(w, apperr.New(apperr.PermissionDenied, "room owner cannot leave; delete the room instead"))
		return
	}
	if err := s.st.DeleteParticipant(r.Context(), p.ID); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

// postCursor upserts a cursor from a REST caller, bypassing the websocket
// coalescing/throttling the live session protocol applies (§5); used by
// read-only integrations that don't maintain a socket.
func (s *Server) postCursor(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := identityFromContext(r.Context())

	p, err := s.st.GetParticipantByUser(r.Context(), roomID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req postCursorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DocumentID == "" {
		writeBadRequest(w, "docId is required")
		return
	}

	cursor := &model.Cursor{
		ParticipantID:  p.ID,
		DocumentID:     req.DocumentID,
		Line:           req.Line,
		Column:         req.Column,
		SelectionStart: req.SelectionStart,
		SelectionEnd:   req.SelectionEnd,
		UpdatedAt:      time.Now(),
	}
	if err := s.st.UpsertCursor(r.Context(), cursor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cursor)
}

// requireAdmin enforces spec.md §4.F's canAdmin predicate: only a room's
// owner may update or delete it.
func (s *Server) requireAdmin(r *http.Request, roomID, userID string) error {
	p, err := s.st.GetParticipantByUser(r.Context(), roomID, userID)
	if err != nil {
		return err
	}
	if !p.Role.CanAdmin() {
		return apperr.New(apperr.PermissionDenied, "owner role required")
	}
	return nil
}

func displayNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
