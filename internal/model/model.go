// Package model defines the persistent data shapes shared by the store
// adapter, document coordinator, room hub and REST surface: rooms,
// participants, documents, operations, cursors and presence.
package model

import (
	"strings"
	"time"
)

// Role is a participant's permission level within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// RoomStatus is a room's lifecycle state.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomArchived RoomStatus = "archived"
	RoomExpired  RoomStatus = "expired"
)

// PresenceStatus is a participant's connectivity state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ActivityType is what a participant is presently doing in a document.
type ActivityType string

const (
	ActivityIdle    ActivityType = "idle"
	ActivityViewing ActivityType = "viewing"
	ActivityEditing ActivityType = "editing"
)

// MaxParticipants is the hard ceiling on room membership (spec.md §3).
const MaxParticipants = 50

// PresenceTTL is how long a presence record may go without activity before
// a sweep marks it offline (spec.md §3).
const PresenceTTL = 5 * time.Minute

// Room groups participants and documents under one shared editing space.
type Room struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	OwnerID         string     `json:"ownerId"`
	MaxParticipants int        `json:"maxParticipants"`
	Status          RoomStatus `json:"status"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Participant is a (room, user) membership record.
type Participant struct {
	ID          string         `json:"id"`
	RoomID      string         `json:"roomId"`
	UserID      string         `json:"userId"`
	Role        Role           `json:"role"`
	DisplayName string         `json:"displayName"`
	Color       string         `json:"color"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Presence    PresenceStatus `json:"presence"`
	LastSeen    time.Time      `json:"lastSeen"`
	JoinedAt    time.Time      `json:"joinedAt"`
}

// CanEdit reports whether this role may submit text operations.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// CanAdmin reports whether this role may delete documents or the room.
func (r Role) CanAdmin() bool { return r == RoleOwner }

// Document is a single editable text file scoped to a room.
type Document struct {
	ID              string         `json:"id"`
	RoomID          string         `json:"roomId"`
	FilePath        string         `json:"filePath"`
	Content         string         `json:"content"`
	Version         int            `json:"version"`
	Language        string         `json:"language,omitempty"`
	SizeBytes       int            `json:"sizeBytes"`
	LineCount       int            `json:"lineCount"`
	LastOperationAt time.Time      `json:"lastOperationAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Recompute updates SizeBytes and LineCount from Content, maintaining the
// invariant in spec.md §3: size_bytes == utf8_len(content) and
// line_count == 1 + count('\n', content).
func (d *Document) Recompute() {
	d.SizeBytes = len(d.Content)
	d.LineCount = 1 + strings.Count(d.Content, "\n")
}

// PersistedOperation is a server-accepted Bundle with its assigned position
// in the document's linear history.
type PersistedOperation struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"documentId"`
	ParticipantID  string    `json:"participantId"`
	ClientID       string    `json:"clientId"`
	ClientSequence int       `json:"clientSequence"`
	ServerSequence int       `json:"serverSequence"`
	OperationJSON  []byte    `json:"operation"` // normalized Bundle, JSON-encoded
	Timestamp      time.Time `json:"timestamp"`
	VectorClock    []byte    `json:"vectorClock,omitempty"` // opaque JSON
	AppliedAt      time.Time `json:"appliedAt"`
}

// Cursor is a participant's live caret/selection within one document.
type Cursor struct {
	ParticipantID  string    `json:"participantId"`
	DocumentID     string    `json:"documentId"`
	Line           int       `json:"line"`
	Column         int       `json:"column"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Presence is a participant's live status within one room.
type Presence struct {
	ParticipantID     string         `json:"participantId"`
	RoomID            string         `json:"roomId"`
	Status            PresenceStatus `json:"status"`
	CurrentDocumentID string         `json:"currentDocumentId,omitempty"`
	Activity          ActivityType   `json:"activity"`
	LastActivity      time.Time      `json:"lastActivity"`
}
