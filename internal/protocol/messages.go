// Package protocol defines the wire message set between a client and the
// collaborative editing core: one JSON object per frame, tagged-union
// style (only one payload field set per message).
package protocol

import (
	"encoding/json"
	"time"

	"github.com/collabedit/core/internal/ot"
)

// Envelope wraps every wire message with its common fields: every message
// has {type, payload, timestamp, senderId?}.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"senderId,omitempty"`
}

// Client message type tags.
const (
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeOpenDocument   = "open-document"
	TypeOperation      = "operation"
	TypeCursorUpdate   = "cursor-update"
	TypePresenceUpdate = "presence-update"
	TypePing           = "ping"
)

// Server message type tags.
const (
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeDocumentSnapshot  = "document-snapshot"
	TypeOperationReceived = "operation-received"
	TypeCursorUpdated     = "cursor-updated"
	TypePresenceUpdated   = "presence-updated"
	TypeSyncRequest       = "sync-request"
	TypeError             = "error"
	TypePong              = "pong"
)

// JoinRoomMsg requests entry to a room, optionally resuming from a prior
// document version.
type JoinRoomMsg struct {
	RoomID            string `json:"roomId"`
	ResumeFromVersion *int   `json:"resumeFromVersion,omitempty"`
}

// OpenDocumentMsg requests the coordinator's current snapshot for a document.
type OpenDocumentMsg struct {
	DocumentID string `json:"docId"`
}

// OperationMsg carries a client-submitted edit bundle.
type OperationMsg struct {
	DocumentID     string     `json:"docId"`
	Ops            *ot.Bundle `json:"ops"`
	BaseVersion    int        `json:"baseVersion"`
	ClientID       string     `json:"clientId"`
	ClientSequence int        `json:"clientSeq"`
}

// CursorUpdateMsg reports a participant's caret/selection in one document.
type CursorUpdateMsg struct {
	DocumentID     string `json:"docId"`
	Line           int    `json:"line"`
	Column         int    `json:"col"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	BaseVersion    int    `json:"baseVersion"`
}

// PresenceUpdateMsg reports a participant's status/activity change.
type PresenceUpdateMsg struct {
	Status   string  `json:"status"`
	Activity *string `json:"activity,omitempty"`
}

// RoomJoinedMsg acknowledges join-room with the participant's reconciliation
// snapshot: either a full document list or, when the client's resume
// version is within MAX_LAG, an operation gap per document.
type RoomJoinedMsg struct {
	RoomID        string             `json:"roomId"`
	ParticipantID string             `json:"participantId"`
	Documents     []DocumentSnapshot `json:"documents"`
	Participants  []ParticipantInfo  `json:"participants"`
}

// DocumentSnapshot is a document's content/version pair, or a gap of
// operations if the client resumed from a recent-enough version.
type DocumentSnapshot struct {
	DocumentID string                 `json:"docId"`
	Content    string                 `json:"content,omitempty"`
	Version    int                    `json:"version"`
	Gap        []OperationReceivedMsg `json:"gap,omitempty"`
}

// ParticipantInfo is the public-facing shape of a room participant.
type ParticipantInfo struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Color         string `json:"color"`
	Role          string `json:"role"`
	Presence      string `json:"presence"`
}

// ParticipantJoinedMsg / ParticipantLeftMsg announce membership changes.
type ParticipantJoinedMsg struct {
	Participant ParticipantInfo `json:"participant"`
}

type ParticipantLeftMsg struct {
	ParticipantID string `json:"participantId"`
}

// OperationReceivedMsg is a single accepted, server-sequenced bundle,
// broadcast to every session in the room; the submitter's copy is its
// acknowledgement.
type OperationReceivedMsg struct {
	DocumentID    string     `json:"docId"`
	ParticipantID string     `json:"participantId"`
	Ops           *ot.Bundle `json:"ops"`
	NewVersion    int        `json:"newVersion"`
	ClientID      string     `json:"clientId"`
	ClientSeq     int        `json:"clientSeq"`
}

// CursorUpdatedMsg / PresenceUpdatedMsg fan out peer cursor/presence state.
type CursorUpdatedMsg struct {
	ParticipantID  string `json:"participantId"`
	DocumentID     string `json:"docId"`
	Line           int    `json:"line"`
	Column         int    `json:"col"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

type PresenceUpdatedMsg struct {
	ParticipantID     string `json:"participantId"`
	Status            string `json:"status"`
	CurrentDocumentID string `json:"currentDocumentId,omitempty"`
	Activity          string `json:"activity,omitempty"`
}

// SyncRequestMsg tells the client its base version has fallen too far
// behind; it must re-join with a fresh snapshot.
type SyncRequestMsg struct {
	DocumentID string `json:"docId"`
	From       int    `json:"from"`
}

// ErrorMsg is the wire form of an error kind.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload unmarshals an Envelope's payload into dst.
func DecodePayload(e Envelope, dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// Encode builds an Envelope for an outbound message type with the given
// payload value, stamping the current time.
func Encode(msgType string, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw, Timestamp: time.Now(), SenderID: senderID}, nil
}
