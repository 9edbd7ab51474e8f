// Package store defines the typed persistence façade the document
// coordinator, room hub and REST layer depend on, plus a SQLite-backed
// implementation.
package store

import (
	"context"
	"time"

	"github.com/collabedit/core/internal/model"
)

// DocumentUpdate is the new document row state AppendOperations commits
// alongside the operation rows, in the same transaction.
type DocumentUpdate struct {
	Content         string
	Version         int
	SizeBytes       int
	LineCount       int
	LastOperationAt time.Time
}

// AppendResult reports what AppendOperations actually committed: either
// the freshly assigned operations, or — on an idempotent resubmit — the
// previously committed ones.
type AppendResult struct {
	Operations []model.PersistedOperation
	Resubmit   bool
}

// Store is the persistence façade. Every method may return a wrapped
// apperr.Unavailable on timeout or connectivity failure.
type Store interface {
	CreateRoom(ctx context.Context, r *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	UpdateRoom(ctx context.Context, r *model.Room) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context, ownerID string) ([]model.Room, error)

	CreateParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetParticipantByUser(ctx context.Context, roomID, userID string) (*model.Participant, error)
	UpdateParticipant(ctx context.Context, p *model.Participant) error
	ListParticipants(ctx context.Context, roomID string) ([]model.Participant, error)
	DeleteParticipant(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetDocumentByPath(ctx context.Context, roomID, filePath string) (*model.Document, error)
	ListDocuments(ctx context.Context, roomID string) ([]model.Document, error)
	// UpdateDocument updates a document's language/metadata only; content
	// and version are owned exclusively by AppendOperations.
	UpdateDocument(ctx context.Context, d *model.Document) error
	DeleteDocument(ctx context.Context, id string) error

	// AppendOperations atomically inserts op rows and updates the document
	// row in a single transaction, per spec.md §4.E/§6. It enforces
	// uniqueness on (document_id, server_sequence) and
	// (document_id, client_id, client_sequence); a match on the latter is
	// an idempotent resubmit and returns the prior result with
	// Resubmit=true instead of erroring.
	AppendOperations(ctx context.Context, documentID string, ops []model.PersistedOperation, update DocumentUpdate) (AppendResult, error)
	OperationsSince(ctx context.Context, documentID string, fromVersion, limit int) ([]model.PersistedOperation, error)

	UpsertCursor(ctx context.Context, c *model.Cursor) error
	GetCursorsForDocument(ctx context.Context, documentID string) ([]model.Cursor, error)
	DeleteCursor(ctx context.Context, participantID, documentID string) error

	UpsertPresence(ctx context.Context, p *model.Presence) error
	GetPresenceForRoom(ctx context.Context, roomID string) ([]model.Presence, error)

	// SweepExpired transitions rooms past expires_at to status=expired and
	// marks presence rows idle past model.PresenceTTL as offline.
	SweepExpired(ctx context.Context, now time.Time) error

	Close() error
}
