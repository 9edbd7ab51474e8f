package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/model"
	"github.com/collabedit/core/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newRoom() *model.Room {
	now := time.Now()
	return &model.Room{
		ID:              uuid.NewString(),
		Name:            "standup notes",
		OwnerID:         uuid.NewString(),
		MaxParticipants: model.MaxParticipants,
		Status:          model.RoomActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRoomCRUD(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	room := newRoom()
	require.NoError(t, st.CreateRoom(ctx, room))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, got.Name)
	require.Equal(t, model.RoomActive, got.Status)

	got.Name = "renamed"
	got.Status = model.RoomArchived
	require.NoError(t, st.UpdateRoom(ctx, got))

	got2, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got2.Name)
	require.Equal(t, model.RoomArchived, got2.Status)

	rooms, err := st.ListRooms(ctx, room.OwnerID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	require.NoError(t, st.DeleteRoom(ctx, room.ID))
	_, err = st.GetRoom(ctx, room.ID)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdateRoomMissingReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	room := newRoom()
	room.ID = uuid.NewString()

	err := st.UpdateRoom(context.Background(), room)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestParticipantCRUDAndUniqueMembership(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	room := newRoom()
	require.NoError(t, st.CreateRoom(ctx, room))

	now := time.Now()
	p := &model.Participant{
		ID: uuid.NewString(), RoomID: room.ID, UserID: "user-1",
		Role: model.RoleOwner, DisplayName: "Ada", Color: "#ff0000",
		Presence: model.PresenceOnline, LastSeen: now, JoinedAt: now,
	}
	require.NoError(t, st.CreateParticipant(ctx, p))

	dup := *p
	dup.ID = uuid.NewString()
	err := st.CreateParticipant(ctx, &dup)
	require.Equal(t, apperr.Conflict, apperr.KindOf(err))

	got, err := st.GetParticipantByUser(ctx, room.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	got.DisplayName = "Ada Lovelace"
	require.NoError(t, st.UpdateParticipant(ctx, got))

	list, err := st.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Ada Lovelace", list[0].DisplayName)

	require.NoError(t, st.DeleteParticipant(ctx, p.ID))
	_, err = st.GetParticipant(ctx, p.ID)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDocumentCRUDAndPathUniqueness(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	room := newRoom()
	require.NoError(t, st.CreateRoom(ctx, room))

	now := time.Now()
	doc := &model.Document{
		ID: uuid.NewString(), RoomID: room.ID, FilePath: "main.go",
		Content: "package main", Version: 0, LastOperationAt: now,
	}
	doc.Recompute()
	require.NoError(t, st.CreateDocument(ctx, doc))

	dup := &model.Document{ID: uuid.NewString(), RoomID: room.ID, FilePath: "main.go", LastOperationAt: now}
	err := st.CreateDocument(ctx, dup)
	require.Equal(t, apperr.DocumentExists, apperr.KindOf(err))

	got, err := st.GetDocumentByPath(ctx, room.ID, "main.go")
	require.NoError(t, err)
	require.Equal(t, doc.ID, got.ID)
	require.Equal(t, len("package main"), got.SizeBytes)

	got.Language = "go"
	got.Metadata = map[string]any{"readonly": false}
	require.NoError(t, st.UpdateDocument(ctx, got))

	got2, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "go", got2.Language)
	// content/version are untouched by UpdateDocument.
	require.Equal(t, "package main", got2.Content)
	require.Equal(t, 0, got2.Version)

	list, err := st.ListDocuments(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, st.DeleteDocument(ctx, doc.ID))
	_, err = st.GetDocument(ctx, doc.ID)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func newTestDocument(t *testing.T, st store.Store) *model.Document {
	t.Helper()
	ctx := context.Background()
	room := newRoom()
	require.NoError(t, st.CreateRoom(ctx, room))

	now := time.Now()
	doc := &model.Document{
		ID: uuid.NewString(), RoomID: room.ID, FilePath: "main.go",
		Content: "AB", Version: 0, LastOperationAt: now,
	}
	doc.Recompute()
	require.NoError(t, st.CreateDocument(ctx, doc))
	return doc
}

func TestAppendOperationsCommitsOpsAndDocumentTogether(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, st)

	now := time.Now()
	op := model.PersistedOperation{
		ID: uuid.NewString(), DocumentID: doc.ID, ParticipantID: "participant-1",
		ClientID: "client-1", ClientSequence: 1, ServerSequence: 1,
		OperationJSON: []byte(`[1,"X",1]`), Timestamp: now, VectorClock: []byte("{}"), AppliedAt: now,
	}
	result, err := st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{op}, store.DocumentUpdate{
		Content: "AXB", Version: 1, SizeBytes: 3, LineCount: 1, LastOperationAt: now,
	})
	require.NoError(t, err)
	require.False(t, result.Resubmit)
	require.Len(t, result.Operations, 1)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "AXB", got.Content)
	require.Equal(t, 1, got.Version)

	ops, err := st.OperationsSince(ctx, doc.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, 1, ops[0].ServerSequence)
}

func TestAppendOperationsIdempotentResubmit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, st)

	now := time.Now()
	op := model.PersistedOperation{
		ID: uuid.NewString(), DocumentID: doc.ID, ParticipantID: "participant-1",
		ClientID: "client-1", ClientSequence: 7, ServerSequence: 1,
		OperationJSON: []byte(`[1,"X",1]`), Timestamp: now, VectorClock: []byte("{}"), AppliedAt: now,
	}
	update := store.DocumentUpdate{Content: "AXB", Version: 1, SizeBytes: 3, LineCount: 1, LastOperationAt: now}

	first, err := st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{op}, update)
	require.NoError(t, err)
	require.False(t, first.Resubmit)

	replay := op
	replay.ID = uuid.NewString()
	replay.ServerSequence = 2
	second, err := st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{replay}, update)
	require.NoError(t, err)
	require.True(t, second.Resubmit)
	require.Equal(t, first.Operations[0].ID, second.Operations[0].ID)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Version, "resubmit must not apply the operation a second time")
}

func TestAppendOperationsRejectsServerSequenceCollision(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, st)

	now := time.Now()
	first := model.PersistedOperation{
		ID: uuid.NewString(), DocumentID: doc.ID, ParticipantID: "participant-1",
		ClientID: "client-1", ClientSequence: 1, ServerSequence: 1,
		OperationJSON: []byte(`[1,"X",1]`), Timestamp: now, VectorClock: []byte("{}"), AppliedAt: now,
	}
	update := store.DocumentUpdate{Content: "AXB", Version: 1, SizeBytes: 3, LineCount: 1, LastOperationAt: now}
	_, err := st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{first}, update)
	require.NoError(t, err)

	// Different client/sequence but the same server_sequence: a genuine
	// write race, not an idempotent resubmit, so it must be rejected.
	collide := model.PersistedOperation{
		ID: uuid.NewString(), DocumentID: doc.ID, ParticipantID: "participant-2",
		ClientID: "client-2", ClientSequence: 1, ServerSequence: 1,
		OperationJSON: []byte(`[1,"Y",1]`), Timestamp: now, VectorClock: []byte("{}"), AppliedAt: now,
	}
	_, err = st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{collide}, update)
	require.Equal(t, apperr.Conflict, apperr.KindOf(err))

	// The document row must be untouched by the rolled-back transaction.
	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "AXB", got.Content)
}

func TestOperationsSincePagination(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, st)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		op := model.PersistedOperation{
			ID: uuid.NewString(), DocumentID: doc.ID, ParticipantID: "participant-1",
			ClientID: "client-1", ClientSequence: i, ServerSequence: i,
			OperationJSON: []byte(`[1,"X",1]`), Timestamp: now, VectorClock: []byte("{}"), AppliedAt: now,
		}
		_, err := st.AppendOperations(ctx, doc.ID, []model.PersistedOperation{op}, store.DocumentUpdate{
			Content: doc.Content, Version: i, SizeBytes: doc.SizeBytes, LineCount: doc.LineCount, LastOperationAt: now,
		})
		require.NoError(t, err)
	}

	all, err := st.OperationsSince(ctx, doc.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	limited, err := st.OperationsSince(ctx, doc.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, 1, limited[0].ServerSequence)
	require.Equal(t, 2, limited[1].ServerSequence)
}

func TestCursorUpsertAndDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, st)

	sel := 4
	cur := &model.Cursor{ParticipantID: "participant-1", DocumentID: doc.ID, Line: 1, Column: 2, SelectionStart: &sel, UpdatedAt: time.Now()}
	require.NoError(t, st.UpsertCursor(ctx, cur))

	cur.Column = 9
	require.NoError(t, st.UpsertCursor(ctx, cur))

	list, err := st.GetCursorsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 9, list[0].Column)
	require.NotNil(t, list[0].SelectionStart)
	require.Equal(t, 4, *list[0].SelectionStart)

	require.NoError(t, st.DeleteCursor(ctx, "participant-1", doc.ID))
	list, err = st.GetCursorsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPresenceUpsertAndList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	room := newRoom()
	require.NoError(t, st.CreateRoom(ctx, room))

	p := &model.Presence{ParticipantID: "participant-1", RoomID: room.ID, Status: model.PresenceOnline, Activity: model.ActivityEditing, LastActivity: time.Now()}
	require.NoError(t, st.UpsertPresence(ctx, p))

	p.Status = model.PresenceIdle
	require.NoError(t, st.UpsertPresence(ctx, p))

	list, err := st.GetPresenceForRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, model.PresenceIdle, list[0].Status)
}

func TestSweepExpiredExpiresRoomsAndMarksPresenceOffline(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	room := newRoom()
	room.ExpiresAt = &past
	require.NoError(t, st.CreateRoom(ctx, room))

	stale := time.Now().Add(-model.PresenceTTL - time.Minute)
	p := &model.Presence{ParticipantID: "participant-1", RoomID: room.ID, Status: model.PresenceOnline, Activity: model.ActivityIdle, LastActivity: stale}
	require.NoError(t, st.UpsertPresence(ctx, p))

	require.NoError(t, st.SweepExpired(ctx, time.Now()))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, model.RoomExpired, got.Status)

	presence, err := st.GetPresenceForRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, presence, 1)
	require.Equal(t, model.PresenceOffline, presence[0].Status)
}
