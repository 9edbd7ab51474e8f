package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/model"
)

// SQLite is the default Store implementation, backed by mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

// Open creates a SQLite-backed Store at uri and runs pending migrations.
func Open(uri string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite writers serialize anyway; pin the pool to one connection so
	// a ":memory:" uri can't hand a second goroutine a fresh, unmigrated
	// database under database/sql's default pooling.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.Unavailable, op, err)
}

// --- rooms ---

func (s *SQLite) CreateRoom(ctx context.Context, r *model.Room) error {
	var expiresAt sql.NullInt64
	if r.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: r.ExpiresAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, description, owner_id, max_participants, status, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.OwnerID, r.MaxParticipants, string(r.Status),
		expiresAt, r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return unavailable("create room", err)
	}
	return nil
}

func (s *SQLite) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, max_participants, status, expires_at, created_at, updated_at
		FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*model.Room, error) {
	var r model.Room
	var status string
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.OwnerID, &r.MaxParticipants,
		&status, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "room not found")
	}
	if err != nil {
		return nil, unavailable("get room", err)
	}
	r.Status = model.RoomStatus(status)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		r.ExpiresAt = &t
	}
	return &r, nil
}

func (s *SQLite) UpdateRoom(ctx context.Context, r *model.Room) error {
	var expiresAt sql.NullInt64
	if r.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: r.ExpiresAt.Unix(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET name=?, description=?, max_participants=?, status=?, expires_at=?, updated_at=?
		WHERE id=?`,
		r.Name, r.Description, r.MaxParticipants, string(r.Status), expiresAt, time.Now().Unix(), r.ID,
	)
	if err != nil {
		return unavailable("update room", err)
	}
	return requireRowAffected(res, "room not found")
}

func (s *SQLite) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *SQLite) ListRooms(ctx context.Context, ownerID string) ([]model.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, owner_id, max_participants, status, expires_at, created_at, updated_at
		FROM rooms WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		var r model.Room
		var status string
		var expiresAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.OwnerID, &r.MaxParticipants,
			&status, &expiresAt, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("scan room", err)
		}
		r.Status = model.RoomStatus(status)
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0).UTC()
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- participants ---

func (s *SQLite) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.UserID, string(p.Role), p.DisplayName, p.Color, p.AvatarURL,
		string(p.Presence), p.LastSeen.Unix(), p.JoinedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "participant already exists for this user in this room")
		}
		return unavailable("create participant", err)
	}
	return nil
}

func (s *SQLite) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return scanParticipantRow(s.db.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at
		FROM participants WHERE id = ?`, id))
}

func (s *SQLite) GetParticipantByUser(ctx context.Context, roomID, userID string) (*model.Participant, error) {
	return scanParticipantRow(s.db.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at
		FROM participants WHERE room_id = ? AND user_id = ?`, roomID, userID))
}

func scanParticipantRow(row *sql.Row) (*model.Participant, error) {
	var p model.Participant
	var role, presence string
	var lastSeen, joinedAt int64
	err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &role, &p.DisplayName, &p.Color, &p.AvatarURL,
		&presence, &lastSeen, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "participant not found")
	}
	if err != nil {
		return nil, unavailable("get participant", err)
	}
	p.Role = model.Role(role)
	p.Presence = model.PresenceStatus(presence)
	p.LastSeen = time.Unix(lastSeen, 0).UTC()
	p.JoinedAt = time.Unix(joinedAt, 0).UTC()
	return &p, nil
}

func (s *SQLite) UpdateParticipant(ctx context.Context, p *model.Participant) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET role=?, display_name=?, color=?, avatar_url=?, presence_status=?, last_seen=?
		WHERE id=?`,
		string(p.Role), p.DisplayName, p.Color, p.AvatarURL, string(p.Presence), time.Now().Unix(), p.ID,
	)
	if err != nil {
		return unavailable("update participant", err)
	}
	return requireRowAffected(res, "participant not found")
}

func (s *SQLite) ListParticipants(ctx context.Context, roomID string) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at
		FROM participants WHERE room_id = ? ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, unavailable("list participants", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		var role, presence string
		var lastSeen, joinedAt int64
		if err := rows.Scan(&p.ID, &p.RoomID, &p.UserID, &role, &p.DisplayName, &p.Color, &p.AvatarURL,
			&presence, &lastSeen, &joinedAt); err != nil {
			return nil, unavailable("scan participant", err)
		}
		p.Role = model.Role(role)
		p.Presence = model.PresenceStatus(presence)
		p.LastSeen = time.Unix(lastSeen, 0).UTC()
		p.JoinedAt = time.Unix(joinedAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteParticipant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete participant", err)
	}
	return nil
}

// --- documents ---

func (s *SQLite) CreateDocument(ctx context.Context, d *model.Document) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RoomID, d.FilePath, d.Content, d.Version, d.Language, d.SizeBytes, d.LineCount,
		d.LastOperationAt.Unix(), string(meta),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.DocumentExists, "document already exists at this path")
		}
		return unavailable("create document", err)
	}
	return nil
}

func (s *SQLite) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	return scanDocumentRow(s.db.QueryRowContext(ctx, `
		SELECT id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata
		FROM documents WHERE id = ?`, id))
}

func (s *SQLite) GetDocumentByPath(ctx context.Context, roomID, filePath string) (*model.Document, error) {
	return scanDocumentRow(s.db.QueryRowContext(ctx, `
		SELECT id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata
		FROM documents WHERE room_id = ? AND file_path = ?`, roomID, filePath))
}

func scanDocumentRow(row *sql.Row) (*model.Document, error) {
	var d model.Document
	var lastOp int64
	var meta string
	err := row.Scan(&d.ID, &d.RoomID, &d.FilePath, &d.Content, &d.Version, &d.Language,
		&d.SizeBytes, &d.LineCount, &lastOp, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "document not found")
	}
	if err != nil {
		return nil, unavailable("get document", err)
	}
	d.LastOperationAt = time.Unix(lastOp, 0).UTC()
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &d.Metadata)
	}
	return &d, nil
}

func (s *SQLite) ListDocuments(ctx context.Context, roomID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata
		FROM documents WHERE room_id = ? ORDER BY file_path ASC`, roomID)
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		var lastOp int64
		var meta string
		if err := rows.Scan(&d.ID, &d.RoomID, &d.FilePath, &d.Content, &d.Version, &d.Language,
			&d.SizeBytes, &d.LineCount, &lastOp, &meta); err != nil {
			return nil, unavailable("scan document", err)
		}
		d.LastOperationAt = time.Unix(lastOp, 0).UTC()
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &d.Metadata)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateDocument(ctx context.Context, d *model.Document) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal metadata", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET language=?, metadata=? WHERE id=?`,
		d.Language, string(meta), d.ID,
	)
	if err != nil {
		return unavailable("update document", err)
	}
	return requireRowAffected(res, "document not found")
}

func (s *SQLite) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete document", err)
	}
	return nil
}

// --- operations ---

func (s *SQLite) AppendOperations(ctx context.Context, documentID string, ops []model.PersistedOperation, update DocumentUpdate) (AppendResult, error) {
	if len(ops) == 0 {
		return AppendResult{}, apperr.New(apperr.Internal, "append operations called with no operations")
	}

	// Idempotent resubmit: if the first op's (client_id, client_sequence)
	// is already recorded for this document, return the prior result
	// rather than re-applying, per spec.md §4.E/§8 scenario 4.
	first := ops[0]
	if existing, err := s.operationByClientSeq(ctx, documentID, first.ClientID, first.ClientSequence); err != nil {
		return AppendResult{}, err
	} else if existing != nil {
		return AppendResult{Operations: []model.PersistedOperation{*existing}, Resubmit: true}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, unavailable("begin append", err)
	}
	defer tx.Rollback()

	for i := range ops {
		op := &ops[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, document_id, participant_id, operation_json, client_id, client_sequence, server_sequence, timestamp, applied_at, vector_clock)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, documentID, op.ParticipantID, string(op.OperationJSON), op.ClientID, op.ClientSequence,
			op.ServerSequence, op.Timestamp.Unix(), op.AppliedAt.Unix(), string(op.VectorClock),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return AppendResult{}, apperr.New(apperr.Conflict, "server_sequence or client_sequence already taken")
			}
			return AppendResult{}, unavailable("insert operation", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET content=?, version=?, size_bytes=?, line_count=?, last_operation_timestamp=?
		WHERE id=?`,
		update.Content, update.Version, update.SizeBytes, update.LineCount, update.LastOperationAt.Unix(), documentID,
	)
	if err != nil {
		return AppendResult{}, unavailable("update document", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, unavailable("commit append", err)
	}
	return AppendResult{Operations: ops}, nil
}

func (s *SQLite) operationByClientSeq(ctx context.Context, documentID, clientID string, clientSeq int) (*model.PersistedOperation, error) {
	op, err := scanOperationRow(s.db.QueryRowContext(ctx, `
		SELECT id, document_id, participant_id, operation_json, client_id, client_sequence, server_sequence, timestamp, applied_at, vector_clock
		FROM operations WHERE document_id = ? AND client_id = ? AND client_sequence = ?`, documentID, clientID, clientSeq))
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return op, nil
}

func scanOperationRow(row *sql.Row) (*model.PersistedOperation, error) {
	var op model.PersistedOperation
	var opJSON, vc string
	var ts, appliedAt int64
	err := row.Scan(&op.ID, &op.DocumentID, &op.ParticipantID, &opJSON, &op.ClientID, &op.ClientSequence,
		&op.ServerSequence, &ts, &appliedAt, &vc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "operation not found")
	}
	if err != nil {
		return nil, unavailable("get operation", err)
	}
	op.OperationJSON = []byte(opJSON)
	op.VectorClock = []byte(vc)
	op.Timestamp = time.Unix(ts, 0).UTC()
	op.AppliedAt = time.Unix(appliedAt, 0).UTC()
	return &op, nil
}

func (s *SQLite) OperationsSince(ctx context.Context, documentID string, fromVersion, limit int) ([]model.PersistedOperation, error) {
	// limit<=0 means "unlimited" (callers pass 0 to fetch a whole gap); SQLite's own
	// LIMIT 0 means zero rows, so that case must omit the clause entirely.
	query := `
		SELECT id, document_id, participant_id, operation_json, client_id, client_sequence, server_sequence, timestamp, applied_at, vector_clock
		FROM operations WHERE document_id = ? AND server_sequence > ? ORDER BY server_sequence ASC`
	args := []any{documentID, fromVersion}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("operations since", err)
	}
	defer rows.Close()

	var out []model.PersistedOperation
	for rows.Next() {
		var op model.PersistedOperation
		var opJSON, vc string
		var ts, appliedAt int64
		if err := rows.Scan(&op.ID, &op.DocumentID, &op.ParticipantID, &opJSON, &op.ClientID, &op.ClientSequence,
			&op.ServerSequence, &ts, &appliedAt, &vc); err != nil {
			return nil, unavailable("scan operation", err)
		}
		op.OperationJSON = []byte(opJSON)
		op.VectorClock = []byte(vc)
		op.Timestamp = time.Unix(ts, 0).UTC()
		op.AppliedAt = time.Unix(appliedAt, 0).UTC()
		out = append(out, op)
	}
	return out, rows.Err()
}

// --- cursors ---

func (s *SQLite) UpsertCursor(ctx context.Context, c *model.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (id, participant_id, document_id, line, col, selection_start, selection_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, document_id) DO UPDATE SET
			line=excluded.line, col=excluded.col,
			selection_start=excluded.selection_start, selection_end=excluded.selection_end,
			updated_at=excluded.updated_at`,
		cursorID(c.ParticipantID, c.DocumentID), c.ParticipantID, c.DocumentID, c.Line, c.Column,
		nullableInt(c.SelectionStart), nullableInt(c.SelectionEnd), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return unavailable("upsert cursor", err)
	}
	return nil
}

func cursorID(participantID, documentID string) string {
	return participantID + ":" + documentID
}

func (s *SQLite) GetCursorsForDocument(ctx context.Context, documentID string) ([]model.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, document_id, line, col, selection_start, selection_end, updated_at
		FROM cursors WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, unavailable("get cursors", err)
	}
	defer rows.Close()

	var out []model.Cursor
	for rows.Next() {
		var c model.Cursor
		var selStart, selEnd sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&c.ParticipantID, &c.DocumentID, &c.Line, &c.Column, &selStart, &selEnd, &updatedAt); err != nil {
			return nil, unavailable("scan cursor", err)
		}
		c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if selStart.Valid {
			v := int(selStart.Int64)
			c.SelectionStart = &v
		}
		if selEnd.Valid {
			v := int(selEnd.Int64)
			c.SelectionEnd = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteCursor(ctx context.Context, participantID, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE participant_id = ? AND document_id = ?`, participantID, documentID)
	if err != nil {
		return unavailable("delete cursor", err)
	}
	return nil
}

// --- presence ---

func (s *SQLite) UpsertPresence(ctx context.Context, p *model.Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (participant_id, room_id, status, current_document_id, activity_type, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, room_id) DO UPDATE SET
			status=excluded.status, current_document_id=excluded.current_document_id,
			activity_type=excluded.activity_type, last_activity=excluded.last_activity`,
		p.ParticipantID, p.RoomID, string(p.Status), p.CurrentDocumentID, string(p.Activity), p.LastActivity.Unix(),
	)
	if err != nil {
		return unavailable("upsert presence", err)
	}
	return nil
}

func (s *SQLite) GetPresenceForRoom(ctx context.Context, roomID string) ([]model.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, room_id, status, current_document_id, activity_type, last_activity
		FROM presence WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, unavailable("get presence", err)
	}
	defer rows.Close()

	var out []model.Presence
	for rows.Next() {
		var p model.Presence
		var status, activity string
		var lastActivity int64
		if err := rows.Scan(&p.ParticipantID, &p.RoomID, &status, &p.CurrentDocumentID, &activity, &lastActivity); err != nil {
			return nil, unavailable("scan presence", err)
		}
		p.Status = model.PresenceStatus(status)
		p.Activity = model.ActivityType(activity)
		p.LastActivity = time.Unix(lastActivity, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- sweeper ---

func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET status='expired', updated_at=?
		WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.Unix(), now.Unix(),
	); err != nil {
		return unavailable("sweep expired rooms", err)
	}

	cutoff := now.Add(-model.PresenceTTL).Unix()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE presence SET status='offline' WHERE status != 'offline' AND last_activity < ?`,
		cutoff,
	); err != nil {
		return unavailable("sweep stale presence", err)
	}
	return nil
}

func requireRowAffected(res sql.Result, notFoundMsg string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if rows == 0 {
		return apperr.New(apperr.NotFound, notFoundMsg)
	}
	return nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
