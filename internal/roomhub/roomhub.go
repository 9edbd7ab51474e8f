// Package roomhub implements the per-room runtime: participant/connection
// membership, pub/sub fan-out of operations, cursors and presence, and
// lazy ownership of the document coordinators live in this room. One Hub
// exists per active room, grounded on the teacher's ServerState/
// getOrCreateDocument/StartCleaner lifecycle in pkg/server/server.go,
// generalized here from one global document to one hub per room holding
// many documents.
package roomhub

import (
	"context"
	"sync"
	"time"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/document"
	"github.com/collabedit/core/internal/logger"
	"github.com/collabedit/core/internal/model"
	"github.com/collabedit/core/internal/ot"
	"github.com/collabedit/core/internal/protocol"
	"github.com/collabedit/core/internal/store"
)

// Sender is the outbound half of a session, as seen by the room hub. A
// session implements this to receive fan-out without the hub depending on
// the session package (which depends on roomhub, not the other way round).
type Sender interface {
	ConnectionID() string
	ParticipantID() string
	Send(env protocol.Envelope)
}

// Config carries the tunables spec.md §5/§6 name for a room hub.
type Config struct {
	MaxLag             int
	RingSize           int
	RateLimitOpsPerSec int
	RateLimitBurst     int
	CursorCoalesce     time.Duration
	PresenceInterval   time.Duration
	IdleTTL            time.Duration
	LeaveGrace         time.Duration
	StoreDeadline      time.Duration
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxLag:             document.DefaultMaxLag,
		RingSize:           document.DefaultRingSize,
		RateLimitOpsPerSec: 50,
		RateLimitBurst:     200,
		CursorCoalesce:     100 * time.Millisecond,
		PresenceInterval:   time.Second,
		IdleTTL:            60 * time.Second,
		LeaveGrace:         30 * time.Second,
		StoreDeadline:      10 * time.Second,
	}
}

// Hub is the single-actor owner of one room's live state.
type Hub struct {
	roomID string
	st     store.Store
	cfg    Config

	cmds chan command
	done chan struct{}
	idle chan struct{}

	sessions      map[string]Sender            // connID -> sender
	byParticipant map[string]map[string]bool    // participantID -> set of connID
	participants  map[string]*model.Participant // participantID -> cached role/display record
	documents     map[string]*document.Coordinator

	opLimiter       *limiterSet
	presenceLimiter *singleRateLimiter
	cursorPending   map[limiterKey]*pendingCursor
	leaveTimers     map[string]*time.Timer

	emptySince time.Time
	idleTimer  *time.Timer
	idleClosed bool

	stopOnce sync.Once
}

type pendingCursor struct {
	cursor model.Cursor
	timer  *time.Timer
}

type command struct {
	run  func()
	done chan struct{}
}

// New starts a Hub actor for roomID.
func New(st store.Store, roomID string, cfg Config) *Hub {
	h := &Hub{
		roomID:          roomID,
		st:              st,
		cfg:             cfg,
		cmds:            make(chan command),
		done:            make(chan struct{}),
		idle:            make(chan struct{}),
		sessions:        make(map[string]Sender),
		byParticipant:   make(map[string]map[string]bool),
		participants:    make(map[string]*model.Participant),
		documents:       make(map[string]*document.Coordinator),
		opLimiter:       newLimiterSet(cfg.RateLimitOpsPerSec, cfg.RateLimitBurst),
		presenceLimiter: newSingleRateLimiter(cfg.PresenceInterval),
		cursorPending:   make(map[limiterKey]*pendingCursor),
		leaveTimers:     make(map[string]*time.Timer),
	}
	go h.run()
	return h
}

// Idle is closed once the room has had zero participants for longer than
// cfg.IdleTTL; the owner should then Stop the hub and drop its map entry,
// per spec.md §4.C.
func (h *Hub) Idle() <-chan struct{} { return h.idle }

// Stop terminates the hub actor and every document coordinator it owns.
// h.documents is only ever touched from inside the actor, so the teardown
// itself runs as one last command before the actor exits, rather than
// racing the actor from the caller's goroutine.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		stopped := make(chan struct{})
		select {
		case h.cmds <- command{run: h.stopDocumentsLocked, done: stopped}:
			<-stopped
		case <-h.done:
		}
		close(h.done)
	})
}

func (h *Hub) stopDocumentsLocked() {
	for _, c := range h.documents {
		c.Stop()
	}
}

func (h *Hub) run() {
	for {
		select {
		case cmd := <-h.cmds:
			cmd.run()
			close(cmd.done)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.cmds <- command{run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return apperr.New(apperr.Unavailable, "room hub stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join records a new connection for participantID, verifies the
// participant record exists, broadcasts participant-joined, and returns
// the reconciliation snapshot of every document plus current roster.
func (h *Hub) Join(ctx context.Context, sender Sender, resumeFromVersion *int) (protocol.RoomJoinedMsg, error) {
	var out protocol.RoomJoinedMsg
	var err error
	execErr := h.exec(ctx, func() {
		out, err = h.joinLocked(ctx, sender, resumeFromVersion)
	})
	if execErr != nil {
		return protocol.RoomJoinedMsg{}, execErr
	}
	return out, err
}

func (h *Hub) joinLocked(ctx context.Context, sender Sender, resumeFromVersion *int) (protocol.RoomJoinedMsg, error) {
	participantID := sender.ParticipantID()
	p, err := h.st.GetParticipant(ctx, participantID)
	if err != nil {
		return protocol.RoomJoinedMsg{}, err
	}
	if p.RoomID != h.roomID {
		return protocol.RoomJoinedMsg{}, apperr.New(apperr.PermissionDenied, "participant does not belong to this room")
	}
	h.participants[participantID] = p

	connID := sender.ConnectionID()
	h.sessions[connID] = sender
	if h.byParticipant[participantID] == nil {
		h.byParticipant[participantID] = make(map[string]bool)
	}
	firstConnection := len(h.byParticipant[participantID]) == 0
	h.byParticipant[participantID][connID] = true

	if t, ok := h.leaveTimers[participantID]; ok {
		t.Stop()
		delete(h.leaveTimers, participantID)
	}
	h.noteNonEmpty()

	docs, err := h.st.ListDocuments(ctx, h.roomID)
	if err != nil {
		return protocol.RoomJoinedMsg{}, err
	}
	snapshots := make([]protocol.DocumentSnapshot, 0, len(docs))
	for _, d := range docs {
		coord, err := h.coordinatorLocked(ctx, d.ID)
		if err != nil {
			return protocol.RoomJoinedMsg{}, err
		}
		content, version, err := coord.OpenSnapshot(ctx)
		if err != nil {
			return protocol.RoomJoinedMsg{}, err
		}
		snap := protocol.DocumentSnapshot{DocumentID: d.ID, Version: version}
		if resumeFromVersion != nil && version-*resumeFromVersion <= h.cfg.MaxLag {
			gapOps, err := coord.OperationsSince(ctx, *resumeFromVersion, 0)
			if err != nil {
				return protocol.RoomJoinedMsg{}, err
			}
			snap.Gap = make([]protocol.OperationReceivedMsg, 0, len(gapOps))
			for _, op := range gapOps {
				bundle := new(ot.Bundle)
				_ = bundle.UnmarshalJSON(op.OperationJSON)
				snap.Gap = append(snap.Gap, protocol.OperationReceivedMsg{
					DocumentID: d.ID, ParticipantID: op.ParticipantID, Ops: bundle,
					NewVersion: op.ServerSequence, ClientID: op.ClientID, ClientSeq: op.ClientSequence,
				})
			}
		} else {
			snap.Content = content
		}
		snapshots = append(snapshots, snap)
	}

	roster, err := h.st.ListParticipants(ctx, h.roomID)
	if err != nil {
		return protocol.RoomJoinedMsg{}, err
	}
	infos := make([]protocol.ParticipantInfo, 0, len(roster))
	for _, rp := range roster {
		infos = append(infos, participantInfo(rp))
	}

	if firstConnection {
		h.broadcastExcept(connID, protocol.TypeParticipantJoined, protocol.ParticipantJoinedMsg{Participant: participantInfo(*p)})
	}

	return protocol.RoomJoinedMsg{RoomID: h.roomID, ParticipantID: participantID, Documents: snapshots, Participants: infos}, nil
}

func participantInfo(p model.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ParticipantID: p.ID, DisplayName: p.DisplayName, Color: p.Color,
		Role: string(p.Role), Presence: string(p.Presence),
	}
}

// Leave removes one connection. If it was the participant's last
// connection, presence is marked offline after the configured grace
// period unless a new connection arrives first.
func (h *Hub) Leave(ctx context.Context, connID string) error {
	return h.exec(ctx, func() { h.leaveLocked(connID) })
}

func (h *Hub) leaveLocked(connID string) {
	sender, ok := h.sessions[connID]
	if !ok {
		return
	}
	delete(h.sessions, connID)
	participantID := sender.ParticipantID()
	if conns := h.byParticipant[participantID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.byParticipant, participantID)
			h.opLimiter.forgetParticipant(participantID)
			h.presenceLimiter.forget(participantID)
			h.scheduleOfflineLocked(participantID)
		}
	}
	if len(h.sessions) == 0 {
		h.noteEmpty()
	}
}

func (h *Hub) scheduleOfflineLocked(participantID string) {
	t := time.AfterFunc(h.cfg.LeaveGrace, func() {
		_ = h.exec(context.Background(), func() { h.markOfflineLocked(participantID) })
	})
	h.leaveTimers[participantID] = t
}

func (h *Hub) markOfflineLocked(participantID string) {
	delete(h.leaveTimers, participantID)
	if _, stillConnected := h.byParticipant[participantID]; stillConnected {
		return
	}
	p := h.participants[participantID]
	if p == nil {
		return
	}
	p.Presence = model.PresenceOffline
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreDeadline)
	defer cancel()
	if err := h.st.UpdateParticipant(ctx, p); err != nil {
		logger.Error("room %s: mark participant %s offline: %v", h.roomID, participantID, err)
	}
	h.broadcastAll(protocol.TypeParticipantLeft, protocol.ParticipantLeftMsg{ParticipantID: participantID})
}

// OpenDocument returns the current snapshot of one document, lazily
// starting its coordinator if needed.
func (h *Hub) OpenDocument(ctx context.Context, documentID string) (content string, version int, err error) {
	execErr := h.exec(ctx, func() {
		var coord *document.Coordinator
		coord, err = h.coordinatorLocked(ctx, documentID)
		if err != nil {
			return
		}
		content, version, err = coord.OpenSnapshot(ctx)
	})
	if execErr != nil {
		return "", 0, execErr
	}
	return content, version, err
}

func (h *Hub) coordinatorLocked(ctx context.Context, documentID string) (*document.Coordinator, error) {
	if c, ok := h.documents[documentID]; ok {
		return c, nil
	}
	d, err := h.st.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c := document.New(h.st, d.ID, d.Content, d.Version, h.cfg.MaxLag, h.cfg.RingSize)
	h.documents[documentID] = c
	return c, nil
}

// SubmitOperation applies a client-submitted operation bundle and fans the
// accepted result out to every session in the room, the submitting one
// included.
func (h *Hub) SubmitOperation(ctx context.Context, originConnID, participantID string, msg protocol.OperationMsg) (document.SubmitResult, error) {
	var result document.SubmitResult
	var err error
	execErr := h.exec(ctx, func() {
		result, err = h.submitOperationLocked(ctx, originConnID, participantID, msg)
	})
	if execErr != nil {
		return document.SubmitResult{}, execErr
	}
	return result, err
}

func (h *Hub) submitOperationLocked(ctx context.Context, originConnID, participantID string, msg protocol.OperationMsg) (document.SubmitResult, error) {
	p := h.participants[participantID]
	if p == nil {
		return document.SubmitResult{}, apperr.New(apperr.PermissionDenied, "not a room participant")
	}
	if !p.Role.CanEdit() {
		return document.SubmitResult{}, apperr.New(apperr.ReadOnly, "viewer role may not submit operations")
	}
	if !h.opLimiter.Allow(participantID, msg.DocumentID) {
		return document.SubmitResult{}, apperr.New(apperr.RateLimited, "operation rate limit exceeded")
	}

	coord, err := h.coordinatorLocked(ctx, msg.DocumentID)
	if err != nil {
		return document.SubmitResult{}, err
	}
	result, err := coord.Submit(ctx, participantID, msg.Ops, msg.BaseVersion, msg.ClientID, msg.ClientSequence)
	if err != nil {
		if apperr.KindOf(err) == apperr.SyncRequired {
			h.sendTo(originConnID, protocol.TypeSyncRequest, protocol.SyncRequestMsg{DocumentID: msg.DocumentID, From: msg.BaseVersion})
		}
		return document.SubmitResult{}, err
	}

	// Every session in the room, including the one that submitted this
	// operation, must observe operation-received for it: the origin needs
	// it as its own ack, and peers need it to stay in sync.
	h.broadcastAll(protocol.TypeOperationReceived, protocol.OperationReceivedMsg{
		DocumentID: msg.DocumentID, ParticipantID: participantID, Ops: result.Transformed,
		NewVersion: result.NewVersion, ClientID: msg.ClientID, ClientSeq: msg.ClientSequence,
	})
	return result, nil
}

// CursorUpdate transforms a reported cursor position through any server
// operations newer than the client's reported base version, then coalesces
// the upsert/broadcast per spec.md §5 (one per 100ms).
func (h *Hub) CursorUpdate(ctx context.Context, originConnID, participantID string, msg protocol.CursorUpdateMsg) error {
	return h.exec(ctx, func() { h.cursorUpdateLocked(ctx, originConnID, participantID, msg) })
}

func (h *Hub) cursorUpdateLocked(ctx context.Context, originConnID, participantID string, msg protocol.CursorUpdateMsg) {
	coord, err := h.coordinatorLocked(ctx, msg.DocumentID)
	if err != nil {
		logger.Error("room %s: cursor update coordinator lookup: %v", h.roomID, err)
		return
	}
	newer, err := coord.OperationsSince(ctx, msg.BaseVersion, 0)
	if err != nil {
		logger.Error("room %s: cursor update gap lookup: %v", h.roomID, err)
		return
	}
	line, col, selStart, selEnd := msg.Line, msg.Column, msg.SelectionStart, msg.SelectionEnd
	for _, op := range newer {
		bundle := new(ot.Bundle)
		if err := bundle.UnmarshalJSON(op.OperationJSON); err != nil {
			continue
		}
		isOwn := op.ParticipantID == participantID
		col = ot.TransformCursor(col, bundle.Ops, isOwn)
		if selStart != nil {
			v := ot.TransformCursor(*selStart, bundle.Ops, isOwn)
			selStart = &v
		}
		if selEnd != nil {
			v := ot.TransformCursor(*selEnd, bundle.Ops, isOwn)
			selEnd = &v
		}
	}

	cursor := model.Cursor{
		ParticipantID: participantID, DocumentID: msg.DocumentID,
		Line: line, Column: col, SelectionStart: selStart, SelectionEnd: selEnd, UpdatedAt: time.Now(),
	}
	key := limiterKey{participantID: participantID, documentID: msg.DocumentID}
	if existing, ok := h.cursorPending[key]; ok {
		existing.cursor = cursor
		return
	}
	h.cursorPending[key] = &pendingCursor{cursor: cursor}
	time.AfterFunc(h.cfg.CursorCoalesce, func() {
		_ = h.exec(context.Background(), func() { h.flushCursorLocked(key) })
	})
}

func (h *Hub) flushCursorLocked(key limiterKey) {
	pc, ok := h.cursorPending[key]
	if !ok {
		return
	}
	delete(h.cursorPending, key)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreDeadline)
	defer cancel()
	c := pc.cursor
	if err := h.st.UpsertCursor(ctx, &c); err != nil {
		logger.Error("room %s: upsert cursor: %v", h.roomID, err)
		return
	}
	h.broadcastAll(protocol.TypeCursorUpdated, protocol.CursorUpdatedMsg{
		ParticipantID: c.ParticipantID, DocumentID: c.DocumentID, Line: c.Line, Column: c.Column,
		SelectionStart: c.SelectionStart, SelectionEnd: c.SelectionEnd,
	})
}

// PresenceUpdate updates a participant's status/activity, throttled to one
// update per second per spec.md §5.
func (h *Hub) PresenceUpdate(ctx context.Context, participantID string, msg protocol.PresenceUpdateMsg) error {
	return h.exec(ctx, func() { h.presenceUpdateLocked(ctx, participantID, msg) })
}

func (h *Hub) presenceUpdateLocked(ctx context.Context, participantID string, msg protocol.PresenceUpdateMsg) {
	if !h.presenceLimiter.Allow(participantID) {
		return
	}
	p := h.participants[participantID]
	if p == nil {
		return
	}
	status := model.PresenceStatus(msg.Status)
	p.Presence = status

	presence := model.Presence{ParticipantID: participantID, RoomID: h.roomID, Status: status, LastActivity: time.Now()}
	if msg.Activity != nil {
		presence.Activity = model.ActivityType(*msg.Activity)
	}
	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreDeadline)
	defer cancel()
	if err := h.st.UpsertPresence(storeCtx, &presence); err != nil {
		logger.Error("room %s: upsert presence: %v", h.roomID, err)
		return
	}
	h.broadcastAll(protocol.TypePresenceUpdated, protocol.PresenceUpdatedMsg{
		ParticipantID: participantID, Status: string(status),
		CurrentDocumentID: presence.CurrentDocumentID, Activity: string(presence.Activity),
	})
}

func (h *Hub) sendTo(connID string, msgType string, payload any) {
	sender, ok := h.sessions[connID]
	if !ok {
		return
	}
	env, err := protocol.Encode(msgType, protocol.SystemParticipantID, payload)
	if err != nil {
		logger.Error("room %s: encode %s: %v", h.roomID, msgType, err)
		return
	}
	sender.Send(env)
}

func (h *Hub) broadcastAll(msgType string, payload any) {
	env, err := protocol.Encode(msgType, protocol.SystemParticipantID, payload)
	if err != nil {
		logger.Error("room %s: encode %s: %v", h.roomID, msgType, err)
		return
	}
	for _, sender := range h.sessions {
		sender.Send(env)
	}
}

func (h *Hub) broadcastExcept(exceptConnID string, msgType string, payload any) {
	env, err := protocol.Encode(msgType, protocol.SystemParticipantID, payload)
	if err != nil {
		logger.Error("room %s: encode %s: %v", h.roomID, msgType, err)
		return
	}
	for connID, sender := range h.sessions {
		if connID == exceptConnID {
			continue
		}
		sender.Send(env)
	}
}

func (h *Hub) noteEmpty() {
	h.emptySince = time.Now()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	h.idleTimer = time.AfterFunc(h.cfg.IdleTTL, func() {
		_ = h.exec(context.Background(), h.maybeGoIdleLocked)
	})
}

func (h *Hub) noteNonEmpty() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *Hub) maybeGoIdleLocked() {
	if len(h.sessions) != 0 || h.idleClosed {
		return
	}
	h.idleClosed = true
	close(h.idle)
}
