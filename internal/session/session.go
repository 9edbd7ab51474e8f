// Package session implements one state machine per client websocket
// connection: authentication, room join, inbound message dispatch and a
// bounded outbound queue. Grounded on the teacher's pkg/server/connection.go
// (Connection.Handle's read loop, sendInitial/send, broadcastUpdates),
// generalized from the teacher's single always-open room to the full
// connected/authenticated/in-room/closed state machine and message set of
// spec.md §4.D.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/auth"
	"github.com/collabedit/core/internal/logger"
	"github.com/collabedit/core/internal/protocol"
	"github.com/collabedit/core/internal/roomhub"
	"github.com/collabedit/core/internal/store"
)

// State is a session's position in the connected -> authenticated ->
// in-room -> closed state machine of spec.md §4.D.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

// outboundQueueSize is the bounded outbound buffer of spec.md §4.D; an
// overflow is a SlowConsumer disconnect, not a block.
const outboundQueueSize = 256

// Hubs resolves a room id to its live Hub, lazily starting one if needed.
// Implemented by the process-wide room manager (cmd/collabedit wiring).
type Hubs interface {
	Get(ctx context.Context, roomID string) (*roomhub.Hub, error)
}

// Deps are the collaborators a Session needs, threaded through from the
// process entry point.
type Deps struct {
	Auth           auth.Provider
	Store          store.Store
	Hubs           Hubs
	MaxMessageSize int64
	MaxBundleSize  int
	IdleTimeout    time.Duration
	JoinDeadline   time.Duration
}

// Session drives one websocket connection end to end.
type Session struct {
	id    string
	conn  *websocket.Conn
	deps  Deps
	state State

	identity      auth.Identity
	participantID string
	roomID        string
	hub           *roomhub.Hub

	outbound  chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// New wraps an accepted websocket connection. Handle must be called to
// drive it.
func New(id string, conn *websocket.Conn, deps Deps) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		deps:     deps,
		state:    StateConnected,
		outbound: make(chan protocol.Envelope, outboundQueueSize),
		closed:   make(chan struct{}),
	}
}

// ConnectionID and ParticipantID satisfy roomhub.Sender.
func (s *Session) ConnectionID() string  { return s.id }
func (s *Session) ParticipantID() string { return s.participantID }

// Send enqueues an outbound envelope; an overflowing queue closes the
// connection as a SlowConsumer instead of blocking the room hub actor.
func (s *Session) Send(env protocol.Envelope) {
	select {
	case s.outbound <- env:
	default:
		logger.Error("session %s: slow consumer, closing", s.id)
		s.closeOnce.Do(func() { close(s.closed) })
	}
}

// Handle drives the connection until it closes or ctx is cancelled. token
// is the bearer credential presented at connect time (e.g. a query param
// or subprotocol, resolved by the caller before Handle is invoked).
func (s *Session) Handle(ctx context.Context, token string) error {
	defer s.cleanup(ctx)

	identity, err := s.deps.Auth.Verify(ctx, token)
	if err != nil {
		// No writeLoop is running yet at this point in the handshake, so
		// the rejection is written directly instead of queued through Send.
		s.writeDirect(ctx, protocol.TypeError, protocol.ErrorMsg{Code: string(apperr.AuthRequired), Message: "authentication failed"})
		return fmt.Errorf("authenticate: %w", err)
	}
	s.identity = identity
	s.state = StateAuthenticated

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, writerDone)

	s.conn.SetReadLimit(s.deps.MaxMessageSize)

	joinCtx, joinCancel := context.WithTimeout(ctx, s.deps.JoinDeadline)
	if err := s.awaitJoin(joinCtx); err != nil {
		joinCancel()
		return err
	}
	joinCancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		readCtx, readCancel := context.WithTimeout(ctx, s.deps.IdleTimeout)
		var env protocol.Envelope
		err := wsjson.Read(readCtx, s.conn, &env)
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if err := s.dispatch(ctx, env); err != nil {
			logger.Error("session %s: dispatch %s: %v", s.id, env.Type, err)
			s.sendError(apperr.KindOf(err), err.Error())
			if apperr.KindOf(err) == apperr.InvalidOperation {
				return err
			}
		}
	}
}

// awaitJoin blocks until the client's first message is a valid join-room,
// per the connected->authenticated->in-room transition of spec.md §4.D.
func (s *Session) awaitJoin(ctx context.Context) error {
	var env protocol.Envelope
	if err := wsjson.Read(ctx, s.conn, &env); err != nil {
		return fmt.Errorf("await join: %w", err)
	}
	if env.Type != protocol.TypeJoinRoom {
		s.sendError(apperr.InvalidOperation, "first message must be join-room")
		return apperr.New(apperr.InvalidOperation, "first message must be join-room")
	}
	return s.handleJoinRoom(ctx, env)
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeJoinRoom:
		return s.handleJoinRoom(ctx, env)
	case protocol.TypeLeaveRoom:
		return s.handleLeaveRoom(ctx)
	case protocol.TypeOpenDocument:
		return s.handleOpenDocument(ctx, env)
	case protocol.TypeOperation:
		return s.handleOperation(ctx, env)
	case protocol.TypeCursorUpdate:
		return s.handleCursorUpdate(ctx, env)
	case protocol.TypePresenceUpdate:
		return s.handlePresenceUpdate(ctx, env)
	case protocol.TypePing:
		s.Send(mustEncode(protocol.TypePong, protocol.SystemParticipantID, struct{}{}))
		return nil
	default:
		return apperr.New(apperr.InvalidOperation, "unrecognized message type "+env.Type)
	}
}

func (s *Session) requireInRoom() error {
	if s.state != StateInRoom {
		return apperr.New(apperr.InvalidOperation, "not in a room")
	}
	return nil
}

func (s *Session) handleJoinRoom(ctx context.Context, env protocol.Envelope) error {
	var msg protocol.JoinRoomMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "decode join-room", err)
	}

	participant, err := s.deps.Store.GetParticipantByUser(ctx, msg.RoomID, s.identity.UserID)
	if err != nil {
		return err
	}
	hub, err := s.deps.Hubs.Get(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	s.roomID = msg.RoomID
	s.participantID = participant.ID
	s.hub = hub

	joined, err := hub.Join(ctx, s, msg.ResumeFromVersion)
	if err != nil {
		return err
	}
	s.state = StateInRoom
	s.Send(mustEncode(protocol.TypeRoomJoined, protocol.SystemParticipantID, joined))
	return nil
}

func (s *Session) handleLeaveRoom(ctx context.Context) error {
	if err := s.requireInRoom(); err != nil {
		return err
	}
	err := s.hub.Leave(ctx, s.id)
	s.state = StateAuthenticated
	s.hub = nil
	return err
}

func (s *Session) handleOpenDocument(ctx context.Context, env protocol.Envelope) error {
	if err := s.requireInRoom(); err != nil {
		return err
	}
	var msg protocol.OpenDocumentMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "decode open-document", err)
	}
	content, version, err := s.hub.OpenDocument(ctx, msg.DocumentID)
	if err != nil {
		return err
	}
	s.Send(mustEncode(protocol.TypeDocumentSnapshot, protocol.SystemParticipantID, protocol.DocumentSnapshot{
		DocumentID: msg.DocumentID, Content: content, Version: version,
	}))
	return nil
}

func (s *Session) handleOperation(ctx context.Context, env protocol.Envelope) error {
	if err := s.requireInRoom(); err != nil {
		return err
	}
	var msg protocol.OperationMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "decode operation", err)
	}
	if msg.Ops == nil || len(msg.Ops.Ops) == 0 {
		return apperr.New(apperr.InvalidOperation, "empty operation bundle")
	}
	if raw, _ := json.Marshal(msg.Ops); len(raw) > s.deps.MaxBundleSize {
		return apperr.New(apperr.InvalidOperation, "operation bundle exceeds max size")
	}
	_, err := s.hub.SubmitOperation(ctx, s.id, s.participantID, msg)
	return err
}

func (s *Session) handleCursorUpdate(ctx context.Context, env protocol.Envelope) error {
	if err := s.requireInRoom(); err != nil {
		return err
	}
	var msg protocol.CursorUpdateMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "decode cursor-update", err)
	}
	return s.hub.CursorUpdate(ctx, s.id, s.participantID, msg)
}

func (s *Session) handlePresenceUpdate(ctx context.Context, env protocol.Envelope) error {
	if err := s.requireInRoom(); err != nil {
		return err
	}
	var msg protocol.PresenceUpdateMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "decode presence-update", err)
	}
	return s.hub.PresenceUpdate(ctx, s.participantID, msg)
}

func (s *Session) sendError(kind apperr.Kind, message string) {
	s.Send(mustEncode(protocol.TypeError, protocol.SystemParticipantID, protocol.ErrorMsg{Code: string(kind), Message: message}))
}

// writeDirect writes one envelope synchronously, for handshake failures
// that occur before writeLoop is started.
func (s *Session) writeDirect(ctx context.Context, msgType string, payload any) {
	env := mustEncode(msgType, protocol.SystemParticipantID, payload)
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, s.conn, env); err != nil {
		logger.Error("session %s: write handshake error: %v", s.id, err)
	}
}

func mustEncode(msgType, senderID string, payload any) protocol.Envelope {
	env, err := protocol.Encode(msgType, senderID, payload)
	if err != nil {
		logger.Error("encode %s: %v", msgType, err)
	}
	return env
}

// writeLoop serializes writes to the underlying connection, matching the
// teacher's Connection.send mutex discipline but driven off the bounded
// outbound channel instead of a direct per-call lock.
func (s *Session) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case env, ok := <-s.outbound:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, s.conn, env)
			cancel()
			if err != nil {
				logger.Error("session %s: write: %v", s.id, err)
				s.closeOnce.Do(func() { close(s.closed) })
				return
			}
		}
	}
}

func (s *Session) cleanup(ctx context.Context) {
	s.state = StateClosed
	if s.hub != nil {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.hub.Leave(leaveCtx, s.id); err != nil {
			logger.Error("session %s: leave on cleanup: %v", s.id, err)
		}
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	_ = ctx
}
