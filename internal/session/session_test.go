package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/collabedit/core/internal/auth"
	"github.com/collabedit/core/internal/model"
	"github.com/collabedit/core/internal/ot"
	"github.com/collabedit/core/internal/protocol"
	"github.com/collabedit/core/internal/roomhub"
	"github.com/collabedit/core/internal/session"
	"github.com/collabedit/core/internal/store"
)

// testHarness wires a real SQLite(:memory:) store, a StaticProvider and a
// roomhub.Manager behind a session.Gateway mounted on an httptest.Server,
// mirroring the teacher's pkg/server/server_test.go end-to-end shape: spin
// up a real server, dial it with a real websocket client, assert on wire
// messages.
type testHarness struct {
	st     store.Store
	server *httptest.Server
	wsURL  string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := auth.NewStaticProvider(map[string]auth.Identity{
		"token-1": {UserID: "user-1", DisplayName: "Ada"},
		"token-2": {UserID: "user-2", DisplayName: "Grace"},
	})
	hubs := roomhub.NewManager(st, roomhub.DefaultConfig())
	gateway := session.NewGateway(session.Deps{
		Auth:           provider,
		Store:          st,
		Hubs:           hubs,
		MaxMessageSize: protocol.MaxMessageSize,
		MaxBundleSize:  protocol.MaxBundleSize,
		IdleTimeout:    5 * time.Second,
		JoinDeadline:   2 * time.Second,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testHarness{st: st, server: srv, wsURL: "ws" + srv.URL[len("http"):] + "/ws?token="}
}

func (h *testHarness) seedRoomWithParticipant(t *testing.T, userID string, role model.Role) (roomID, docID, participantID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	room := &model.Room{ID: uuid.NewString(), Name: "room", OwnerID: "owner", MaxParticipants: model.MaxParticipants, Status: model.RoomActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.st.CreateRoom(ctx, room))

	doc := &model.Document{ID: uuid.NewString(), RoomID: room.ID, FilePath: "main.go", Content: "AB", Version: 0, LastOperationAt: now}
	doc.Recompute()
	require.NoError(t, h.st.CreateDocument(ctx, doc))

	p := &model.Participant{ID: uuid.NewString(), RoomID: room.ID, UserID: userID, Role: role, DisplayName: "tester", Color: "#fff", Presence: model.PresenceOffline, LastSeen: now, JoinedAt: now}
	require.NoError(t, h.st.CreateParticipant(ctx, p))

	return room.ID, doc.ID, p.ID
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.wsURL+"bad-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env protocol.Envelope
	err := wsjson.Read(ctx, conn, &env)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, env.Type)
	var msg protocol.ErrorMsg
	require.NoError(t, protocol.DecodePayload(env, &msg))
	require.Equal(t, "AUTH_REQUIRED", msg.Code)
}

func TestJoinRoomOverWebsocketReturnsRoomJoined(t *testing.T) {
	h := newHarness(t)
	roomID, docID, _ := h.seedRoomWithParticipant(t, "user-1", model.RoleOwner)

	conn := dial(t, h.wsURL+"token-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, envelopeFor(t, protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})))

	var env protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	require.Equal(t, protocol.TypeRoomJoined, env.Type)

	var joined protocol.RoomJoinedMsg
	require.NoError(t, protocol.DecodePayload(env, &joined))
	require.Equal(t, roomID, joined.RoomID)
	require.Len(t, joined.Documents, 1)
	require.Equal(t, docID, joined.Documents[0].DocumentID)
}

func TestOperationRoundTripsBetweenTwoSessions(t *testing.T) {
	h := newHarness(t)
	roomID, docID, _ := h.seedRoomWithParticipant(t, "user-1", model.RoleOwner)

	now := time.Now()
	p2 := &model.Participant{ID: uuid.NewString(), RoomID: roomID, UserID: "user-2", Role: model.RoleEditor, DisplayName: "Grace", Color: "#000", Presence: model.PresenceOffline, LastSeen: now, JoinedAt: now}
	require.NoError(t, h.st.CreateParticipant(context.Background(), p2))

	conn1 := dial(t, h.wsURL+"token-1")
	conn2 := dial(t, h.wsURL+"token-2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn1, envelopeFor(t, protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})))
	var joined1 protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn1, &joined1))
	require.Equal(t, protocol.TypeRoomJoined, joined1.Type)

	require.NoError(t, wsjson.Write(ctx, conn2, envelopeFor(t, protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})))
	var joined2 protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn2, &joined2))
	require.Equal(t, protocol.TypeRoomJoined, joined2.Type)

	// conn1 also observes conn2's participant-joined broadcast; drain it
	// before asserting on the operation-received message that follows.
	var participantJoined protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn1, &participantJoined))
	require.Equal(t, protocol.TypeParticipantJoined, participantJoined.Type)

	bundle := ot.New().Ret(1).Ins("X").Ret(1)
	op := protocol.OperationMsg{DocumentID: docID, Ops: bundle, BaseVersion: 0, ClientID: "client-1", ClientSequence: 1}
	require.NoError(t, wsjson.Write(ctx, conn1, envelopeFor(t, protocol.TypeOperation, op)))

	// The submitter is acknowledged for its own operation, not just peers.
	var ack protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn1, &ack))
	require.Equal(t, protocol.TypeOperationReceived, ack.Type)

	var received protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn2, &received))
	require.Equal(t, protocol.TypeOperationReceived, received.Type)

	var opMsg protocol.OperationReceivedMsg
	require.NoError(t, protocol.DecodePayload(received, &opMsg))
	require.Equal(t, 1, opMsg.NewVersion)
}

func TestPingReceivesPong(t *testing.T) {
	h := newHarness(t)
	roomID, _, _ := h.seedRoomWithParticipant(t, "user-1", model.RoleOwner)

	conn := dial(t, h.wsURL+"token-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, envelopeFor(t, protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})))
	var joined protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &joined))

	require.NoError(t, wsjson.Write(ctx, conn, envelopeFor(t, protocol.TypePing, struct{}{})))
	var pong protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &pong))
	require.Equal(t, protocol.TypePong, pong.Type)
}

func envelopeFor(t *testing.T, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.Encode(msgType, "", payload)
	require.NoError(t, err)
	return env
}
