package session

import (
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/collabedit/core/internal/logger"
)

// Gateway upgrades incoming HTTP requests to websocket connections and
// drives one Session per connection, grounded on the teacher's
// Server.handleSocket (pkg/server/server.go) which did the same
// websocket.Accept-then-hand-off-to-a-connection-handler dance for a single
// always-open room; generalized here to the full connected->...->closed
// session state machine of spec.md §4.D, with the bearer token read off the
// connection request instead of the teacher's per-document OTP.
type Gateway struct {
	deps Deps
}

// NewGateway builds a Gateway around the dependencies every Session needs.
func NewGateway(deps Deps) *Gateway {
	return &Gateway{deps: deps}
}

// ServeHTTP accepts one websocket connection and blocks until it closes.
// The bearer token is read from the "token" query parameter: browser
// WebSocket clients cannot set an Authorization header on the upgrade
// request, so this is the wire convention clients use instead.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("gateway: websocket upgrade failed: %v", err)
		return
	}

	token := r.URL.Query().Get("token")
	sess := New(uuid.NewString(), conn, g.deps)
	if err := sess.Handle(r.Context(), token); err != nil {
		logger.Debug("gateway: session closed: %v", err)
	}
}
