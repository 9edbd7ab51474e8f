package restapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/collabedit/core/internal/apperr"
)

type validateTokenRequest struct {
	Token string `json:"token"`
}

// validateToken verifies a bearer token without requiring one already be
// attached to the request (POST /auth/validate, spec.md §6), so a client
// can check a token before committing to a websocket handshake.
func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	token := req.Token
	if token == "" {
		if header := r.Header.Get("Authorization"); header != "" {
			token, _ = strings.CutPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		writeBadRequest(w, "token is required")
		return
	}
	identity, err := s.auth.Verify(r.Context(), token)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidToken, "token verification failed", err))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// getMe returns the identity resolved from the caller's own bearer token.
func (s *Server) getMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.AuthRequired, "missing identity"))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// refreshToken re-verifies the caller's current token and echoes its
// identity back. Token minting lives with the external AuthProvider
// (spec.md §1 treats auth as an external collaborator); this module only
// verifies, so "refresh" here is a liveness check rather than reissuing a
// credential.
func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.AuthRequired, "missing identity"))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}
