package restapi

import (
	"encoding/json"
	"net/http"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/logger"
)

// decodeJSON unmarshals a request body into dst, returning an
// apperr.InvalidOperation on malformed JSON.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.InvalidOperation, "invalid request body", err)
	}
	return nil
}

// envelope is the uniform REST response shape of spec.md §6:
// {success, data?, error?, code?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logger.Error("restapi: encode response: %v", err)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError renders err as the envelope's error/code pair, deriving the
// HTTP status from its apperr.Kind (Internal for anything not constructed
// through that package).
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= 500 {
		logger.Error("restapi: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error(), Code: string(kind)})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, apperr.New(apperr.InvalidOperation, message))
}
