package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/inspection-dispatch/internal/apperr"
)

type errorBody struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the taxonomy to status codes and a structured body
// so clients can decide between retry, pick-another-option, or
// contact-support.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	body.Error.Code = apperr.CodeOf(err)
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Error.Message = ae.Message
	} else {
		body.Error.Message = "internal error"
		s.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, apperr.HTTPStatus(err), body)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
