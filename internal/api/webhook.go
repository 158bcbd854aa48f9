package api

import (
	"io"
	"net/http"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
)

// handleWebhook forwards the raw body to the Ingress Dispatcher; no bearer
// auth here, the dispatcher's own idempotency (event_id) is the guard
// against replay.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "read request body", err))
		return
	}

	status, httpStatus, err := s.ingress.HandleWebhook(r.Context(), body)
	if err != nil {
		writeJSON(w, httpStatus, envelope{Error: &errorBody{Code: string(apperr.KindValidation), Message: err.Error()}})
		return
	}
	writeJSON(w, httpStatus, map[string]any{"status": status})
}
