// Package api is the HTTP edge: thin chi routing over the engine
// packages, translating JSON requests into engine calls and apperr.Error
// into the {error:{code,message,details}} envelope. Built around an
// http.Server with explicit Read/WriteTimeout, Start spawning Serve in a
// goroutine and Stop doing a graceful Shutdown, using
// github.com/go-chi/chi/v5 for path-parameter routing.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type envelope struct {
	Error *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError translates err into the standard error envelope, using
// apperr.Error's Kind/HTTPStatus when available and falling back to a
// generic internal_error otherwise.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, envelope{Error: &errorBody{
			Code: string(apperr.KindInternal), Message: err.Error(),
		}})
		return
	}
	writeJSON(w, ae.HTTPStatus(), envelope{Error: &errorBody{
		Code: string(ae.Kind), Message: ae.Message, Details: ae.Details,
	}})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}

// newRequestID generates a request-correlation ID for callers that did not
// supply their own x-request-id.
func newRequestID() string { return uuid.NewString() }

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
