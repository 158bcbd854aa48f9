package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
)

func TestWriteErrorMapsApperrKindToHTTPStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperr.New(apperr.KindForbidden, "no access"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error == nil || body.Error.Code != string(apperr.KindForbidden) {
		t.Fatalf("error envelope = %+v, want code %s", body.Error, apperr.KindForbidden)
	}
}

func TestWriteErrorFallsBackToInternalForPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown":"field"}`))
	var v struct {
		Known string `json:"known"`
	}
	if err := decodeJSON(req, &v); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestAtoiDefault(t *testing.T) {
	if got := atoiDefault("", 5); got != 5 {
		t.Fatalf("atoiDefault empty = %d, want 5", got)
	}
	if got := atoiDefault("not-a-number", 5); got != 5 {
		t.Fatalf("atoiDefault invalid = %d, want 5", got)
	}
	if got := atoiDefault("12", 5); got != 12 {
		t.Fatalf("atoiDefault valid = %d, want 12", got)
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := parseTime(""); ok {
		t.Fatal("parseTime empty string should report ok=false")
	}
	if _, ok := parseTime("not-a-time"); ok {
		t.Fatal("parseTime malformed string should report ok=false")
	}
	tm, ok := parseTime("2026-01-02T15:04:05Z")
	if !ok {
		t.Fatal("parseTime valid RFC3339 should report ok=true")
	}
	if tm.Year() != 2026 {
		t.Fatalf("parsed year = %d, want 2026", tm.Year())
	}
}
