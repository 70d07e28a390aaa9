package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("open: %w", New(InsufficientCash, "need 100 EUR"))
	if !errors.Is(err, ErrInsufficientCash) {
		t.Error("wrapped error should match its sentinel")
	}
	if errors.Is(err, ErrQuoteUnavailable) {
		t.Error("different codes must not match")
	}
	if CodeOf(err) != InsufficientCash {
		t.Errorf("CodeOf = %s", CodeOf(err))
	}
	if CodeOf(errors.New("boom")) != Internal {
		t.Error("plain errors should be Internal")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{SymbolRequired, http.StatusBadRequest},
		{TpslRequired, http.StatusBadRequest},
		{PositionNotFound, http.StatusNotFound},
		{InsufficientCash, http.StatusConflict},
		{Conflict, http.StatusConflict},
		{QuoteUnavailable, http.StatusBadGateway},
		{Forbidden, http.StatusForbidden},
		{Unauthorized, http.StatusUnauthorized},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := Status(New(tt.code, "")); got != tt.want {
			t.Errorf("Status(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteHidesInternal(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, errors.New("pq: connection refused"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "internal error" || body["code"] != "INTERNAL" {
		t.Errorf("unexpected body %v", body)
	}

	w = httptest.NewRecorder()
	Write(w, New(RuleNotFound, "rule r1"))
	json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusNotFound || body["error"] != "RULE_NOT_FOUND: rule r1" {
		t.Errorf("got %d %v", w.Code, body)
	}
}
