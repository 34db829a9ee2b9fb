package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrCodeForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusNotFound, ErrCodeNotFound},
		{http.StatusBadRequest, ErrCodeBadRequest},
		{http.StatusConflict, ErrCodeConflict},
		{http.StatusUnprocessableEntity, ErrCodeInvalidGraph},
		{http.StatusServiceUnavailable, ErrCodeServiceUnavail},
		{http.StatusInternalServerError, ErrCodeInternalError},
		{http.StatusTeapot, ErrCodeInternalError},
	}
	for _, tc := range cases {
		if got := errCodeForStatus(tc.status); got != tc.want {
			t.Errorf("status %d: got %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestRespondError_Body(t *testing.T) {
	h := &Handlers{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	rec := httptest.NewRecorder()

	h.respondError(rec, http.StatusNotFound, "enrollment not found", nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != ErrCodeNotFound || body.Message != "enrollment not found" {
		t.Errorf("body: %+v", body)
	}
}
