package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_Check(t *testing.T) {
	// Setup
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler()

	// Act
	err := h.Check(c)

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"timestamp"`)
}

func TestHealthHandler_Ready(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     []ReadinessCheck
		wantStatus int
		wantBody   ReadinessResponse
	}{
		{
			name:       "依存先がなければready",
			wantStatus: http.StatusOK,
			wantBody:   ReadinessResponse{Status: "ready", Checks: map[string]string{}},
		},
		{
			name:       "すべて疎通していればready",
			checks:     []ReadinessCheck{{"database", ok}, {"redis", ok}},
			wantStatus: http.StatusOK,
			wantBody:   ReadinessResponse{Status: "ready", Checks: map[string]string{"database": "ok", "redis": "ok"}},
		},
		{
			name:       "ひとつでも失敗すれば503",
			checks:     []ReadinessCheck{{"database", ok}, {"redis", down}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   ReadinessResponse{Status: "not_ready", Checks: map[string]string{"database": "ok", "redis": "connection refused"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho()
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := NewHealthHandler(tt.checks...).Ready(c)

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody.Status, resp.Status)
			assert.Equal(t, tt.wantBody.Checks, resp.Checks)
			assert.NotEmpty(t, resp.Timestamp)
		})
	}
}
