package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shawkridge/athena/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrDimensionMismatch, http.StatusBadRequest},
		{domain.ErrUnknownSource, http.StatusBadRequest},
		{domain.ErrIntegrityViolation, http.StatusConflict},
		{domain.ErrCapacityExceeded, http.StatusConflict},
		{domain.ErrVerificationFailed, http.StatusUnprocessableEntity},
		{domain.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "err=%v", tt.err)
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageLimit, 0},
		{"limit=25&offset=50", 25, 50},
		{"limit=9999", maxPageLimit, 0},
		{"limit=-3&offset=-1", defaultPageLimit, 0},
		{"limit=abc&offset=xyz", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/decisions?"+tt.query, nil)
		limit, offset := pageParams(r)
		assert.Equal(t, tt.wantLimit, limit, "query=%q", tt.query)
		assert.Equal(t, tt.wantOffset, offset, "query=%q", tt.query)
	}
}

func TestWritePage_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writePage(rec, "decisions", []string{"a", "b"}, 2, 0, 5)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env Envelope
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, "decisions", env.Metadata.Operation)
	if assert.NotNil(t, env.Metadata.Pagination) {
		assert.Equal(t, 5, env.Metadata.Pagination.Total)
		assert.True(t, env.Metadata.Pagination.HasMore)
	}
}

func TestWriteError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, "recall", fmt.Errorf("project missing: %w", domain.ErrInvalidInput))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env struct {
		Status   string    `json:"status"`
		Data     ErrorBody `json:"data"`
		Metadata Metadata  `json:"metadata"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "recall", env.Metadata.Operation)
	assert.Equal(t, domain.Code(domain.ErrInvalidInput), env.Data.Code)
	assert.NotEmpty(t, env.Data.Message)
}
