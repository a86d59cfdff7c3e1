package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/admission"
	"github.com/tessera-ai/control-plane/internal/domain"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestWriteError_MapsSentinelsToStatusAndCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{domain.ErrInvalidParams, 400, "INVALID_PARAMS"},
		{domain.ErrInvalidPrompt, 400, "INVALID_PROMPT"},
		{domain.ErrUnauthenticated, 401, "UNAUTHENTICATED"},
		{domain.ErrQuotaExceeded, 402, "QUOTA_EXCEEDED"},
		{domain.ErrModelNotFound, 404, "MODEL_NOT_FOUND"},
		{domain.ErrNotFound, 404, "NOT_FOUND"},
		{domain.ErrStateConflict, 409, "STATE_CONFLICT"},
		{domain.ErrRateLimited, 429, "RATE_LIMITED"},
		{domain.ErrWorkerTimeout, 500, "WORKER_TIMEOUT"},
		{domain.ErrWorkerError, 500, "WORKER_ERROR"},
		{domain.ErrOOM, 500, "OOM"},
		{fmt.Errorf("op=whatever: %w", domain.ErrInternal), 500, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.wantCode, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			writeError(rec, nil, tc.err, nil)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestWriteError_RateLimitErrorSetsRetryAfterHeader(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	err := fmt.Errorf("op=admission.Admit: %w", &admission.RateLimitError{RetryAfter: 5 * time.Second})
	writeError(rec, nil, err, nil)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)
	assert.Equal(t, (5 * time.Second).String(), rec.Header().Get("Retry-After"))
}
