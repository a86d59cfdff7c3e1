// Package httpserver contains HTTP handlers and middleware for the control
// plane's public and internal API surfaces.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tessera-ai/control-plane/internal/admission"
	"github.com/tessera-ai/control-plane/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel to its HTTP status and JSON code
// (§7's error taxonomy). Every handler funnels its failures through this
// one mapping table so the taxonomy never drifts between endpoints.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	var rle *admission.RateLimitError
	switch {
	case errors.Is(err, domain.ErrInvalidParams):
		code = http.StatusBadRequest
		codeStr = "INVALID_PARAMS"
	case errors.Is(err, domain.ErrInvalidPrompt):
		code = http.StatusBadRequest
		codeStr = "INVALID_PROMPT"
	case errors.Is(err, domain.ErrUnauthenticated):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHENTICATED"
	case errors.Is(err, domain.ErrQuotaExceeded):
		code = http.StatusPaymentRequired
		codeStr = "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrModelNotFound):
		code = http.StatusNotFound
		codeStr = "MODEL_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrStateConflict):
		code = http.StatusConflict
		codeStr = "STATE_CONFLICT"
	case errors.As(err, &rle), errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
		if rle != nil {
			w.Header().Set("Retry-After", rle.RetryAfter.String())
		}
	case errors.Is(err, domain.ErrWorkerTimeout):
		code = http.StatusInternalServerError
		codeStr = "WORKER_TIMEOUT"
	case errors.Is(err, domain.ErrWorkerError):
		code = http.StatusInternalServerError
		codeStr = "WORKER_ERROR"
	case errors.Is(err, domain.ErrOOM):
		code = http.StatusInternalServerError
		codeStr = "OOM"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
