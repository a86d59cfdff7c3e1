// Package domain defines core entities, ports, and domain-specific errors.
package domain

import "errors"

// Error taxonomy (sentinels). Stable codes per the control plane's error
// design: HTTP status and JSON code are derived from these at the
// transport boundary (see httpserver/responses.go), never duplicated here.
var (
	ErrInvalidParams   = errors.New("invalid params")
	ErrInvalidPrompt   = errors.New("invalid prompt")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrNotFound        = errors.New("not found")
	ErrModelNotFound   = errors.New("model not found")
	ErrStateConflict   = errors.New("state conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrWorkerTimeout   = errors.New("worker timeout")
	ErrWorkerError     = errors.New("worker error")
	ErrOOM             = errors.New("out of memory")
	ErrInternal        = errors.New("internal error")
)
