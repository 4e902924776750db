package shared

import "github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = httpx.ErrNotFound
	// ErrValidation indicates invalid caller input.
	ErrValidation = httpx.ErrValidation
	// ErrConflict indicates a concurrent or duplicate write was rejected.
	ErrConflict = httpx.ErrConflict
	// ErrUnprocessable indicates well-formed input the current state cannot satisfy.
	ErrUnprocessable = httpx.ErrUnprocessable
	// ErrUnavailable indicates a transient condition such as lock contention.
	ErrUnavailable = httpx.ErrUnavailable
)
