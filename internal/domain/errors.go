package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrGone marks a soft-deleted resource. It wraps ErrNotFound so callers
	// that only test for absence keep working, while the transport layer can
	// still map it to 410.
	ErrGone = fmt.Errorf("%w: resource deleted", ErrNotFound)

	// ErrVersionMismatch is returned by the compare-and-swap write path when
	// the stored version no longer matches the expected one. The service
	// layer retries; it never reaches callers.
	ErrVersionMismatch = errors.New("version mismatch")
)
