package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The API layer maps
// each class to an HTTP status; anything else is a storage error (500).

var (
	// Validation errors — rejected before any mutation, never retried.
	ErrInvalidAmount = errors.New("amount must be a positive number")
	ErrInvalidRole   = errors.New("unknown role")

	// Business-rule rejections — surfaced to the caller, not retried.
	ErrInsufficientCredits           = errors.New("insufficient credits")
	ErrInsufficientCreditsForSession = errors.New("insufficient credits to reserve streaming session")

	// Resolution failures.
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("streaming session not found")

	// Data-integrity fault: email/username uniqueness violated in storage.
	ErrAmbiguousUser = errors.New("user reference matches multiple accounts")

	// Idempotency guards. Repeated finalize/abort calls are rejected, not
	// silently accepted — a silent accept would double refunds.
	ErrSessionExists         = errors.New("streaming session already exists")
	ErrSessionAlreadySettled = errors.New("streaming session already settled")

	// Authorization.
	ErrPermissionDenied = errors.New("caller role does not permit this operation")

	// Transient conflict — the only class a caller may retry with a fresh read.
	ErrConcurrencyConflict = errors.New("concurrent modification detected, retry with a fresh read")
)
