package entity

import "errors"

var (
	// Tool errors
	ErrDuplicateTool   = errors.New("tool already registered")
	ErrToolNotFound    = errors.New("tool not found")
	ErrSchemaViolation = errors.New("tool arguments violate schema")

	// LLM errors
	ErrLLMUnavailable = errors.New("llm gateway unavailable")

	// Ledger errors
	ErrAlreadyHasPosition = errors.New("already has an open position")
	ErrNoPosition         = errors.New("no open position")
	ErrInsufficientMargin = errors.New("insufficient available balance")

	// Session errors
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionLimit       = errors.New("max concurrent sessions reached")
	ErrInvalidSessionKind = errors.New("invalid session kind")

	// Meeting errors
	ErrRoundCapReached = errors.New("round cap reached")
)
