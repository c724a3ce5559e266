package access

import "errors"

// NotFound covers both "does not exist" and "not owned by caller" so that
// callers cannot probe for foreign ids.
var (
	ErrNotFound              = errors.New("access: not found")
	ErrDuplicateGrant        = errors.New("access: duplicate grant")
	ErrAlreadyActive         = errors.New("access: emergency session already active")
	ErrAlreadyClosed         = errors.New("access: emergency session already closed")
	ErrJustificationRequired = errors.New("access: justification required")
	ErrExpired               = errors.New("access: expired")
	ErrRevoked               = errors.New("access: revoked")
	ErrUnauthorized          = errors.New("access: unauthorized")
	ErrInvalidInput          = errors.New("access: invalid input")
)
