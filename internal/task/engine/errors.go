package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped  = errors.New("execution pool stopped")
	ErrNoHandle = errors.New("method is not running")
	ErrNoPID    = errors.New("method has not spawned yet")
	ErrEmptyKey = errors.New("method key is required")
	ErrNoPath   = errors.New("method has no executable")
)
