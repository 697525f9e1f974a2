package store

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("backing store timeout")
	ErrUnavailable = errors.New("backing store unavailable")
)

// classify folds driver errors into the store taxonomy so callers never
// branch on sql or context sentinels directly.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
