package store

import (
	"database/sql"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.ErrNotFound
	ErrAlreadyExists = errors.ErrConflict
)

// IsNotFound reports whether err is the store's not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// MapRowError converts sql.ErrNoRows into the store's not-found sentinel
// so callers never depend on database/sql directly.
func MapRowError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(what + " not found")
	}
	return err
}
