package store

import (
	"errors"

	"github.com/jacentio/tillsync/remote"
)

var (
	// ErrNotFound is returned when a record doesn't exist or is deleted (has TTL <= now).
	ErrNotFound = remote.ErrNotFound

	// ErrAlreadyExists is returned when attempting to create a record with a live id.
	ErrAlreadyExists = errors.New("tillsync: record already exists")

	// ErrInvalidCursor is returned when a page cursor cannot be decoded.
	ErrInvalidCursor = errors.New("tillsync: invalid page cursor")

	// ErrMissingTenant is returned when the store has no tenant configured.
	ErrMissingTenant = errors.New("tillsync: tenant id not configured")
)
