// Package storage provides the key/blob medium behind rule overrides and chat
// sessions. Values are whole serialized documents; callers always read and
// write a key wholesale.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrUnavailable marks a medium that cannot be read or written.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrInvalidKey is returned for keys outside [A-Za-z0-9._-].
	ErrInvalidKey = errors.New("invalid storage key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store is a key/blob medium.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
