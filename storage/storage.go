// Package storage provides key/value object backends for tracker state and media.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotExist is returned (wrapped) when a key has no value.
var ErrNotExist = errors.New("storage: object doesn't exist")

// Backend is a flat key/value object store. Keys are slash-separated paths.
// Implementations must be safe for concurrent use with distinct keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete is idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// IsNotFound checks if an error indicates a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// ValidateKey rejects keys that could escape a local storage root.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}
