package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store is a flat key space of named byte blobs.
type Store interface {
	Put(ctx context.Context, name string, content []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// GetURL returns a download URL for name, or "" if the backend cannot
	// serve direct links.
	GetURL(ctx context.Context, name string) (string, error)
	// List returns the names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

var ErrNotFound = errors.New("blob not found")

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	return name, nil
}

// Exists reports whether name is present in s.
func Exists(ctx context.Context, s Store, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// DeleteByPrefix removes every blob whose name starts with one of prefixes
// and returns the deleted names.
func DeleteByPrefix(ctx context.Context, s Store, prefixes ...string) ([]string, error) {
	var deleted []string
	for _, prefix := range prefixes {
		names, err := s.List(ctx, prefix)
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, name := range names {
			if err := s.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
				return deleted, fmt.Errorf("delete %s: %w", name, err)
			}
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
