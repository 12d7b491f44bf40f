// Package session checks the identifiers a client connects with and, when a
// session store is configured, that the session exists.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidID      = errors.New("invalid identifier")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// Validator decides whether a session may be joined. It returns nil for a
// known session, ErrUnknownSession for a missing one and any other error
// when the backing store could not answer.
type Validator interface {
	Validate(ctx context.Context, sessionID string) error
}

// AllowAll accepts every session. Used when no session store is configured.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string) error {
	return nil
}

// CheckID rejects empty, overlong or non-URL-safe path identifiers.
func CheckID(field, id string, maxLen int) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidID, field)
	}
	if maxLen > 0 && len(id) > maxLen {
		return fmt.Errorf("%w: %s longer than %d", ErrInvalidID, field, maxLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s has invalid characters", ErrInvalidID, field)
	}
	return nil
}

// ParseSlide parses a slide index, which must be a non-negative integer.
func ParseSlide(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: slide must be a non-negative integer", ErrInvalidID)
	}
	return n, nil
}
