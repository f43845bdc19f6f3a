package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrRuntime    = errors.New("runtime error")
	ErrEmptyIndex = errors.New("empty image index")
)

// Wraps a cause under a sentinel so callers can branch with errors.Is
// while keeping the underlying tool's diagnostic text intact.
func wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Like wrap with a formatted cause.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
