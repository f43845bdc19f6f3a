package build

import (
	"errors"
	"fmt"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrCopy                = errors.New("copy failed")
)

// Wraps a cause under a sentinel so callers can branch with errors.Is
// while keeping the underlying tool's diagnostic text intact.
func wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Like wrap with a formatted cause. Verbs in the format may reference
// wrapped errors.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", sentinel, fmt.Errorf(format, args...))
}
