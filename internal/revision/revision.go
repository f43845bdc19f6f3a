// Package revision resolves the source revision a build is pinned to.
//
// The revision comes from the checked-out state of the manifest's working
// copy, the same way the original wrapper ran "git rev-parse HEAD". The
// resolved hash is used both to check out source inside the builder stage
// and to tag the resulting image, so one invocation always sees a single
// value. Resolution failures surface before any build stage runs.
package revision

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	ErrNoRepository = errors.New("not inside a git working copy")
	ErrNoCommits    = errors.New("working copy has no commits")
	ErrBadRevision  = errors.New("revision not found")
)

// Length of abbreviated revision identifiers in log output.
const shortLength = 12

// Resolves the HEAD commit of the working copy containing dir.
//
// The repository is discovered by walking up from dir, matching git's own
// behavior when the wrapper is invoked from a subdirectory. Returns the
// full lowercase hex hash.
func Resolve(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoCommits, dir)
		}
		return "", fmt.Errorf("read head: %w", err)
	}

	return strings.ToLower(head.Hash().String()), nil
}

// Resolves an arbitrary revision expression against the working copy.
//
// Branch names, tags, abbreviated hashes, and relative forms (HEAD~2) are
// accepted, mirroring rev-parse. When dir is not a repository, a full
// 40-character hex value is passed through untouched so detached callers
// can still pin an explicit commit.
func ResolveRef(dir, ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Resolve(dir)
	}

	repo, err := open(dir)
	if err != nil {
		if isFullHex(trimmed) {
			return strings.ToLower(trimmed), nil
		}
		return "", err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(trimmed))
	if err != nil || hash == nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadRevision, trimmed, err)
	}
	return strings.ToLower(hash.String()), nil
}

// Returns an abbreviated form of a revision for log lines.
func Short(rev string) string {
	if len(rev) <= shortLength {
		return rev
	}
	return rev[:shortLength]
}

// Opens the repository containing dir, searching parent directories.
func open(dir string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNoRepository, dir)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

// Reports whether s is a full 40-character hex commit hash.
func isFullHex(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
