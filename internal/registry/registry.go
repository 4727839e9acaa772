// Package registry keeps the nickname → Overleaf project mapping that drives
// batch syncs and the public CV links.
//
// Every entry point (CLI, HTTP API, dispatch) goes through NormalizeProjectRef
// so the same logical project always ends up with the same URL shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// ProjectURLPrefix addresses a project by its 24 character id.
	ProjectURLPrefix = "https://www.overleaf.com/project/"
	// ReadURLPrefix addresses a project through a read-only share token.
	ReadURLPrefix = "https://www.overleaf.com/read/"

	projectIDLength = 24
)

var (
	// ErrNotFound is returned when no entry matches a delete request.
	ErrNotFound = errors.New("registry: entry not found")
	// ErrInvalidEntry is returned when an upsert lacks a nickname or project reference.
	ErrInvalidEntry = errors.New("registry: nickname and project reference are required")
)

// Nicknames become file names under the public PDF directory.
var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateNickname rejects nicknames that are not safe as a file name.
func ValidateNickname(nickname string) error {
	if !nicknamePattern.MatchString(nickname) || strings.Contains(nickname, "..") {
		return fmt.Errorf("%w: invalid nickname %q", ErrInvalidEntry, nickname)
	}
	return nil
}

// Entry is one registered CV. The JSON names match the users.json file
// written by earlier deployments.
type Entry struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	URL      string `json:"url"`
}

// Store persists registry entries. Implementations rewrite the whole
// collection on mutation and keep insertion order.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	// Upsert inserts or replaces the entry for nickname and reports whether
	// an existing entry was replaced.
	Upsert(ctx context.Context, nickname, email, projectRef string) (updated bool, err error)
	// Delete removes the entry for nickname regardless of email.
	Delete(ctx context.Context, nickname string) error
	// DeleteMatching removes the entry only when both nickname and email match.
	DeleteMatching(ctx context.Context, nickname, email string) error
}

// NormalizeProjectRef turns any project reference into a fully qualified URL.
//
//   - anything starting with "http" is returned unchanged
//   - a 24 character token without "/" is a project id
//   - a shorter token without "/" is a read-only share token
//   - everything else falls back to the project form
func NormalizeProjectRef(ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	if !strings.Contains(ref, "/") {
		switch {
		case len(ref) == projectIDLength:
			return ProjectURLPrefix + ref
		case len(ref) < projectIDLength:
			return ReadURLPrefix + ref
		}
	}
	return ProjectURLPrefix + ref
}

// ProjectKey returns the last path segment of a reference, used for log and status lines.
func ProjectKey(ref string) string {
	trimmed := strings.TrimRight(ref, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func newEntry(nickname, email, projectRef string) (Entry, error) {
	nickname = strings.TrimSpace(nickname)
	projectRef = strings.TrimSpace(projectRef)
	if nickname == "" || projectRef == "" {
		return Entry{}, ErrInvalidEntry
	}
	if err := ValidateNickname(nickname); err != nil {
		return Entry{}, err
	}
	return Entry{Username: nickname, Email: strings.TrimSpace(email), URL: NormalizeProjectRef(projectRef)}, nil
}
