package patch

import (
	"fmt"
	"strings"
)

// RepositoryAccessError indicates the target repository could not be
// resolved or reached.
type RepositoryAccessError struct {
	Repo string
	Err  error
}

func (e *RepositoryAccessError) Error() string {
	return fmt.Sprintf("repository %s inaccessible: %v", e.Repo, e.Err)
}

func (e *RepositoryAccessError) Unwrap() error { return e.Err }

// FileNotFoundError indicates the patch target does not exist on the base
// branch.
type FileNotFoundError struct {
	Repo string
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %s not found in %s", e.Path, e.Repo)
}

// MergeError indicates the fast-apply service could not produce usable
// merged content.
type MergeError struct {
	Path string
	Err  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merging patch into %s: %v", e.Path, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// SecretLeakError indicates the merged content carries a detected secret
// and must not be pushed.
type SecretLeakError struct {
	Path  string
	Rules []string
}

func (e *SecretLeakError) Error() string {
	return fmt.Sprintf("merged content for %s contains detected secrets (%s)",
		e.Path, strings.Join(e.Rules, ", "))
}

// PRCreationError indicates the pushed branch exists but the pull request
// could not be opened.
type PRCreationError struct {
	Repo   string
	Branch string
	Err    error
}

func (e *PRCreationError) Error() string {
	return fmt.Sprintf("opening pull request for %s branch %s: %v", e.Repo, e.Branch, e.Err)
}

func (e *PRCreationError) Unwrap() error { return e.Err }
