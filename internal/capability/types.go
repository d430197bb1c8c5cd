package capability

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Tag identifies a category of external functionality.
type Tag string

const (
	// Chat is the conversational transport (message delivery).
	TagChat Tag = "chat"
	// CodeHost is the repository hosting service (file reads, pushes, PRs).
	TagCodeHost Tag = "codehost"
	// Analytics is the product metrics source.
	TagAnalytics Tag = "analytics"
	// PatchApply is the fast-apply code merge service.
	TagPatchApply Tag = "patchapply"
)

// Set is an unordered collection of capability tags.
type Set map[Tag]struct{}

// NewSet builds a Set from tags.
func NewSet(tags ...Tag) Set {
	s := make(Set, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether the set contains tag.
func (s Set) Has(tag Tag) bool {
	_, ok := s[tag]
	return ok
}

// Tags returns the tags in deterministic order.
func (s Set) Tags() []Tag {
	tags := make([]Tag, 0, len(s))
	for t := range s {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// SubsetOf reports whether every tag in s is present in other.
func (s Set) SubsetOf(other Set) bool {
	for t := range s {
		if !other.Has(t) {
			return false
		}
	}
	return true
}

// Client is the uniform contract each external integration session satisfies.
type Client interface {
	// Capability returns the tag this client serves.
	Capability() Tag
	// Close releases the underlying connection/auth state.
	Close() error
}

// RepoRef identifies a hosted repository.
type RepoRef struct {
	Owner string
	Name  string
}

// FullName returns "owner/name".
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// ChatTransport delivers agent responses to a chat channel.
// Failures are logged by callers, never fatal to orchestration.
type ChatTransport interface {
	Send(ctx context.Context, channel, text string) error
}

// ErrFileNotFound marks a FetchFile miss: the repository answered and the
// file is absent. Implementations wrap it so callers can tell a missing
// file from an unreachable host.
var ErrFileNotFound = errors.New("file not found")

// CodeHost exposes read and write operations against a hosted repository.
type CodeHost interface {
	// FetchFile returns the content of path at the default branch. An
	// absent file yields an error wrapping ErrFileNotFound.
	FetchFile(ctx context.Context, repo RepoRef, path string) (string, error)
	// CommitAndPush writes files to branch and pushes in one operation.
	CommitAndPush(ctx context.Context, repo RepoRef, branch string, files map[string]string, message string) error
	// OpenOrReusePR opens a pull request, or returns the URL of an existing
	// open PR with the same head branch.
	OpenOrReusePR(ctx context.Context, repo RepoRef, head, base, title, body string) (string, error)
}

// Point is a single observation in a metric series.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Series is an ordered sequence of metric observations.
type Series []Point

// AnalyticsSource answers read-only product metric queries.
type AnalyticsSource interface {
	Query(ctx context.Context, metric string, window time.Duration) (Series, error)
}

// PatchApplier merges a patch block against current file content.
// Implementations are stateless; the same inputs yield the same merge.
type PatchApplier interface {
	Merge(ctx context.Context, instruction, original, patchBlock string) (string, error)
}
