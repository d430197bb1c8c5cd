package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

type fakeHost struct {
	files    map[string]string
	fetchErr error
	pushed   map[string]string
	pushedTo string
	commit   string
	prURL    string
	prErr    error
	prHead   string
	prTitle  string
	prBody   string
}

func (f *fakeHost) Capability() capability.Tag { return capability.TagCodeHost }
func (f *fakeHost) Close() error               { return nil }

func (f *fakeHost) FetchFile(ctx context.Context, repo capability.RepoRef, path string) (string, error) {
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("fetching %s: %w", path, capability.ErrFileNotFound)
	}
	return content, nil
}

func (f *fakeHost) CommitAndPush(ctx context.Context, repo capability.RepoRef, branch string, files map[string]string, message string) error {
	f.pushedTo = branch
	f.pushed = files
	f.commit = message
	return nil
}

func (f *fakeHost) OpenOrReusePR(ctx context.Context, repo capability.RepoRef, head, base, title, body string) (string, error) {
	f.prHead = head
	f.prTitle = title
	f.prBody = body
	return f.prURL, f.prErr
}

type fakeApplier struct {
	merged string
	err    error
}

func (f *fakeApplier) Capability() capability.Tag { return capability.TagPatchApply }
func (f *fakeApplier) Close() error               { return nil }

func (f *fakeApplier) Merge(ctx context.Context, instruction, original, patchBlock string) (string, error) {
	return f.merged, f.err
}

type fakeRepoSource struct {
	repo *store.Repository
	err  error
}

func (f *fakeRepoSource) GetActiveRepository(ctx context.Context) (*store.Repository, error) {
	return f.repo, f.err
}

type fakeRefLister struct {
	branches    map[string]bool
	err         error
	sawDeadline bool
}

func (f *fakeRefLister) ListBranches(ctx context.Context, repo capability.RepoRef) (map[string]bool, error) {
	_, f.sawDeadline = ctx.Deadline()
	return f.branches, f.err
}

func newTestPipeline(t *testing.T, host *fakeHost, applier *fakeApplier, repos RepoSource, refs refLister) *Pipeline {
	t.Helper()
	m, err := capability.NewManager(nil, map[capability.Tag]capability.DialFunc{
		capability.TagCodeHost:   func(ctx context.Context) (capability.Client, error) { return host, nil },
		capability.TagPatchApply: func(ctx context.Context) (capability.Client, error) { return applier, nil },
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	p, err := NewPipeline(nil, m, repos, zap.NewNop())
	require.NoError(t, err)
	if refs != nil {
		p.refs = refs
	}
	return p
}

func activeRepo() *fakeRepoSource {
	return &fakeRepoSource{repo: &store.Repository{
		ID: "r1", Owner: "acme", Name: "shop", FullName: "acme/shop", IsActive: true,
	}}
}

func runRequest() experiment.RunRequest {
	return experiment.RunRequest{
		ProposalID:   "p1",
		ExperimentID: "e1",
		Instruction:  "Simplify checkout form",
		PatchBlock:   "<form>\n// ... existing code ...\n</form>",
		Plan: []proposal.PlanStep{
			{File: "checkout.html", Action: "remove optional fields"},
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	host := &fakeHost{
		files: map[string]string{"checkout.html": "<form>old eight fields</form>"},
		prURL: "https://github.com/acme/shop/pull/12",
	}
	applier := &fakeApplier{merged: "<form>new four fields</form>"}
	p := newTestPipeline(t, host, applier, activeRepo(), &fakeRefLister{branches: map[string]bool{}})

	req := runRequest()
	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/shop/pull/12", res.PRURL)
	assert.Equal(t, "northstar/simplify-checkout-form", res.BranchName)
	assert.Equal(t, "northstar/simplify-checkout-form", host.pushedTo)
	assert.Equal(t, "<form>new four fields</form>", host.pushed["checkout.html"])
	assert.Equal(t, "Northstar: Simplify checkout form", host.commit)
	assert.Equal(t, "Experiment: Simplify checkout form", host.prTitle)
	assert.Contains(t, host.prBody, "checkout.html")
	assert.Contains(t, host.prBody, "e1")
}

func TestRunBranchCollisionSuffixes(t *testing.T) {
	host := &fakeHost{
		files: map[string]string{"checkout.html": "old"},
		prURL: "https://example.com/pr/1",
	}
	applier := &fakeApplier{merged: "new"}
	refs := &fakeRefLister{branches: map[string]bool{
		"northstar/simplify-checkout-form": true,
	}}
	p := newTestPipeline(t, host, applier, activeRepo(), refs)

	res, err := p.Run(context.Background(), runRequest())
	require.NoError(t, err)
	assert.Equal(t, "northstar/simplify-checkout-form-v2", res.BranchName)

	refs.branches["northstar/simplify-checkout-form-v2"] = true
	res, err = p.Run(context.Background(), runRequest())
	require.NoError(t, err)
	assert.Equal(t, "northstar/simplify-checkout-form-v3", res.BranchName)

	refs.branches["northstar/simplify-checkout-form-v3"] = true
	res, err = p.Run(context.Background(), runRequest())
	require.NoError(t, err)
	assert.Equal(t, "northstar/simplify-checkout-form-v4", res.BranchName)
}

func TestUniqueBranchDeepCollisions(t *testing.T) {
	refs := &fakeRefLister{branches: map[string]bool{
		"northstar/simplify-checkout-form": true,
	}}
	for v := 2; v <= 50; v++ {
		refs.branches[fmt.Sprintf("northstar/simplify-checkout-form-v%d", v)] = true
	}
	p := newTestPipeline(t, &fakeHost{}, &fakeApplier{}, activeRepo(), refs)

	repo := capability.RepoRef{Owner: "acme", Name: "shop"}
	branch, err := p.uniqueBranch(context.Background(), repo, "Simplify checkout form")
	require.NoError(t, err)
	assert.Equal(t, "northstar/simplify-checkout-form-v51", branch)

	for v := 51; v <= maxBranchAttempts; v++ {
		refs.branches[fmt.Sprintf("northstar/simplify-checkout-form-v%d", v)] = true
	}
	_, err = p.uniqueBranch(context.Background(), repo, "Simplify checkout form")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exist")
}

func TestUniqueBranchListingBounded(t *testing.T) {
	refs := &fakeRefLister{branches: map[string]bool{}}
	p := newTestPipeline(t, &fakeHost{}, &fakeApplier{}, activeRepo(), refs)

	repo := capability.RepoRef{Owner: "acme", Name: "shop"}
	_, err := p.uniqueBranch(context.Background(), repo, "Simplify checkout form")
	require.NoError(t, err)
	assert.True(t, refs.sawDeadline, "ref listing runs under the call timeout")
}

func TestRunNoActiveRepository(t *testing.T) {
	p := newTestPipeline(t, &fakeHost{}, &fakeApplier{},
		&fakeRepoSource{err: errors.New("no active repository")},
		&fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var rae *RepositoryAccessError
	require.ErrorAs(t, err, &rae)
}

func TestRunMissingTargetFile(t *testing.T) {
	host := &fakeHost{files: map[string]string{}}
	p := newTestPipeline(t, host, &fakeApplier{merged: "x"}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var fnf *FileNotFoundError
	require.ErrorAs(t, err, &fnf)
	assert.Equal(t, "checkout.html", fnf.Path)
}

func TestRunFetchFailureIsAccessError(t *testing.T) {
	host := &fakeHost{fetchErr: errors.New("401 bad credentials")}
	p := newTestPipeline(t, host, &fakeApplier{merged: "x"}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var rae *RepositoryAccessError
	require.ErrorAs(t, err, &rae)
	assert.Contains(t, rae.Error(), "401 bad credentials")

	var fnf *FileNotFoundError
	assert.False(t, errors.As(err, &fnf), "an unreachable host is not a missing file")
}

func TestRunMergeFailure(t *testing.T) {
	host := &fakeHost{files: map[string]string{"checkout.html": "old"}}
	p := newTestPipeline(t, host, &fakeApplier{err: errors.New("upstream 500")}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var me *MergeError
	require.ErrorAs(t, err, &me)
}

func TestRunEmptyMergeResult(t *testing.T) {
	host := &fakeHost{files: map[string]string{"checkout.html": "old"}}
	p := newTestPipeline(t, host, &fakeApplier{merged: ""}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var me *MergeError
	require.ErrorAs(t, err, &me)
}

func TestRunUnchangedMergeResult(t *testing.T) {
	host := &fakeHost{files: map[string]string{"checkout.html": "same"}}
	p := newTestPipeline(t, host, &fakeApplier{merged: "same"}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var me *MergeError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Error(), "no changes")
}

func TestRunBlocksDetectedSecrets(t *testing.T) {
	host := &fakeHost{files: map[string]string{"checkout.html": "old"}}
	applier := &fakeApplier{
		merged: "const token = \"ghp_" + strings.Repeat("a", 36) + "\"\n",
	}
	p := newTestPipeline(t, host, applier, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var sle *SecretLeakError
	require.ErrorAs(t, err, &sle)
	assert.Contains(t, sle.Rules, "github-token")
	assert.Empty(t, host.pushedTo, "leaking content must never be pushed")
}

func TestRunPRFailure(t *testing.T) {
	host := &fakeHost{
		files: map[string]string{"checkout.html": "old"},
		prErr: errors.New("422 validation failed"),
	}
	p := newTestPipeline(t, host, &fakeApplier{merged: "new"}, activeRepo(), &fakeRefLister{})

	_, err := p.Run(context.Background(), runRequest())
	var pre *PRCreationError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "acme/shop", pre.Repo)
}

func TestRunEmptyPlan(t *testing.T) {
	p := newTestPipeline(t, &fakeHost{}, &fakeApplier{}, activeRepo(), &fakeRefLister{})

	req := runRequest()
	req.Plan = nil
	_, err := p.Run(context.Background(), req)
	require.Error(t, err)
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Simplify checkout form", "simplify-checkout-form"},
		{"Add trust badges!!", "add-trust-badges"},
		{"  --weird   input--  ", "weird-input"},
		{"", "experiment"},
		{strings.Repeat("long words here ", 10), "long-words-here-long-words-here-long-wor"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), tt.in)
	}
}
