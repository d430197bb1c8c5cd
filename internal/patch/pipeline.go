// Package patch turns an approved experiment into a pull request: merge the
// patch block against current file content, push a dedicated branch, open
// or reuse a PR.
package patch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/secrets"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/patch"

// maxBranchAttempts bounds collision suffixing. Collisions normally stop
// at -v2 or -v3; the bound only guards against a pathological remote.
const maxBranchAttempts = 100

// Config configures the pipeline.
type Config struct {
	// BaseBranch is the PR base, typically "main".
	BaseBranch string
	// BranchPrefix namespaces experiment branches, e.g. "northstar".
	BranchPrefix string
	// CallTimeout bounds each external call inside a run.
	CallTimeout time.Duration
	// Token authenticates the remote ref listing used for branch
	// collision detection.
	Token string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseBranch:   "main",
		BranchPrefix: "northstar",
		CallTimeout:  30 * time.Second,
	}
}

// RepoSource resolves the repository a run targets.
type RepoSource interface {
	GetActiveRepository(ctx context.Context) (*store.Repository, error)
}

// refLister enumerates existing remote branches.
type refLister interface {
	ListBranches(ctx context.Context, repo capability.RepoRef) (map[string]bool, error)
}

// Pipeline applies approved patches. It acquires its own capability bundle
// per run, so a long merge cannot pin sessions another request needs.
type Pipeline struct {
	config  *Config
	manager *capability.Manager
	repos   RepoSource
	refs    refLister
	scrub   *secrets.Scrubber
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg *Config, manager *capability.Manager, repos RepoSource, logger *zap.Logger) (*Pipeline, error) {
	if manager == nil {
		return nil, errors.New("capability manager is required")
	}
	if repos == nil {
		return nil, errors.New("repo source is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = DefaultConfig().BaseBranch
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultConfig().BranchPrefix
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		config:  cfg,
		manager: manager,
		repos:   repos,
		scrub:   secrets.NewScrubber(),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
	p.refs = &gitRefLister{token: cfg.Token}
	return p, nil
}

// Run executes one experiment end to end and returns the PR URL.
func (p *Pipeline) Run(ctx context.Context, req experiment.RunRequest) (*experiment.RunResult, error) {
	ctx, span := p.tracer.Start(ctx, "patch.run",
		trace.WithAttributes(attribute.String("experiment.id", req.ExperimentID)))
	defer span.End()

	if len(req.Plan) == 0 {
		return nil, errors.New("technical plan names no target file")
	}
	target := req.Plan[0].File

	repoRec, err := p.repos.GetActiveRepository(ctx)
	if err != nil {
		return nil, &RepositoryAccessError{Repo: "(active)", Err: err}
	}
	repo := capability.RepoRef{Owner: repoRec.Owner, Name: repoRec.Name}

	bundle, err := p.manager.Acquire(ctx, capability.NewSet(capability.TagCodeHost, capability.TagPatchApply))
	if err != nil {
		if bundle != nil {
			p.manager.Release(bundle)
		}
		return nil, fmt.Errorf("acquiring pipeline capabilities: %w", err)
	}
	defer p.manager.Release(bundle)

	host, ok := bundle.CodeHost()
	if !ok {
		return nil, errors.New("bundle missing code host session")
	}
	applier, ok := bundle.PatchApplier()
	if !ok {
		return nil, errors.New("bundle missing patch apply session")
	}

	original, err := p.fetch(ctx, host, repo, target)
	if err != nil {
		return nil, err
	}

	merged, err := p.merge(ctx, applier, req.Instruction, target, original, req.PatchBlock)
	if err != nil {
		return nil, err
	}
	if merged == original {
		return nil, &MergeError{Path: target, Err: errors.New("merge produced no changes")}
	}

	// Model output goes to a public branch; never push a detected secret.
	if res := p.scrub.Check(merged); res.HasFindings() {
		p.logger.Warn("merge result contains detected secrets",
			zap.String("file.path", target),
			zap.Strings("rules", res.RuleIDs()))
		return nil, &SecretLeakError{Path: target, Rules: res.RuleIDs()}
	}

	branch, err := p.uniqueBranch(ctx, repo, req.Instruction)
	if err != nil {
		return nil, &RepositoryAccessError{Repo: repo.FullName(), Err: err}
	}

	commitMsg := "Northstar: " + req.Instruction
	if err := p.call(ctx, func(ctx context.Context) error {
		return host.CommitAndPush(ctx, repo, branch, map[string]string{target: merged}, commitMsg)
	}); err != nil {
		return nil, fmt.Errorf("pushing branch %s: %w", branch, err)
	}

	title := "Experiment: " + req.Instruction
	body := p.scrub.Scrub(prBody(req, target, original, merged)).Scrubbed

	var prURL string
	if err := p.call(ctx, func(ctx context.Context) error {
		var prErr error
		prURL, prErr = host.OpenOrReusePR(ctx, repo, branch, p.config.BaseBranch, title, body)
		return prErr
	}); err != nil {
		return nil, &PRCreationError{Repo: repo.FullName(), Branch: branch, Err: err}
	}

	p.logger.Info("experiment pull request ready",
		zap.String("experiment.id", req.ExperimentID),
		zap.String("repo.full_name", repo.FullName()),
		zap.String("branch.name", branch),
		zap.String("pr.url", prURL))
	return &experiment.RunResult{PRURL: prURL, BranchName: branch}, nil
}

func (p *Pipeline) fetch(ctx context.Context, host capability.CodeHost, repo capability.RepoRef, path string) (string, error) {
	var content string
	err := p.call(ctx, func(ctx context.Context) error {
		var ferr error
		content, ferr = host.FetchFile(ctx, repo, path)
		return ferr
	})
	if err != nil {
		if errors.Is(err, capability.ErrFileNotFound) {
			return "", &FileNotFoundError{Repo: repo.FullName(), Path: path}
		}
		return "", &RepositoryAccessError{Repo: repo.FullName(), Err: err}
	}
	return content, nil
}

func (p *Pipeline) merge(ctx context.Context, applier capability.PatchApplier, instruction, path, original, patchBlock string) (string, error) {
	var merged string
	err := p.call(ctx, func(ctx context.Context) error {
		var merr error
		merged, merr = applier.Merge(ctx, instruction, original, patchBlock)
		return merr
	})
	if err != nil {
		return "", &MergeError{Path: path, Err: err}
	}
	if merged == "" {
		return "", &MergeError{Path: path, Err: errors.New("empty merge result")}
	}
	return merged, nil
}

// uniqueBranch picks prefix/slug, suffixing -v2, -v3 when the branch
// already exists on the remote.
func (p *Pipeline) uniqueBranch(ctx context.Context, repo capability.RepoRef, instruction string) (string, error) {
	var existing map[string]bool
	err := p.call(ctx, func(ctx context.Context) error {
		var lerr error
		existing, lerr = p.refs.ListBranches(ctx, repo)
		return lerr
	})
	if err != nil {
		return "", fmt.Errorf("listing remote branches: %w", err)
	}

	base := p.config.BranchPrefix + "/" + slugify(instruction)
	if !existing[base] {
		return base, nil
	}
	for v := 2; v <= maxBranchAttempts; v++ {
		candidate := fmt.Sprintf("%s-v%d", base, v)
		if !existing[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("branch %s and its variants already exist", base)
}

func (p *Pipeline) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// prBody renders the PR description with a character-level change summary.
func prBody(req experiment.RunRequest, target, original, merged string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, merged, false)
	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}

	return fmt.Sprintf(
		"## Experiment\n%s\n\nTarget file: `%s`\nChange size: +%d / -%d chars\n\nExperiment ID: %s\nProposal ID: %s\n",
		req.Instruction, target, added, removed, req.ExperimentID, req.ProposalID)
}

// gitRefLister lists remote branches without a working copy: an in-memory
// remote is enough for an ls-remote style ref enumeration.
type gitRefLister struct {
	token string
}

func (l *gitRefLister) ListBranches(ctx context.Context, repo capability.RepoRef) (map[string]bool, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{fmt.Sprintf("https://github.com/%s.git", repo.FullName())},
	})

	opts := &git.ListOptions{}
	if l.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: l.token}
	}

	refs, err := remote.ListContext(ctx, opts)
	if err != nil {
		return nil, err
	}

	branches := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			branches[ref.Name().Short()] = true
		}
	}
	return branches, nil
}
