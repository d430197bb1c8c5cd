// Package githost implements the code host capability on the GitHub API:
// file reads, branch pushes via the contents API, and pull request
// open-or-reuse.
package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/config"
)

// Config holds GitHub client configuration.
type Config struct {
	Token config.Secret
	// BaseBranch is the branch new experiment branches fork from.
	BaseBranch string
	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
	// CommitterName and CommitterEmail attribute contents-API commits.
	// Left empty, the token's account identity is used.
	CommitterName  string
	CommitterEmail string

	Retry *RetryConfig
}

// Client is a GitHub-backed code host session.
type Client struct {
	gh         *github.Client
	baseBranch string
	committer  *github.CommitAuthor
	retry      *RetryConfig
	logger     *zap.Logger
}

var _ capability.CodeHost = (*Client)(nil)
var _ capability.Client = (*Client)(nil)

// NewClient creates a GitHub client with proper authentication.
func NewClient(ctx context.Context, cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(tc)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base URL: %w", err)
		}
	}

	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	var committer *github.CommitAuthor
	if cfg.CommitterName != "" && cfg.CommitterEmail != "" {
		committer = &github.CommitAuthor{
			Name:  github.String(cfg.CommitterName),
			Email: github.String(cfg.CommitterEmail),
		}
	}

	return &Client{
		gh:         gh,
		baseBranch: baseBranch,
		committer:  committer,
		retry:      cfg.Retry,
		logger:     logger,
	}, nil
}

// Capability implements capability.Client.
func (c *Client) Capability() capability.Tag { return capability.TagCodeHost }

// Close implements capability.Client. The underlying transport holds no
// connection state worth tearing down.
func (c *Client) Close() error { return nil }

// FetchFile returns the decoded content of path at the base branch.
func (c *Client) FetchFile(ctx context.Context, repo capability.RepoRef, path string) (string, error) {
	var content string
	err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		fc, _, resp, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: c.baseBranch})
		if err != nil {
			return resp, err
		}
		if fc == nil {
			return resp, fmt.Errorf("%s is a directory, not a file", path)
		}
		content, err = fc.GetContent()
		return resp, err
	})
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("fetching %s from %s: %w", path, repo.FullName(), capability.ErrFileNotFound)
		}
		return "", fmt.Errorf("fetching %s from %s: %w", path, repo.FullName(), err)
	}
	return content, nil
}

// CommitAndPush creates branch from the base branch head (reusing it if it
// already exists) and writes each file through the contents API.
func (c *Client) CommitAndPush(ctx context.Context, repo capability.RepoRef, branch string, files map[string]string, message string) error {
	if err := c.ensureBranch(ctx, repo, branch); err != nil {
		return err
	}

	for path, content := range files {
		if err := c.writeFile(ctx, repo, branch, path, content, message); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureBranch(ctx context.Context, repo capability.RepoRef, branch string) error {
	var baseSHA string
	err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		ref, resp, err := c.gh.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+c.baseBranch)
		if err != nil {
			return resp, err
		}
		baseSHA = ref.GetObject().GetSHA()
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("resolving base branch %s: %w", c.baseBranch, err)
	}

	err = retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		_, resp, err := c.gh.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(baseSHA)},
		})
		return resp, err
	})
	if err != nil {
		// A pre-existing branch is reused, not an error.
		if strings.Contains(err.Error(), "Reference already exists") {
			c.logger.Debug("branch already exists, reusing",
				zap.String("branch.name", branch))
			return nil
		}
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

func (c *Client) writeFile(ctx context.Context, repo capability.RepoRef, branch, path, content, message string) error {
	// An existing file needs its blob SHA for the update call.
	var existingSHA string
	_ = retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		fc, _, resp, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return resp, err
		}
		if fc != nil {
			existingSHA = fc.GetSHA()
		}
		return resp, nil
	})

	opts := &github.RepositoryContentFileOptions{
		Message:   github.String(message),
		Content:   []byte(content),
		Branch:    github.String(branch),
		Committer: c.committer,
	}

	var err error
	if existingSHA != "" {
		opts.SHA = github.String(existingSHA)
		err = retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
			_, resp, uerr := c.gh.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
			return resp, uerr
		})
	} else {
		err = retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
			_, resp, cerr := c.gh.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
			return resp, cerr
		})
	}
	if err != nil {
		return fmt.Errorf("writing %s on %s: %w", path, branch, err)
	}
	return nil
}

// OpenOrReusePR opens a pull request from head into base. If an open PR
// with the same head already exists its URL is returned instead.
func (c *Client) OpenOrReusePR(ctx context.Context, repo capability.RepoRef, head, base, title, body string) (string, error) {
	var prURL string
	err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title: github.String(title),
			Body:  github.String(body),
			Head:  github.String(head),
			Base:  github.String(base),
		})
		if err != nil {
			return resp, err
		}
		prURL = pr.GetHTMLURL()
		return resp, nil
	})
	if err == nil {
		return prURL, nil
	}

	// 422 with "already exists" means a PR for this head is open.
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(err.Error(), "pull request already exists") {
		return c.findOpenPR(ctx, repo, head)
	}
	return "", err
}

func (c *Client) findOpenPR(ctx context.Context, repo capability.RepoRef, head string) (string, error) {
	var prURL string
	err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		prs, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
			State: "open",
			Head:  repo.Owner + ":" + head,
		})
		if err != nil {
			return resp, err
		}
		if len(prs) == 0 {
			return resp, fmt.Errorf("no open pull request for head %s", head)
		}
		prURL = prs[0].GetHTMLURL()
		return resp, nil
	})
	if err != nil {
		return "", fmt.Errorf("finding existing pull request: %w", err)
	}
	c.logger.Info("reusing existing pull request",
		zap.String("branch.name", head),
		zap.String("pr.url", prURL))
	return prURL, nil
}
