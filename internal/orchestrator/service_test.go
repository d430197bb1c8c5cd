package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/intent"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

type fakeChat struct {
	mu       sync.Mutex
	messages []string
	channels []string
}

func (f *fakeChat) Capability() capability.Tag { return capability.TagChat }
func (f *fakeChat) Close() error               { return nil }

func (f *fakeChat) Send(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeChat) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

type fakeHost struct {
	files map[string]string
}

func (f *fakeHost) Capability() capability.Tag { return capability.TagCodeHost }
func (f *fakeHost) Close() error               { return nil }

func (f *fakeHost) FetchFile(ctx context.Context, repo capability.RepoRef, path string) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("%s: not found", path)
	}
	return content, nil
}

func (f *fakeHost) CommitAndPush(ctx context.Context, repo capability.RepoRef, branch string, files map[string]string, message string) error {
	return nil
}

func (f *fakeHost) OpenOrReusePR(ctx context.Context, repo capability.RepoRef, head, base, title, body string) (string, error) {
	return "https://example.com/pr/1", nil
}

type fakeAnalytics struct {
	series capability.Series
	err    error
	asked  []string
}

func (f *fakeAnalytics) Capability() capability.Tag { return capability.TagAnalytics }
func (f *fakeAnalytics) Close() error               { return nil }

func (f *fakeAnalytics) Query(ctx context.Context, metric string, window time.Duration) (capability.Series, error) {
	f.asked = append(f.asked, metric)
	return f.series, f.err
}

type fakeApplier struct{}

func (f *fakeApplier) Capability() capability.Tag { return capability.TagPatchApply }
func (f *fakeApplier) Close() error               { return nil }

func (f *fakeApplier) Merge(ctx context.Context, instruction, original, patchBlock string) (string, error) {
	return "merged", nil
}

// fakeCompleter routes each call by a substring of the system prompt, so
// one fake can serve triage, persona, and generation calls.
type fakeCompleter struct {
	replies       map[string]string
	fallbackReply string
	err           error
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for needle, reply := range f.replies {
		if strings.Contains(system, needle) {
			return reply, nil
		}
	}
	return f.fallbackReply, nil
}

type fakeRecords struct {
	mu        sync.Mutex
	proposals []*proposal.Proposal
	repo      *store.Repository
	repoErr   error
}

func (f *fakeRecords) CreateProposal(ctx context.Context, p *proposal.Proposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals = append(f.proposals, p)
	return nil
}

func (f *fakeRecords) GetActiveRepository(ctx context.Context) (*store.Repository, error) {
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return f.repo, nil
}

type dialCount struct {
	mu    sync.Mutex
	calls map[capability.Tag]int
}

type testEnv struct {
	chat      *fakeChat
	host      *fakeHost
	analytics *fakeAnalytics
	records   *fakeRecords
	dials     *dialCount
	service   *Service
}

const engineReply = `{
  "idea_summary": "Make the button green",
  "rationale": "Higher contrast draws the eye.",
  "expected_impact": {"metric": "cta_click_rate", "delta_pct": 0.056},
  "technical_plan": [{"file": "styles.css", "action": "change color"}],
  "confidence": 0.62,
  "patch_block": ".btn { color: green }\n// ... existing code ..."
}`

func newTestEnv(t *testing.T, completer *fakeCompleter, failDial map[capability.Tag]error) *testEnv {
	t.Helper()

	env := &testEnv{
		chat:      &fakeChat{},
		host:      &fakeHost{files: map[string]string{"checkout.html": "<form>stuff</form>"}},
		analytics: &fakeAnalytics{series: capability.Series{{Value: 100}, {Value: 120}}},
		records: &fakeRecords{repo: &store.Repository{
			ID: "r1", Owner: "acme", Name: "shop", FullName: "acme/shop", IsActive: true,
		}},
		dials: &dialCount{calls: map[capability.Tag]int{}},
	}

	dial := func(tag capability.Tag, client capability.Client) capability.DialFunc {
		return func(ctx context.Context) (capability.Client, error) {
			env.dials.mu.Lock()
			env.dials.calls[tag]++
			env.dials.mu.Unlock()
			if err := failDial[tag]; err != nil {
				return nil, err
			}
			return client, nil
		}
	}

	manager, err := capability.NewManager(nil, map[capability.Tag]capability.DialFunc{
		capability.TagChat:       dial(capability.TagChat, env.chat),
		capability.TagCodeHost:   dial(capability.TagCodeHost, env.host),
		capability.TagAnalytics:  dial(capability.TagAnalytics, env.analytics),
		capability.TagPatchApply: dial(capability.TagPatchApply, &fakeApplier{}),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	engine, err := proposal.NewEngine(nil, completer, zap.NewNop())
	require.NoError(t, err)

	classifier := intent.NewClassifier(nil, completer, zap.NewNop())

	svc, err := NewService(nil, classifier, manager, engine, nil, completer, env.records, nil, zap.NewNop())
	require.NoError(t, err)
	env.service = svc
	return env
}

func TestCasualChatUsesOnlyChat(t *testing.T) {
	completer := &fakeCompleter{
		replies:       map[string]string{"triage": "casual_chat", "Northstar": "Hello. What would you like to explore?"},
		fallbackReply: "casual_chat",
	}
	env := newTestEnv(t, completer, nil)

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", UserID: "U1", Text: "hey there friend"})
	require.NoError(t, err)

	assert.Equal(t, intent.CasualChat, resp.Category)
	assert.Equal(t, "Hello. What would you like to explore?", resp.Reply)
	assert.Equal(t, resp.Reply, env.chat.lastMessage())

	env.dials.mu.Lock()
	defer env.dials.mu.Unlock()
	assert.Equal(t, 1, env.dials.calls[capability.TagChat])
	assert.Zero(t, env.dials.calls[capability.TagCodeHost], "casual chat must not open a code host session")
	assert.Zero(t, env.dials.calls[capability.TagAnalytics])
	assert.Zero(t, env.dials.calls[capability.TagPatchApply])
}

func TestAnalyticsQueryOpensNoCodeHost(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "analytics_query"}, nil)

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "how is our conversion doing?"})
	require.NoError(t, err)

	assert.Equal(t, intent.AnalyticsQuery, resp.Category)
	assert.Contains(t, resp.Reply, "checkout_conversion")
	assert.Equal(t, []string{"checkout_conversion"}, env.analytics.asked)

	env.dials.mu.Lock()
	defer env.dials.mu.Unlock()
	assert.Zero(t, env.dials.calls[capability.TagCodeHost], "analytics flow must not open a code host session")
}

func TestAnalyticsFailureDegradesGracefully(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "analytics_query"}, nil)
	env.analytics.err = errors.New("503")

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "what's our dau?"})
	require.NoError(t, err)
	assert.Contains(t, resp.Reply, "couldn't reach analytics")
}

func TestRepoAnalysis(t *testing.T) {
	completer := &fakeCompleter{
		replies:       map[string]string{"Summarize": "A small storefront with a checkout page."},
		fallbackReply: "repo_analysis",
	}
	env := newTestEnv(t, completer, nil)

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "please analyze the structure"})
	require.NoError(t, err)
	assert.Equal(t, intent.RepoAnalysis, resp.Category)
	assert.Equal(t, "A small storefront with a checkout page.", resp.Reply)
}

func TestRepoAnalysisNoActiveRepo(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "repo_analysis"}, nil)
	env.records.repoErr = errors.New("no active repository")

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "analyze the repo structure"})
	require.NoError(t, err)
	assert.Contains(t, resp.Reply, "No repository is registered")
}

func TestCodeChangeCreatesProposal(t *testing.T) {
	completer := &fakeCompleter{
		replies:       map[string]string{"experiment proposal engine": engineReply},
		fallbackReply: "code_change",
	}
	env := newTestEnv(t, completer, nil)

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "update the button color to green"})
	require.NoError(t, err)

	assert.Equal(t, intent.CodeChange, resp.Category)
	require.NotNil(t, resp.Proposal)
	assert.Equal(t, "Make the button green", resp.Proposal.IdeaSummary)
	assert.Equal(t, "r1", resp.Proposal.RepoID)
	assert.Equal(t, proposal.StatusPending, resp.Proposal.Status)
	assert.Contains(t, resp.Reply, resp.Proposal.ID)
	assert.Contains(t, resp.Reply, "Approve or reject")

	env.records.mu.Lock()
	defer env.records.mu.Unlock()
	require.Len(t, env.records.proposals, 1)
}

func TestDegradedModeNamesCapability(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "repo_analysis"},
		map[capability.Tag]error{capability.TagCodeHost: errors.New("auth rejected")})

	resp, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "analyze the repo architecture"})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Reply, "codehost")
	assert.Equal(t, resp.Reply, env.chat.lastMessage(), "degraded reply still reaches chat")
}

func TestChatDialFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "casual_chat"},
		map[capability.Tag]error{capability.TagChat: errors.New("slack down")})

	_, err := env.service.HandleRequest(context.Background(), Request{Channel: "C1", Text: "hello there"})
	require.Error(t, err)
}

// comboStore backs both the orchestrator and the state machine, the way
// the SQLite store does in production.
type comboStore struct {
	mu   sync.Mutex
	repo *store.Repository
	p    *proposal.Proposal
	exp  *experiment.Experiment
}

func (c *comboStore) CreateProposal(ctx context.Context, p *proposal.Proposal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.p = &cp
	return nil
}

func (c *comboStore) GetActiveRepository(ctx context.Context) (*store.Repository, error) {
	return c.repo, nil
}

func (c *comboStore) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p == nil || c.p.ID != id {
		return nil, errors.New("not found")
	}
	cp := *c.p
	return &cp, nil
}

func (c *comboStore) ApproveProposal(ctx context.Context, proposalID, patchOverride string, e *experiment.Experiment) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p == nil || c.p.ID != proposalID || c.p.Status != proposal.StatusPending {
		return false, nil
	}
	c.p.Status = proposal.StatusApproved
	if patchOverride != "" {
		c.p.PatchBlock = patchOverride
	}
	cp := *e
	c.exp = &cp
	return true, nil
}

func (c *comboStore) TransitionProposal(ctx context.Context, id string, from, to proposal.Status) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p == nil || c.p.ID != id || c.p.Status != from {
		return false, nil
	}
	c.p.Status = to
	return true, nil
}

func (c *comboStore) CompleteProposal(ctx context.Context, id, outcomeNote string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p.Status = proposal.StatusCompleted
	return nil
}

func (c *comboStore) FinishExperiment(ctx context.Context, id string, status experiment.Status, prURL, branch, failureReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exp.Status = status
	c.exp.PRURL = prURL
	c.exp.BranchName = branch
	c.exp.FailureReason = failureReason
	return nil
}

type fakeRunner struct {
	res *experiment.RunResult
	err error
}

func (f *fakeRunner) Run(ctx context.Context, req experiment.RunRequest) (*experiment.RunResult, error) {
	return f.res, f.err
}

func newMachineEnv(t *testing.T, cfg *Config, runner experiment.Runner) (*testEnv, *comboStore) {
	t.Helper()

	completer := &fakeCompleter{
		replies:       map[string]string{"experiment proposal engine": engineReply},
		fallbackReply: "code_change",
	}
	env := &testEnv{
		chat:      &fakeChat{},
		host:      &fakeHost{files: map[string]string{"checkout.html": "<form>stuff</form>"}},
		analytics: &fakeAnalytics{},
	}
	records := &comboStore{repo: &store.Repository{
		ID: "r1", Owner: "acme", Name: "shop", FullName: "acme/shop", IsActive: true,
	}}

	manager, err := capability.NewManager(nil, map[capability.Tag]capability.DialFunc{
		capability.TagChat:       func(ctx context.Context) (capability.Client, error) { return env.chat, nil },
		capability.TagCodeHost:   func(ctx context.Context) (capability.Client, error) { return env.host, nil },
		capability.TagAnalytics:  func(ctx context.Context) (capability.Client, error) { return env.analytics, nil },
		capability.TagPatchApply: func(ctx context.Context) (capability.Client, error) { return &fakeApplier{}, nil },
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	machine, err := experiment.NewStateMachine(nil, records, runner, nil, zap.NewNop())
	require.NoError(t, err)

	engine, err := proposal.NewEngine(nil, completer, zap.NewNop())
	require.NoError(t, err)
	classifier := intent.NewClassifier(nil, completer, zap.NewNop())

	svc, err := NewService(cfg, classifier, manager, engine, machine, completer, records, nil, zap.NewNop())
	require.NoError(t, err)
	env.service = svc
	return env, records
}

func TestExperimentOutcomeAnnouncedOnOriginChannel(t *testing.T) {
	runner := &fakeRunner{res: &experiment.RunResult{
		PRURL:      "https://github.com/acme/shop/pull/9",
		BranchName: "northstar/make-the-button-green",
	}}
	env, records := newMachineEnv(t, nil, runner)

	resp, err := env.service.HandleRequest(context.Background(),
		Request{Channel: "C-growth", Text: "make the button green"})
	require.NoError(t, err)
	require.NotNil(t, resp.Proposal)

	_, err = env.service.ApproveProposal(context.Background(), resp.Proposal.ID, "")
	require.NoError(t, err)
	env.service.machine.Wait()

	msg := env.chat.lastMessage()
	assert.Contains(t, msg, "Experiment deployed")
	assert.Contains(t, msg, "https://github.com/acme/shop/pull/9")

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	assert.Equal(t, "C-growth", env.chat.channels[len(env.chat.channels)-1])
	assert.Equal(t, experiment.StatusCompleted, records.exp.Status)
}

func TestExperimentFailureAnnounced(t *testing.T) {
	runner := &fakeRunner{err: errors.New("merge produced no changes")}
	env, _ := newMachineEnv(t, nil, runner)

	resp, err := env.service.HandleRequest(context.Background(),
		Request{Channel: "C-growth", Text: "make the button green"})
	require.NoError(t, err)
	require.NotNil(t, resp.Proposal)

	_, err = env.service.ApproveProposal(context.Background(), resp.Proposal.ID, "")
	require.NoError(t, err)
	env.service.machine.Wait()

	msg := env.chat.lastMessage()
	assert.Contains(t, msg, "Experiment failed")
	assert.Contains(t, msg, "merge produced no changes")
}

func TestExperimentOutcomeFallsBackToNotifyChannel(t *testing.T) {
	// Approving a proposal the machine never saw a channel for, e.g. one
	// created over the HTTP API.
	runner := &fakeRunner{res: &experiment.RunResult{PRURL: "https://example.com/pr/2"}}
	cfg := DefaultConfig()
	cfg.NotifyChannel = "C-ops"
	env, records := newMachineEnv(t, cfg, runner)

	p := &proposal.Proposal{
		ID:          "p-http",
		IdeaSummary: "Make the button green",
		PatchBlock:  ".btn { color: green }\n// ... existing code ...",
		Status:      proposal.StatusPending,
	}
	require.NoError(t, records.CreateProposal(context.Background(), p))

	_, err := env.service.ApproveProposal(context.Background(), "p-http", "")
	require.NoError(t, err)
	env.service.machine.Wait()

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	require.NotEmpty(t, env.chat.channels)
	assert.Equal(t, "C-ops", env.chat.channels[len(env.chat.channels)-1])
}

func TestExperimentOutcomeSilentWithoutChannel(t *testing.T) {
	runner := &fakeRunner{res: &experiment.RunResult{PRURL: "https://example.com/pr/3"}}
	env, records := newMachineEnv(t, nil, runner)

	p := &proposal.Proposal{
		ID:          "p-http",
		IdeaSummary: "Make the button green",
		PatchBlock:  ".btn { color: green }\n// ... existing code ...",
		Status:      proposal.StatusPending,
	}
	require.NoError(t, records.CreateProposal(context.Background(), p))

	_, err := env.service.ApproveProposal(context.Background(), "p-http", "")
	require.NoError(t, err)
	env.service.machine.Wait()

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	assert.Empty(t, env.chat.messages, "no origin and no fallback means no announcement")
}

func TestMetricFor(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{fallbackReply: "casual_chat"}, nil)

	assert.Equal(t, "dau", env.service.metricFor("what's our DAU today"))
	assert.Equal(t, "retention", env.service.metricFor("retention numbers please"))
	assert.Equal(t, "checkout_conversion", env.service.metricFor("how are things"))
}
