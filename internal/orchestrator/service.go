package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/analytics"
	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/intent"
	"github.com/fyrsmithlabs/northstar/internal/llm"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/orchestrator"

// Request is one inbound user message.
type Request struct {
	// Channel is where replies go.
	Channel string
	// UserID identifies the requesting user, for narration only.
	UserID string
	// Text is the raw message.
	Text string
}

// Response is the orchestration outcome.
type Response struct {
	Category intent.Category
	Reply    string
	// Proposal is set when the request produced a pending proposal.
	Proposal *proposal.Proposal
	// Degraded is true when a required capability was unavailable and the
	// reply only explains the limitation.
	Degraded bool
}

// RecordStore is the storage surface the orchestrator needs.
type RecordStore interface {
	CreateProposal(ctx context.Context, p *proposal.Proposal) error
	GetActiveRepository(ctx context.Context) (*store.Repository, error)
}

// Recorder appends best-effort activity narration.
type Recorder interface {
	Record(ctx context.Context, message string)
}

// Config configures the orchestrator.
type Config struct {
	// AnalyticsWindow is the lookback for metric queries.
	AnalyticsWindow time.Duration
	// DefaultMetric answers metric questions that name no known metric.
	DefaultMetric string
	// KnownMetrics maps message keywords to metric names.
	KnownMetrics map[string]string
	// KeyFiles are fetched for repository analysis.
	KeyFiles []string
	// NotifyChannel receives experiment outcome announcements for
	// proposals whose originating chat channel is unknown, e.g. those
	// generated over the HTTP API. Empty disables the fallback.
	NotifyChannel string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AnalyticsWindow: 7 * 24 * time.Hour,
		DefaultMetric:   "checkout_conversion",
		KnownMetrics: map[string]string{
			"conversion": "checkout_conversion",
			"dau":        "dau",
			"signups":    "signups",
			"retention":  "retention",
			"churn":      "churn",
		},
		KeyFiles: []string{"README.md", "index.html", "checkout.html", "styles.css", "app.js"},
	}
}

// Service routes triaged requests through capability sessions to handlers.
type Service struct {
	config     *Config
	classifier *intent.Classifier
	manager    *capability.Manager
	engine     *proposal.Engine
	machine    *experiment.StateMachine
	completer  llm.Completer
	records    RecordStore
	recorder   Recorder
	logger     *zap.Logger

	// channels remembers where each proposal was requested from, so the
	// experiment outcome lands in the same conversation.
	mu       sync.Mutex
	channels map[string]string

	tracer         trace.Tracer
	meter          metric.Meter
	requestCounter metric.Int64Counter
}

// NewService creates the orchestrator.
func NewService(cfg *Config, classifier *intent.Classifier, manager *capability.Manager,
	engine *proposal.Engine, machine *experiment.StateMachine, completer llm.Completer,
	records RecordStore, recorder Recorder, logger *zap.Logger) (*Service, error) {
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if manager == nil {
		return nil, errors.New("capability manager is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AnalyticsWindow <= 0 {
		cfg.AnalyticsWindow = DefaultConfig().AnalyticsWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:     cfg,
		classifier: classifier,
		manager:    manager,
		engine:     engine,
		machine:    machine,
		completer:  completer,
		records:    records,
		recorder:   recorder,
		logger:     logger,
		channels:   make(map[string]string),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	if machine != nil {
		machine.OnFinish = s.announceOutcome
	}

	var err error
	s.requestCounter, err = s.meter.Int64Counter(
		"northstar.requests_total",
		metric.WithDescription("Requests handled, by category"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
	}
	return s, nil
}

// HandleRequest runs the two-stage flow: classify, acquire, route, reply.
func (s *Service) HandleRequest(ctx context.Context, req Request) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.handle_request")
	defer span.End()

	result := s.classifier.Classify(ctx, req.Text)
	span.SetAttributes(attribute.String("intent.category", string(result.Category)))
	s.record(ctx, fmt.Sprintf("Classified request from %s as %s", req.UserID, result.Category))
	if s.requestCounter != nil {
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(result.Category))))
	}

	bundle, acqErr := s.manager.Acquire(ctx, result.Capabilities)
	if bundle != nil {
		defer s.manager.Release(bundle)
	}
	if acqErr != nil {
		return s.degraded(ctx, req, result, bundle, acqErr)
	}
	s.record(ctx, fmt.Sprintf("Acquired capabilities: %v", bundle.Tags()))

	resp := &Response{Category: result.Category}
	var err error
	switch result.Category {
	case intent.CasualChat:
		resp.Reply = s.casualReply(ctx, req.Text)
	case intent.AnalyticsQuery:
		resp.Reply, err = s.analyticsReply(ctx, bundle, req.Text)
	case intent.RepoAnalysis:
		resp.Reply, err = s.repoAnalysisReply(ctx, bundle)
	case intent.CodeChange, intent.ExperimentProposal:
		resp.Proposal, resp.Reply, err = s.proposeReply(ctx, bundle, result.Category, req.Text)
	default:
		resp.Reply = s.casualReply(ctx, req.Text)
	}
	if err != nil {
		return nil, err
	}
	if resp.Proposal != nil && req.Channel != "" {
		s.rememberChannel(resp.Proposal.ID, req.Channel)
	}

	s.send(ctx, bundle, req.Channel, resp.Reply)
	return resp, nil
}

func (s *Service) rememberChannel(proposalID, channel string) {
	s.mu.Lock()
	s.channels[proposalID] = channel
	s.mu.Unlock()
}

// announceOutcome reports a finished experiment back to chat: the channel
// the proposal came from, or the configured fallback. Runs on the state
// machine's pipeline goroutine; failures are logged, never propagated.
func (s *Service) announceOutcome(exp *experiment.Experiment) {
	s.mu.Lock()
	channel := s.channels[exp.ProposalID]
	delete(s.channels, exp.ProposalID)
	s.mu.Unlock()
	if channel == "" {
		channel = s.config.NotifyChannel
	}
	if channel == "" {
		return
	}

	var text string
	switch exp.Status {
	case experiment.StatusCompleted:
		text = fmt.Sprintf("Experiment deployed: %s\nPR: %s", exp.Instruction, exp.PRURL)
	case experiment.StatusFailed:
		text = fmt.Sprintf("Experiment failed: %s\nReason: %s", exp.Instruction, exp.FailureReason)
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bundle, err := s.manager.Acquire(ctx, capability.NewSet(capability.TagChat))
	if bundle != nil {
		defer s.manager.Release(bundle)
	}
	if err != nil {
		s.logger.Warn("cannot announce experiment outcome",
			zap.String("experiment.id", exp.ID), zap.Error(err))
		return
	}
	s.record(ctx, fmt.Sprintf("Announced experiment %s outcome (%s)", exp.ID, exp.Status))
	s.send(ctx, bundle, channel, text)
}

// degraded answers over whatever chat session survived a partial
// acquisition failure.
func (s *Service) degraded(ctx context.Context, req Request, result intent.Result, bundle *capability.Bundle, acqErr error) (*Response, error) {
	var ae *capability.AcquisitionError
	if !errors.As(acqErr, &ae) || bundle == nil || !bundle.Has(capability.TagChat) {
		return nil, fmt.Errorf("acquiring capabilities for %s: %w", result.Category, acqErr)
	}

	reply := fmt.Sprintf("I can't complete that right now: the %s service is unavailable. Basic chat still works.", ae.Capability)
	s.record(ctx, fmt.Sprintf("Degraded reply for %s: %s unavailable", result.Category, ae.Capability))
	s.logger.Warn("degraded mode reply",
		zap.String("intent.category", string(result.Category)),
		zap.String("capability", string(ae.Capability)),
		zap.Error(acqErr))

	s.send(ctx, bundle, req.Channel, reply)
	return &Response{Category: result.Category, Reply: reply, Degraded: true}, nil
}

const personaPrompt = `You are Northstar, a focused product experimentation agent.
Tone: clean, minimal, direct. No emojis, no exclamation marks, no filler.
Answer in at most three sentences.`

func (s *Service) casualReply(ctx context.Context, text string) string {
	if s.completer == nil {
		return "Hello. Ask me about metrics, the codebase, or a change you want to try."
	}
	reply, err := s.completer.Complete(ctx, personaPrompt, text)
	if err != nil || strings.TrimSpace(reply) == "" {
		s.logger.Warn("persona reply failed, using fallback", zap.Error(err))
		return "Hello. Ask me about metrics, the codebase, or a change you want to try."
	}
	return strings.TrimSpace(reply)
}

func (s *Service) analyticsReply(ctx context.Context, bundle *capability.Bundle, text string) (string, error) {
	source, ok := bundle.Analytics()
	if !ok {
		return "", errors.New("bundle missing analytics session")
	}

	m := s.metricFor(text)
	series, err := source.Query(ctx, m, s.config.AnalyticsWindow)
	if err != nil {
		s.record(ctx, fmt.Sprintf("Analytics query for %s failed", m))
		return fmt.Sprintf("I couldn't reach analytics for %s right now.", m), nil
	}

	s.record(ctx, fmt.Sprintf("Queried %s over %s", m, s.config.AnalyticsWindow))
	return analytics.Summarize(m, series), nil
}

// metricFor maps message keywords onto a known metric name.
func (s *Service) metricFor(text string) string {
	t := strings.ToLower(text)
	for kw, m := range s.config.KnownMetrics {
		if strings.Contains(t, kw) {
			return m
		}
	}
	return s.config.DefaultMetric
}

func (s *Service) repoAnalysisReply(ctx context.Context, bundle *capability.Bundle) (string, error) {
	host, ok := bundle.CodeHost()
	if !ok {
		return "", errors.New("bundle missing code host session")
	}

	repoRec, err := s.records.GetActiveRepository(ctx)
	if err != nil {
		return "No repository is registered yet. Add one before asking for analysis.", nil
	}
	repo := capability.RepoRef{Owner: repoRec.Owner, Name: repoRec.Name}

	var b strings.Builder
	for _, path := range s.config.KeyFiles {
		content, ferr := host.FetchFile(ctx, repo, path)
		if ferr != nil {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", path, content)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("I couldn't read any key files from %s.", repo.FullName()), nil
	}
	s.record(ctx, fmt.Sprintf("Fetched key files from %s for analysis", repo.FullName()))

	if s.completer == nil {
		return fmt.Sprintf("Fetched key files from %s, but no model is available to summarize them.", repo.FullName()), nil
	}
	summary, err := s.completer.Complete(ctx,
		personaPrompt+"\nSummarize the structure and purpose of this codebase for a product manager.",
		b.String())
	if err != nil || strings.TrimSpace(summary) == "" {
		return fmt.Sprintf("I read the key files of %s but couldn't produce a summary right now.", repo.FullName()), nil
	}
	return strings.TrimSpace(summary), nil
}

func (s *Service) proposeReply(ctx context.Context, bundle *capability.Bundle, category intent.Category, text string) (*proposal.Proposal, string, error) {
	if s.engine == nil {
		return nil, "", errors.New("proposal engine not configured")
	}
	host, ok := bundle.CodeHost()
	if !ok {
		return nil, "", errors.New("bundle missing code host session")
	}

	repoRec, err := s.records.GetActiveRepository(ctx)
	if err != nil {
		return nil, "No repository is registered yet. Add one before requesting changes.", nil
	}

	engineReq := proposal.Request{
		Repo:        capability.RepoRef{Owner: repoRec.Owner, Name: repoRec.Name},
		RepoID:      repoRec.ID,
		Host:        host,
		UserRequest: text,
	}

	// Experiment proposals fold recent metrics into the prompt when the
	// analytics session is part of the bundle.
	if category == intent.ExperimentProposal {
		if source, ok := bundle.Analytics(); ok {
			if series, qerr := source.Query(ctx, s.config.DefaultMetric, s.config.AnalyticsWindow); qerr == nil {
				engineReq.MetricsSummary = analytics.Summarize(s.config.DefaultMetric, series)
			}
		}
	}

	p, err := s.engine.Propose(ctx, engineReq)
	if err != nil {
		return nil, "", fmt.Errorf("generating proposal: %w", err)
	}
	if err := s.records.CreateProposal(ctx, p); err != nil {
		return nil, "", fmt.Errorf("persisting proposal: %w", err)
	}
	s.record(ctx, fmt.Sprintf("Proposal %s created (%s)", p.ID, p.IdeaSummary))

	if p.NoOp() {
		return p, fmt.Sprintf("I looked but found no actionable change. %s", p.Rationale), nil
	}

	reply := fmt.Sprintf(
		"Proposal %s: %s\nRationale: %s\nExpected impact: %s %+.1f%%\nConfidence: %.0f%%\nApprove or reject it via the proposals API.",
		p.ID, p.IdeaSummary, p.Rationale, p.Impact.Metric, p.Impact.DeltaPct*100, p.Confidence*100)
	return p, reply, nil
}

// ApproveProposal delegates to the state machine and narrates the outcome.
func (s *Service) ApproveProposal(ctx context.Context, proposalID, patchOverride string) (*experiment.Experiment, error) {
	if s.machine == nil {
		return nil, errors.New("state machine not configured")
	}
	exp, err := s.machine.Approve(ctx, proposalID, patchOverride)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// RejectProposal delegates to the state machine.
func (s *Service) RejectProposal(ctx context.Context, proposalID string) error {
	if s.machine == nil {
		return errors.New("state machine not configured")
	}
	return s.machine.Reject(ctx, proposalID)
}

// send delivers the reply over chat. Delivery failures are logged, never
// fatal to the request.
func (s *Service) send(ctx context.Context, bundle *capability.Bundle, channel, text string) {
	if channel == "" || text == "" {
		return
	}
	transport, ok := bundle.Chat()
	if !ok {
		return
	}
	if err := transport.Send(ctx, channel, text); err != nil {
		s.logger.Warn("chat delivery failed",
			zap.String("chat.channel", channel), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, message string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, message)
}
