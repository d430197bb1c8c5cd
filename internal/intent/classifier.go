// Package intent triages inbound requests into an intent category and the
// capability set that category needs.
//
// Triage gates whether any heavier capability session is opened at all, so
// it runs under a fixed latency budget: a deterministic keyword pass decides
// obvious cases, and the model is only consulted within the remaining
// budget. Any classifier failure degrades to casual chat rather than
// surfacing an error, so a broken classifier never blocks basic chat.
package intent

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/llm"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/intent"

// Category is one of the five request intents.
type Category string

const (
	CasualChat         Category = "casual_chat"
	RepoAnalysis       Category = "repo_analysis"
	AnalyticsQuery     Category = "analytics_query"
	CodeChange         Category = "code_change"
	ExperimentProposal Category = "experiment_proposal"
)

// capabilityTable is the fixed mapping from category to required
// capabilities. It is static; nothing is inferred per request.
var capabilityTable = map[Category]capability.Set{
	CasualChat:         capability.NewSet(capability.TagChat),
	RepoAnalysis:       capability.NewSet(capability.TagChat, capability.TagCodeHost),
	AnalyticsQuery:     capability.NewSet(capability.TagChat, capability.TagAnalytics),
	CodeChange:         capability.NewSet(capability.TagChat, capability.TagCodeHost, capability.TagPatchApply),
	ExperimentProposal: capability.NewSet(capability.TagChat, capability.TagAnalytics, capability.TagCodeHost, capability.TagPatchApply),
}

// Capabilities returns the capability set for a category.
func Capabilities(c Category) capability.Set {
	if s, ok := capabilityTable[c]; ok {
		return s
	}
	return capabilityTable[CasualChat]
}

// Result is the triage outcome for one request.
type Result struct {
	Category     Category
	Capabilities capability.Set
}

// Config configures the classifier.
type Config struct {
	// Timeout is the latency budget for the model call.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Timeout: 250 * time.Millisecond}
}

// Classifier maps a raw request to exactly one category.
type Classifier struct {
	config    *Config
	completer llm.Completer
	logger    *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	degradedCounter metric.Int64Counter
}

// NewClassifier creates a classifier. A nil completer disables the model
// fallback; the keyword pass still runs.
func NewClassifier(cfg *Config, completer llm.Completer, logger *zap.Logger) *Classifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		config:    cfg,
		completer: completer,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	var err error
	c.degradedCounter, err = c.meter.Int64Counter(
		"northstar.intent.degraded_total",
		metric.WithDescription("Classifications degraded to casual chat"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create degraded counter", zap.Error(err))
	}
	return c
}

// Classify maps text to a Result. It never returns an error: failures
// degrade to CasualChat and are invisible to the user.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	ctx, span := c.tracer.Start(ctx, "intent.classify")
	defer span.End()

	if cat, ok := keywordCategory(text); ok {
		span.SetAttributes(attribute.String("intent.category", string(cat)),
			attribute.String("intent.source", "keyword"))
		return Result{Category: cat, Capabilities: Capabilities(cat)}
	}

	cat := c.modelCategory(ctx, text)
	span.SetAttributes(attribute.String("intent.category", string(cat)),
		attribute.String("intent.source", "model"))
	return Result{Category: cat, Capabilities: Capabilities(cat)}
}

// keywordCategory applies the priority rule on obvious phrasing so the
// common path stays inside the latency budget without a model call.
func keywordCategory(text string) (Category, bool) {
	t := strings.ToLower(text)

	for _, kw := range []string{"dau", "wau", "mau", "conversion", "retention", "churn", "metric", "signups", "how are our"} {
		if strings.Contains(t, kw) {
			return AnalyticsQuery, true
		}
	}
	for _, kw := range []string{"analyze", "analyse", "structure", "architecture", "walk me through the code", "what does the repo"} {
		if strings.Contains(t, kw) {
			return RepoAnalysis, true
		}
	}
	for _, kw := range []string{"change the", "update the", "modify", "rename", "remove the", "fix the", "refactor"} {
		if strings.Contains(t, kw) {
			return CodeChange, true
		}
	}
	for _, kw := range []string{"experiment", "propose", "idea to improve", "a/b test"} {
		if strings.Contains(t, kw) {
			return ExperimentProposal, true
		}
	}
	return "", false
}

const classifySystemPrompt = `You are an intent triage engine. Reply with exactly one token from:
casual_chat, repo_analysis, analytics_query, code_change, experiment_proposal.
Rules, in priority order: a product metric question is analytics_query; a
request to analyze code or repository structure without changing it is
repo_analysis; an explicit code modification is code_change; a request for a
new experiment idea is experiment_proposal; anything else is casual_chat.`

// modelCategory consults the model within the latency budget. Any failure
// or unparseable reply degrades to CasualChat.
func (c *Classifier) modelCategory(ctx context.Context, text string) Category {
	if c.completer == nil {
		return CasualChat
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reply, err := c.completer.Complete(ctx, classifySystemPrompt, text)
	if err != nil {
		c.degrade(ctx, "model call failed", err)
		return CasualChat
	}

	cat := Category(strings.TrimSpace(strings.ToLower(reply)))
	if _, ok := capabilityTable[cat]; !ok {
		c.degrade(ctx, "unparseable model reply", nil)
		return CasualChat
	}
	return cat
}

func (c *Classifier) degrade(ctx context.Context, reason string, err error) {
	c.logger.Warn("intent classification degraded to casual chat",
		zap.String("reason", reason), zap.Error(err))
	if c.degradedCounter != nil {
		c.degradedCounter.Add(ctx, 1)
	}
}
