package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/llm"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/proposal"

// ContextMarker is the fast-apply marker a patch block must carry so the
// merge service can anchor unchanged regions.
const ContextMarker = "// ... existing code ..."

// ErrNoActionableChange indicates generation produced nothing worth
// approving. Callers receive a no-op proposal alongside it.
var ErrNoActionableChange = errors.New("no actionable change")

// GenerationError wraps a failure during proposal generation. The engine
// recovers from it by returning a no-op proposal; the error is surfaced for
// logging only.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("proposal generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config configures the proposal engine.
type Config struct {
	// ContextLimit is the maximum codebase context length in characters.
	// Longer context is head-truncated with an explicit marker.
	ContextLimit int
	// KeyFiles are fetched from the active repository when the caller
	// supplies no context of its own.
	KeyFiles []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ContextLimit: 20000,
		KeyFiles:     []string{"README.md", "index.html", "checkout.html", "styles.css", "app.js"},
	}
}

// Request carries the inputs for one generation run.
type Request struct {
	// Repo is the repository the proposal targets.
	Repo capability.RepoRef
	// RepoID links the proposal to a registered repository record.
	RepoID string
	// Context is pre-assembled codebase context. When empty the engine
	// fetches KeyFiles through Host instead.
	Context string
	// Host is used for read-only file fetches when Context is empty.
	Host capability.CodeHost
	// MetricsSummary is an optional analytics digest folded into the prompt.
	MetricsSummary string
	// UserRequest is the user's own wording of the change, when the run was
	// triggered by an explicit request rather than autonomous ideation.
	UserRequest string
}

// Engine turns codebase context into a validated experiment proposal.
type Engine struct {
	config    *Config
	completer llm.Completer
	logger    *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	generatedCounter metric.Int64Counter
	noopCounter      metric.Int64Counter
}

// NewEngine creates a proposal engine.
func NewEngine(cfg *Config, completer llm.Completer, logger *zap.Logger) (*Engine, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultConfig().ContextLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:    cfg,
		completer: completer,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	e.generatedCounter, err = e.meter.Int64Counter(
		"northstar.proposals.generated_total",
		metric.WithDescription("Proposals generated, by outcome"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		logger.Warn("failed to create generated counter", zap.Error(err))
	}
	e.noopCounter, err = e.meter.Int64Counter(
		"northstar.proposals.noop_total",
		metric.WithDescription("Generation runs recovered as no-op proposals"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		logger.Warn("failed to create noop counter", zap.Error(err))
	}
	return e, nil
}

const generateSystemPrompt = `You are an experiment proposal engine for a product team.
Given codebase context and optional metrics, propose ONE small, high-leverage
experiment. Respond with a single JSON object and nothing else:
{
  "idea_summary": "one sentence",
  "rationale": "why this should move the metric",
  "expected_impact": {"metric": "metric name", "delta_pct": 0.05},
  "technical_plan": [{"file": "path", "action": "what changes"}],
  "confidence": 0.7,
  "patch_block": "the edited file content, using '// ... existing code ...' markers around unchanged regions"
}
Only propose changes to files present in the context. If nothing actionable
exists, return the object with an empty patch_block and empty technical_plan.`

// Propose generates one proposal from the request. Generation failures are
// recovered as a no-op proposal (empty patch block, never approvable); the
// returned error is non-nil only for infrastructure failures before
// generation, such as an unreachable code host.
func (e *Engine) Propose(ctx context.Context, req Request) (*Proposal, error) {
	ctx, span := e.tracer.Start(ctx, "proposal.propose",
		trace.WithAttributes(attribute.String("repo.full_name", req.Repo.FullName())))
	defer span.End()

	codeCtx := req.Context
	if codeCtx == "" {
		fetched, err := e.fetchContext(ctx, req)
		if err != nil {
			return nil, err
		}
		codeCtx = fetched
	}
	codeCtx = truncate(codeCtx, e.config.ContextLimit)

	prompt := buildPrompt(codeCtx, req.MetricsSummary, req.UserRequest)

	raw, err := e.completer.Complete(ctx, generateSystemPrompt, prompt)
	if err != nil {
		return e.recover(ctx, req, &GenerationError{Stage: "completion", Err: err})
	}

	p, err := parseProposal(raw)
	if err != nil {
		return e.recover(ctx, req, &GenerationError{Stage: "validation", Err: err})
	}

	e.stamp(p, req)
	if e.generatedCounter != nil {
		e.generatedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("noop", p.NoOp())))
	}
	e.logger.Info("proposal generated",
		zap.String("proposal.id", p.ID),
		zap.String("proposal.metric", p.Impact.Metric),
		zap.Float64("proposal.confidence", p.Confidence),
		zap.Bool("proposal.noop", p.NoOp()))
	return p, nil
}

// fetchContext assembles codebase context by reading key files from the
// repository. Missing files are skipped; an empty result is not an error.
func (e *Engine) fetchContext(ctx context.Context, req Request) (string, error) {
	if req.Host == nil {
		return "", errors.New("no codebase context and no code host to fetch from")
	}

	var b strings.Builder
	for _, path := range e.config.KeyFiles {
		content, err := req.Host.FetchFile(ctx, req.Repo, path)
		if err != nil {
			e.logger.Debug("skipping key file",
				zap.String("file.path", path), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", path, content)
	}
	return b.String(), nil
}

// recover logs the generation failure and returns a no-op proposal so the
// caller still has something to show the user.
func (e *Engine) recover(ctx context.Context, req Request, genErr *GenerationError) (*Proposal, error) {
	e.logger.Warn("recovering generation failure as no-op proposal", zap.Error(genErr))
	if e.noopCounter != nil {
		e.noopCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", genErr.Stage)))
	}

	p := &Proposal{
		IdeaSummary: "No actionable experiment found",
		Rationale:   "Proposal generation did not produce a valid, applicable change.",
	}
	e.stamp(p, req)
	return p, nil
}

func (e *Engine) stamp(p *Proposal, req Request) {
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.Status = StatusPending
	p.RepoID = req.RepoID
	p.CreatedAt = now
	p.UpdatedAt = now
}

type proposalWire struct {
	IdeaSummary    string         `json:"idea_summary"`
	Rationale      string         `json:"rationale"`
	ExpectedImpact ExpectedImpact `json:"expected_impact"`
	TechnicalPlan  []PlanStep     `json:"technical_plan"`
	Confidence     float64        `json:"confidence"`
	PatchBlock     string         `json:"patch_block"`
}

// parseProposal validates the raw model output against the proposal schema.
// Unknown fields are rejected; a patch block without fast-apply markers is
// treated as not actionable.
func parseProposal(raw string) (*Proposal, error) {
	raw = stripFence(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var w proposalWire
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if strings.TrimSpace(w.IdeaSummary) == "" {
		return nil, errors.New("missing idea_summary")
	}
	if strings.TrimSpace(w.Rationale) == "" {
		return nil, errors.New("missing rationale")
	}
	if w.PatchBlock != "" {
		if w.ExpectedImpact.Metric == "" {
			return nil, errors.New("missing expected_impact.metric")
		}
		if len(w.TechnicalPlan) == 0 {
			return nil, errors.New("missing technical_plan")
		}
		if !strings.Contains(w.PatchBlock, ContextMarker) {
			return nil, fmt.Errorf("patch_block missing %q marker", ContextMarker)
		}
	}

	return &Proposal{
		IdeaSummary:   w.IdeaSummary,
		Rationale:     w.Rationale,
		Impact:        w.ExpectedImpact,
		TechnicalPlan: w.TechnicalPlan,
		Confidence:    clamp01(w.Confidence),
		PatchBlock:    w.PatchBlock,
	}, nil
}

// stripFence removes a surrounding markdown code fence, which chat models
// emit even when told not to.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncate keeps the head of s up to limit characters and appends a marker
// noting how much was cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	return s[:limit] + fmt.Sprintf("\n[truncated %d chars]", cut)
}

func buildPrompt(codeCtx, metrics, userRequest string) string {
	var b strings.Builder
	b.WriteString("Codebase context:\n")
	b.WriteString(codeCtx)
	if metrics != "" {
		b.WriteString("\n\nRecent metrics:\n")
		b.WriteString(metrics)
	}
	if userRequest != "" {
		b.WriteString("\n\nThe user asked for this change:\n")
		b.WriteString(userRequest)
	}
	b.WriteString("\n\nPropose one experiment as JSON.")
	return b.String()
}
