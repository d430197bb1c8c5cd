package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/proposal"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/experiment"

// Store is the subset of record storage the state machine needs.
type Store interface {
	GetProposal(ctx context.Context, id string) (*proposal.Proposal, error)
	// ApproveProposal atomically flips a pending proposal to approved,
	// applies an optional patch override, and inserts the experiment
	// record. It returns false, mutating nothing, when the proposal was
	// not pending.
	ApproveProposal(ctx context.Context, proposalID, patchOverride string, e *Experiment) (bool, error)
	TransitionProposal(ctx context.Context, id string, from, to proposal.Status) (bool, error)
	CompleteProposal(ctx context.Context, id, outcomeNote string) error
	FinishExperiment(ctx context.Context, id string, status Status, prURL, branch, failureReason string) error
}

// Recorder appends best-effort activity entries. Failures are logged by the
// state machine, never propagated.
type Recorder interface {
	Record(ctx context.Context, message string)
}

// RunRequest carries everything the patch pipeline needs for one experiment.
type RunRequest struct {
	ProposalID   string
	ExperimentID string
	Instruction  string
	PatchBlock   string
	Plan         []proposal.PlanStep
}

// RunResult is the pipeline outcome for a successful run.
type RunResult struct {
	PRURL      string
	BranchName string
}

// Runner executes an approved experiment's patch against the repository.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// Config configures the state machine.
type Config struct {
	// RunTimeout bounds one pipeline run end to end.
	RunTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{RunTimeout: 5 * time.Minute}
}

// StateMachine owns all proposal status transitions. Approval is the only
// path that creates an experiment, and the conditional status flip in the
// store guarantees a concurrent double-approve creates exactly one.
type StateMachine struct {
	config   *Config
	store    Store
	runner   Runner
	recorder Recorder
	logger   *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	approvedCounter metric.Int64Counter
	outcomeCounter  metric.Int64Counter

	// OnFinish, when set, is called after an experiment reaches a terminal
	// status. Used by the orchestrator for chat notifications.
	OnFinish func(exp *Experiment)

	wg sync.WaitGroup
}

// NewStateMachine creates a state machine. The runner may be nil, in which
// case approvals fail the experiment immediately.
func NewStateMachine(cfg *Config, st Store, runner Runner, recorder Recorder, logger *zap.Logger) (*StateMachine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &StateMachine{
		config:   cfg,
		store:    st,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	sm.approvedCounter, err = sm.meter.Int64Counter(
		"northstar.proposals.approved_total",
		metric.WithDescription("Proposals approved"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		logger.Warn("failed to create approved counter", zap.Error(err))
	}
	sm.outcomeCounter, err = sm.meter.Int64Counter(
		"northstar.experiments.finished_total",
		metric.WithDescription("Experiments finished, by status"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		logger.Warn("failed to create outcome counter", zap.Error(err))
	}
	return sm, nil
}

// Approve flips a pending proposal to approved, creates its experiment
// record, and launches the patch pipeline asynchronously. It returns once
// the experiment record exists; pipeline completion is recorded later.
func (sm *StateMachine) Approve(ctx context.Context, proposalID, patchOverride string) (*Experiment, error) {
	ctx, span := sm.tracer.Start(ctx, "experiment.approve",
		trace.WithAttributes(attribute.String("proposal.id", proposalID)))
	defer span.End()

	p, err := sm.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("loading proposal %s: %w", proposalID, err)
	}
	if p.Status != proposal.StatusPending {
		return nil, &InvalidStateError{ProposalID: proposalID, Status: p.Status}
	}

	patch := p.PatchBlock
	if patchOverride != "" {
		patch = patchOverride
	}
	if patch == "" {
		return nil, &proposal.ValidationError{
			ProposalID: proposalID,
			Field:      "patch_block",
			Reason:     "proposal has no patch to apply",
		}
	}

	exp := &Experiment{
		ID:          uuid.NewString(),
		ProposalID:  proposalID,
		Instruction: p.IdeaSummary,
		Status:      StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}

	// One transaction covers the conditional flip, the optional patch
	// override, and the experiment insert. A concurrent approval that
	// already won gets flipped=false and has mutated nothing; an insert
	// failure rolls the proposal back to pending for a retry.
	flipped, err := sm.store.ApproveProposal(ctx, proposalID, patchOverride, exp)
	if err != nil {
		return nil, fmt.Errorf("approving proposal %s: %w", proposalID, err)
	}
	if !flipped {
		return nil, &InvalidStateError{ProposalID: proposalID, Status: proposal.StatusApproved}
	}

	if sm.approvedCounter != nil {
		sm.approvedCounter.Add(ctx, 1)
	}
	sm.record(ctx, fmt.Sprintf("Proposal %s approved; experiment %s started", proposalID, exp.ID))
	sm.logger.Info("proposal approved",
		zap.String("proposal.id", proposalID),
		zap.String("experiment.id", exp.ID))

	sm.wg.Add(1)
	go sm.run(exp, RunRequest{
		ProposalID:   proposalID,
		ExperimentID: exp.ID,
		Instruction:  exp.Instruction,
		PatchBlock:   patch,
		Plan:         p.TechnicalPlan,
	})

	return exp, nil
}

// run executes the pipeline on a detached context so an HTTP request
// cancellation cannot abandon a half-applied experiment.
func (sm *StateMachine) run(exp *Experiment, req RunRequest) {
	defer sm.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), sm.config.RunTimeout)
	defer cancel()
	ctx, span := sm.tracer.Start(ctx, "experiment.run",
		trace.WithAttributes(attribute.String("experiment.id", exp.ID)))
	defer span.End()

	var res *RunResult
	var err error
	if sm.runner == nil {
		err = errors.New("no pipeline runner configured")
	} else {
		res, err = sm.runner.Run(ctx, req)
	}

	if err != nil {
		sm.finish(ctx, exp, StatusFailed, "", "", err.Error())
		return
	}
	sm.finish(ctx, exp, StatusCompleted, res.PRURL, res.BranchName, "")
}

func (sm *StateMachine) finish(ctx context.Context, exp *Experiment, status Status, prURL, branch, reason string) {
	if err := sm.store.FinishExperiment(ctx, exp.ID, status, prURL, branch, reason); err != nil {
		sm.logger.Error("failed to record experiment outcome",
			zap.String("experiment.id", exp.ID), zap.Error(err))
	}

	exp.Status = status
	exp.PRURL = prURL
	exp.BranchName = branch
	exp.FailureReason = reason
	now := time.Now().UTC()
	exp.CompletedAt = &now

	switch status {
	case StatusCompleted:
		note := fmt.Sprintf("Experiment completed, PR: %s", prURL)
		if err := sm.store.CompleteProposal(ctx, exp.ProposalID, note); err != nil {
			sm.logger.Error("failed to complete proposal",
				zap.String("proposal.id", exp.ProposalID), zap.Error(err))
		}
		sm.record(ctx, fmt.Sprintf("Experiment %s completed: %s", exp.ID, prURL))
		sm.logger.Info("experiment completed",
			zap.String("experiment.id", exp.ID),
			zap.String("pr.url", prURL))
	case StatusFailed:
		sm.record(ctx, fmt.Sprintf("Experiment %s failed: %s", exp.ID, reason))
		sm.logger.Warn("experiment failed",
			zap.String("experiment.id", exp.ID),
			zap.String("failure.reason", reason))
	}

	if sm.outcomeCounter != nil {
		sm.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
	if sm.OnFinish != nil {
		sm.OnFinish(exp)
	}
}

// Reject flips a pending proposal to rejected. No experiment is ever
// created for a rejected proposal.
func (sm *StateMachine) Reject(ctx context.Context, proposalID string) error {
	ctx, span := sm.tracer.Start(ctx, "experiment.reject",
		trace.WithAttributes(attribute.String("proposal.id", proposalID)))
	defer span.End()

	p, err := sm.store.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("loading proposal %s: %w", proposalID, err)
	}
	if p.Status != proposal.StatusPending {
		return &InvalidStateError{ProposalID: proposalID, Status: p.Status}
	}

	flipped, err := sm.store.TransitionProposal(ctx, proposalID, proposal.StatusPending, proposal.StatusRejected)
	if err != nil {
		return fmt.Errorf("rejecting proposal %s: %w", proposalID, err)
	}
	if !flipped {
		return &InvalidStateError{ProposalID: proposalID, Status: proposal.StatusRejected}
	}

	sm.record(ctx, fmt.Sprintf("Proposal %s rejected", proposalID))
	sm.logger.Info("proposal rejected", zap.String("proposal.id", proposalID))
	return nil
}

// Wait blocks until all launched pipeline runs have concluded.
func (sm *StateMachine) Wait() {
	sm.wg.Wait()
}

func (sm *StateMachine) record(ctx context.Context, message string) {
	if sm.recorder == nil {
		return
	}
	sm.recorder.Record(ctx, message)
}
