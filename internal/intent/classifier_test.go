package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, f.err
}

func TestClassifyKeywordPass(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Category
	}{
		{"metric question", "what was our DAU last week?", AnalyticsQuery},
		{"conversion", "did conversion improve after the launch?", AnalyticsQuery},
		{"repo structure", "analyze the structure of the backend", RepoAnalysis},
		{"explicit edit", "update the welcome banner copy", CodeChange},
		{"refactor", "refactor the session middleware", CodeChange},
		{"experiment ask", "propose an experiment for onboarding", ExperimentProposal},
	}

	c := NewClassifier(nil, nil, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(context.Background(), tt.text)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, Capabilities(tt.want), got.Capabilities)
		})
	}
}

func TestClassifyPriorityMetricBeatsCodeWords(t *testing.T) {
	// A metric question that also mentions code-ish words stays analytics.
	c := NewClassifier(nil, nil, zap.NewNop())
	got := c.Classify(context.Background(), "fix the retention dashboard? no, just tell me the retention number")
	assert.Equal(t, AnalyticsQuery, got.Category)
}

func TestClassifyModelFallback(t *testing.T) {
	fc := &fakeCompleter{reply: "experiment_proposal"}
	c := NewClassifier(nil, fc, zap.NewNop())

	got := c.Classify(context.Background(), "got anything interesting for me?")
	assert.Equal(t, ExperimentProposal, got.Category)
	assert.Equal(t, 1, fc.calls)
}

func TestClassifyModelReplyNormalized(t *testing.T) {
	fc := &fakeCompleter{reply: "  Repo_Analysis\n"}
	c := NewClassifier(nil, fc, zap.NewNop())

	got := c.Classify(context.Background(), "hmm, tell me about it")
	assert.Equal(t, RepoAnalysis, got.Category)
}

func TestClassifyDegradesOnModelError(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("upstream 503")}
	c := NewClassifier(nil, fc, zap.NewNop())

	got := c.Classify(context.Background(), "hey there")
	assert.Equal(t, CasualChat, got.Category)
	assert.True(t, got.Capabilities.Has(capability.TagChat))
}

func TestClassifyDegradesOnGarbageReply(t *testing.T) {
	fc := &fakeCompleter{reply: "I think this is probably a casual chat message."}
	c := NewClassifier(nil, fc, zap.NewNop())

	got := c.Classify(context.Background(), "hey there")
	assert.Equal(t, CasualChat, got.Category)
}

func TestClassifyNilCompleterDegrades(t *testing.T) {
	c := NewClassifier(nil, nil, zap.NewNop())
	got := c.Classify(context.Background(), "hello!")
	assert.Equal(t, CasualChat, got.Category)
}

func TestClassifyHonorsTimeout(t *testing.T) {
	fc := &fakeCompleter{reply: "code_change"}
	c := NewClassifier(&Config{Timeout: time.Nanosecond}, fc, zap.NewNop())

	// The deadline is already expired by the time the fake checks ctx.Err,
	// so the call degrades instead of blocking past the budget.
	start := time.Now()
	got := c.Classify(context.Background(), "please do the thing")
	require.Less(t, time.Since(start), time.Second)
	assert.Equal(t, CasualChat, got.Category)
}

func TestCapabilityTable(t *testing.T) {
	assert.Equal(t, capability.NewSet(capability.TagChat), Capabilities(CasualChat))
	assert.Equal(t, capability.NewSet(capability.TagChat, capability.TagCodeHost), Capabilities(RepoAnalysis))
	assert.Equal(t, capability.NewSet(capability.TagChat, capability.TagAnalytics), Capabilities(AnalyticsQuery))
	assert.Equal(t, capability.NewSet(capability.TagChat, capability.TagCodeHost, capability.TagPatchApply), Capabilities(CodeChange))
	assert.Equal(t,
		capability.NewSet(capability.TagChat, capability.TagAnalytics, capability.TagCodeHost, capability.TagPatchApply),
		Capabilities(ExperimentProposal))
	assert.Equal(t, Capabilities(CasualChat), Capabilities(Category("bogus")))
}
