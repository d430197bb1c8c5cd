// Package activity narrates orchestration steps into an append-only log.
// Recording is strictly best-effort: a failed append is logged and dropped,
// never propagated to the operation being narrated.
package activity

import (
	"context"

	"go.uber.org/zap"
)

// Sink persists activity entries.
type Sink interface {
	AppendActivity(ctx context.Context, message string) error
}

// Recorder appends narration entries to a sink.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder creates a recorder. A nil sink yields a recorder that only
// logs, useful in tests.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record appends one narration entry.
func (r *Recorder) Record(ctx context.Context, message string) {
	r.logger.Info("activity", zap.String("activity.message", message))
	if r.sink == nil {
		return
	}
	if err := r.sink.AppendActivity(ctx, message); err != nil {
		r.logger.Warn("failed to persist activity entry",
			zap.String("activity.message", message), zap.Error(err))
	}
}
