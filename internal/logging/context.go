package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if channel := ChannelFromContext(ctx); channel != "" {
		fields = append(fields, zap.String("chat.channel", channel))
	}
	if proposalID := ProposalIDFromContext(ctx); proposalID != "" {
		fields = append(fields, zap.String("proposal.id", proposalID))
	}

	return fields
}

type requestCtxKey struct{}
type channelCtxKey struct{}
type proposalCtxKey struct{}
type loggerCtxKey struct{}

// WithRequestID adds a request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithChannel adds the originating chat channel to context.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelCtxKey{}, channel)
}

// ChannelFromContext extracts the chat channel from context.
func ChannelFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(channelCtxKey{}).(string); ok {
		return c
	}
	return ""
}

// WithProposalID adds a proposal ID to context.
func WithProposalID(ctx context.Context, proposalID string) context.Context {
	return context.WithValue(ctx, proposalCtxKey{}, proposalID)
}

// ProposalIDFromContext extracts the proposal ID from context.
func ProposalIDFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(proposalCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
