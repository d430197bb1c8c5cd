package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/northstar/internal/capability"

// DialFunc opens a fresh session for one capability.
type DialFunc func(ctx context.Context) (Client, error)

// ManagerConfig configures session lifecycle.
type ManagerConfig struct {
	// TTL is how long a warm session may be reused before being re-dialed.
	TTL time.Duration

	// DialTimeout bounds a single capability session open.
	DialTimeout time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		TTL:         5 * time.Minute,
		DialTimeout: 5 * time.Second,
	}
}

// session is a live capability client with lease accounting.
type session struct {
	client   Client
	openedAt time.Time
	leases   int
}

// Manager opens capability sessions on demand and keeps them warm.
//
// Only capabilities listed in an Acquire call are ever dialed; a warm,
// non-expired session is reused instead of re-dialing. Expired sessions are
// discarded and re-opened transparently.
type Manager struct {
	config  *ManagerConfig
	dialers map[Tag]DialFunc
	logger  *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	openCounter  metric.Int64Counter
	reuseCounter metric.Int64Counter

	mu   sync.Mutex
	warm map[Tag]*session
	now  func() time.Time
}

// NewManager creates a session manager over the given dialers.
func NewManager(cfg *ManagerConfig, dialers map[Tag]DialFunc, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	if len(dialers) == 0 {
		return nil, errors.New("at least one capability dialer is required")
	}
	for tag, dial := range dialers {
		if dial == nil {
			return nil, fmt.Errorf("nil dialer for capability %s", tag)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:  cfg,
		dialers: dialers,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		warm:    make(map[Tag]*session),
		now:     time.Now,
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.openCounter, err = m.meter.Int64Counter(
		"northstar.capability.sessions_opened_total",
		metric.WithDescription("Capability sessions dialed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create open counter", zap.Error(err))
	}

	m.reuseCounter, err = m.meter.Int64Counter(
		"northstar.capability.sessions_reused_total",
		metric.WithDescription("Warm capability sessions reused"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create reuse counter", zap.Error(err))
	}
}

// Acquire opens one session per tag in required, reusing warm sessions.
//
// On partial failure the returned bundle holds every session opened so far
// and the error is an *AcquisitionError naming the capability that failed,
// so callers can still produce a degraded (typically chat-only) response.
// The bundle must be released on every exit path.
func (m *Manager) Acquire(ctx context.Context, required Set) (*Bundle, error) {
	ctx, span := m.tracer.Start(ctx, "capability.acquire",
		trace.WithAttributes(attribute.Int("capability.count", len(required))))
	defer span.End()

	bundle := &Bundle{
		manager:  m,
		sessions: make(map[Tag]*session, len(required)),
	}

	for _, tag := range acquireOrder(required) {
		s, reused, err := m.leaseOrDial(ctx, tag)
		if err != nil {
			span.RecordError(err)
			return bundle, &AcquisitionError{Capability: tag, Err: err}
		}
		bundle.sessions[tag] = s
		if reused {
			if m.reuseCounter != nil {
				m.reuseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", string(tag))))
			}
		} else if m.openCounter != nil {
			m.openCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", string(tag))))
		}
	}

	return bundle, nil
}

// Release returns every session in the bundle to the warm pool, closing
// sessions that expired while leased. Safe to call more than once.
func (m *Manager) Release(b *Bundle) {
	if b == nil {
		return
	}
	b.releaseOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for tag, s := range b.sessions {
			s.leases--
			if s.leases > 0 {
				continue
			}
			// Drop sessions that expired or were superseded while leased.
			if m.expired(s) || m.warm[tag] != s {
				if err := s.client.Close(); err != nil {
					m.logger.Warn("closing capability session",
						zap.String("capability", string(tag)), zap.Error(err))
				}
				if m.warm[tag] == s {
					delete(m.warm, tag)
				}
			}
		}
	})
}

// Close discards all warm sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for tag, s := range m.warm {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.warm, tag)
	}
	return firstErr
}

// leaseOrDial returns a warm session for tag or dials a fresh one.
func (m *Manager) leaseOrDial(ctx context.Context, tag Tag) (*session, bool, error) {
	m.mu.Lock()
	if s, ok := m.warm[tag]; ok {
		if !m.expired(s) {
			s.leases++
			m.mu.Unlock()
			return s, true, nil
		}
		// Expired: evict now; close immediately only if nobody holds it.
		delete(m.warm, tag)
		if s.leases == 0 {
			if err := s.client.Close(); err != nil {
				m.logger.Warn("closing expired capability session",
					zap.String("capability", string(tag)), zap.Error(err))
			}
		}
	}
	dial, ok := m.dialers[tag]
	m.mu.Unlock()

	if !ok {
		return nil, false, fmt.Errorf("no dialer registered for capability %s", tag)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	client, err := dial(dialCtx)
	if err != nil {
		return nil, false, err
	}

	s := &session{client: client, openedAt: m.now(), leases: 1}
	m.mu.Lock()
	m.warm[tag] = s
	m.mu.Unlock()

	m.logger.Debug("opened capability session", zap.String("capability", string(tag)))
	return s, false, nil
}

func (m *Manager) expired(s *session) bool {
	return m.now().Sub(s.openedAt) >= m.config.TTL
}

// acquireOrder returns tags with chat first so a degraded chat-only reply
// stays possible when a later capability fails to open.
func acquireOrder(required Set) []Tag {
	tags := required.Tags()
	for i, t := range tags {
		if t == TagChat && i != 0 {
			copy(tags[1:i+1], tags[:i])
			tags[0] = TagChat
			break
		}
	}
	return tags
}

// Bundle holds the capability sessions acquired for a single request.
// It is a value passed through the call chain, never a process-wide
// singleton.
type Bundle struct {
	manager     *Manager
	sessions    map[Tag]*session
	releaseOnce sync.Once
}

// Has reports whether the bundle holds a session for tag.
func (b *Bundle) Has(tag Tag) bool {
	_, ok := b.sessions[tag]
	return ok
}

// Tags returns the capabilities held, in deterministic order.
func (b *Bundle) Tags() []Tag {
	s := make(Set, len(b.sessions))
	for t := range b.sessions {
		s[t] = struct{}{}
	}
	return s.Tags()
}

// Chat returns the chat transport session, if held.
func (b *Bundle) Chat() (ChatTransport, bool) {
	s, ok := b.sessions[TagChat]
	if !ok {
		return nil, false
	}
	t, ok := s.client.(ChatTransport)
	return t, ok
}

// CodeHost returns the code host session, if held.
func (b *Bundle) CodeHost() (CodeHost, bool) {
	s, ok := b.sessions[TagCodeHost]
	if !ok {
		return nil, false
	}
	h, ok := s.client.(CodeHost)
	return h, ok
}

// Analytics returns the analytics session, if held.
func (b *Bundle) Analytics() (AnalyticsSource, bool) {
	s, ok := b.sessions[TagAnalytics]
	if !ok {
		return nil, false
	}
	a, ok := s.client.(AnalyticsSource)
	return a, ok
}

// PatchApplier returns the patch apply session, if held.
func (b *Bundle) PatchApplier() (PatchApplier, bool) {
	s, ok := b.sessions[TagPatchApply]
	if !ok {
		return nil, false
	}
	p, ok := s.client.(PatchApplier)
	return p, ok
}
