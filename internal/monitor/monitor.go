package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"connwatch/internal/broadcast"
	"connwatch/internal/metrics"
	"connwatch/internal/probe"
)

const (
	// DefaultCheckInterval spaces automatic checks while subscribed.
	DefaultCheckInterval = 10 * time.Second
	// DefaultCheckTimeout applies to targets without their own timeout.
	DefaultCheckTimeout = probe.DefaultTimeout
)

// Evaluator decides whether any of the targets is reachable.
type Evaluator interface {
	IsReachable(ctx context.Context, targets []probe.Target) bool
}

// Config configures a Monitor.
type Config struct {
	Targets       []probe.Target
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used by the monitor.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// Monitor answers one-shot connectivity queries and, while at least one
// subscriber is attached, polls in the background and broadcasts every
// change of the connectivity status.
type Monitor struct {
	eval     Evaluator
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics // nil-safe

	ctx    context.Context
	cancel context.CancelFunc
	checks sync.WaitGroup

	mu      sync.Mutex
	targets []probe.Target
	subs    broadcast.Registry[bool]
	closed  bool

	// Scheduler state, guarded by mu. gen changes on every Idle/Active
	// transition so a check or timer from an earlier activation can tell
	// that it is stale.
	gen       uint64
	timer     *time.Timer
	timerSeq  uint64
	checking  bool
	recheck   bool
	known     bool
	lastKnown bool
}

// New creates a Monitor over cfg.Targets. It stays idle until Subscribe is
// called.
func New(eval Evaluator, cfg Config, opts ...Option) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		eval:     eval,
		interval: interval,
		timeout:  timeout,
		log:      logrus.StandardLogger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.targets = m.withTimeouts(cfg.Targets)
	m.subs.OnFirst = m.activateLocked
	m.subs.OnLast = m.deactivateLocked
	return m
}

// IsConnected runs a single evaluation over the current targets. It keeps
// no state and does not affect the change stream.
func (m *Monitor) IsConnected(ctx context.Context) bool {
	return m.eval.IsReachable(ctx, m.Addresses())
}

// ConnectionStatus is an alias of IsConnected.
func (m *Monitor) ConnectionStatus(ctx context.Context) bool {
	return m.IsConnected(ctx)
}

// Addresses returns a copy of the current targets.
func (m *Monitor) Addresses() []probe.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTargets(m.targets)
}

// SetAddresses replaces the targets. With subscribers attached this
// triggers an immediate re-check, queued behind a check already in flight.
func (m *Monitor) SetAddresses(targets []probe.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.targets = m.withTimeouts(targets)
	m.log.WithField("targets", len(m.targets)).Info("connectivity targets replaced")
	if m.closed || m.subs.Len() == 0 {
		return
	}
	m.startCheckLocked()
}

// Interval returns the spacing between background checks.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// CheckTimeout returns the timeout applied to targets without their own.
func (m *Monitor) CheckTimeout() time.Duration {
	return m.timeout
}

// HasListeners reports whether any subscriber is attached.
func (m *Monitor) HasListeners() bool {
	return m.Listeners() > 0
}

// Listeners returns the number of attached subscribers.
func (m *Monitor) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.Len()
}

// IsActivelyChecking reports whether the background scheduler has a check
// in flight or a pending timer.
func (m *Monitor) IsActivelyChecking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.Len() > 0 && (m.checking || m.timer != nil)
}

// LastStatus returns the last emitted status. ok is false while the status
// is unknown: before the first check of an activation and after the last
// subscriber detached.
func (m *Monitor) LastStatus() (connected, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastKnown, m.known
}

// Close stops the scheduler, aborts any check in flight and closes every
// subscription. It is safe to call more than once.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	m.known = false
	removed := m.subs.RemoveAll()
	m.metrics.SetSubscribers(0)
	m.metrics.SetConnectedUnknown()
	m.mu.Unlock()

	m.cancel()
	for _, sub := range removed {
		sub.Wait()
	}
	m.checks.Wait()
}

func (m *Monitor) withTimeouts(targets []probe.Target) []probe.Target {
	out := cloneTargets(targets)
	for i := range out {
		if out[i].Timeout <= 0 {
			out[i].Timeout = m.timeout
		}
	}
	return out
}

func cloneTargets(targets []probe.Target) []probe.Target {
	if targets == nil {
		return nil
	}
	out := make([]probe.Target, len(targets))
	copy(out, targets)
	return out
}
