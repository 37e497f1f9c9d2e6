package probe

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"connwatch/internal/metrics"
)

// Prober executes a single reachability check. Implementations must never
// fail outward: every error is folded into Result.Success == false.
type Prober interface {
	Probe(ctx context.Context, target Target) Result
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TCPProber opens a TCP connection to the target and closes it right away.
type TCPProber struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics // nil-safe
	dial    func(timeout time.Duration) DialFunc
}

// Compile-time interface guard.
var _ Prober = (*TCPProber)(nil)

// NewTCPProber creates a prober backed by net.Dialer. Metrics may be nil.
func NewTCPProber(log logrus.FieldLogger, m *metrics.Metrics) *TCPProber {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TCPProber{
		log:     log,
		metrics: m,
		dial: func(timeout time.Duration) DialFunc {
			return (&net.Dialer{Timeout: timeout}).DialContext
		},
	}
}

// WithDialer replaces the dialer, mainly for tests.
func (p *TCPProber) WithDialer(dial DialFunc) *TCPProber {
	p.dial = func(time.Duration) DialFunc { return dial }
	return p
}

// Probe dials target bounded by target.Timeout.
func (p *TCPProber) Probe(ctx context.Context, target Target) Result {
	res := Result{Target: target}
	if target.Host == nil {
		return res
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	conn, err := p.dial(timeout)(dialCtx, "tcp", target.Address())
	res.Latency = time.Since(started)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"target":   target.Address(),
			"provider": target.Provider,
			"latency":  res.Latency,
		}).WithError(err).Debug("probe failed")
		p.metrics.ObserveProbe(false, res.Latency.Seconds())
		return res
	}
	_ = conn.Close()

	res.Success = true
	p.metrics.ObserveProbe(true, res.Latency.Seconds())
	return res
}
