// Package reachability decides whether any of a set of probe targets is
// reachable by racing them against each other.
package reachability

import (
	"context"

	"github.com/sirupsen/logrus"

	"connwatch/internal/metrics"
	"connwatch/internal/probe"
)

// Evaluator fans targets out to a Prober and resolves on the first success.
type Evaluator struct {
	prober  probe.Prober
	log     logrus.FieldLogger
	metrics *metrics.Metrics // nil-safe
}

// NewEvaluator creates an Evaluator. Metrics may be nil.
func NewEvaluator(p probe.Prober, log logrus.FieldLogger, m *metrics.Metrics) *Evaluator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Evaluator{prober: p, log: log, metrics: m}
}

// IsReachable probes every target concurrently. It returns true as soon as
// one probe succeeds and false once all of them have failed. Probes still in
// flight after the decision are left to finish against their own timeout;
// their results are dropped. Cancelling ctx resolves false.
func (e *Evaluator) IsReachable(ctx context.Context, targets []probe.Target) bool {
	if len(targets) == 0 {
		e.metrics.ObserveEvaluation(false)
		return false
	}

	// Buffered to len(targets) so losers never block after we return.
	resultCh := make(chan probe.Result, len(targets))
	for _, target := range targets {
		go func(t probe.Target) {
			resultCh <- e.prober.Probe(ctx, t)
		}(target)
	}

	remaining := len(targets)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			e.metrics.ObserveEvaluation(false)
			return false
		case r := <-resultCh:
			remaining--
			if r.Success {
				e.log.WithFields(logrus.Fields{
					"target":   r.Target.Address(),
					"provider": r.Target.Provider,
					"latency":  r.Latency,
					"pending":  remaining,
				}).Debug("reachability decided: online")
				e.metrics.ObserveEvaluation(true)
				return true
			}
		}
	}

	e.log.WithField("targets", len(targets)).Debug("reachability decided: every probe failed")
	e.metrics.ObserveEvaluation(false)
	return false
}
