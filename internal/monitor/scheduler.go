package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"connwatch/internal/broadcast"
	"connwatch/internal/probe"
)

// Subscription delivers connectivity changes on C until Close is called or
// the monitor is closed. The first value after the scheduler becomes active
// is always delivered; after that only values that differ from the
// previous one are.
type Subscription struct {
	C <-chan bool

	m    *Monitor
	sub  *broadcast.Subscriber[bool]
	once sync.Once
}

// Subscribe attaches a listener. The first subscriber starts background
// polling with an immediate check.
func (m *Monitor) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		ch := make(chan bool)
		close(ch)
		return &Subscription{C: ch}
	}

	sub := m.subs.Add()
	m.metrics.SetSubscribers(m.subs.Len())
	m.log.WithField("listeners", m.subs.Len()).Debug("subscriber attached")
	return &Subscription{C: sub.C, m: m, sub: sub}
}

// Close detaches the subscription and closes C. Detaching the last
// subscriber stops background polling.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.m == nil {
			return
		}
		s.m.unsubscribe(s.sub)
		s.sub.Wait()
	})
}

func (m *Monitor) unsubscribe(sub *broadcast.Subscriber[bool]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.subs.Remove(sub) {
		return
	}
	m.metrics.SetSubscribers(m.subs.Len())
	m.log.WithField("listeners", m.subs.Len()).Debug("subscriber detached")
}

// activateLocked runs on the Idle -> Active transition.
func (m *Monitor) activateLocked() {
	m.gen++
	m.known = false
	m.recheck = false
	m.checking = false
	m.log.WithField("interval", m.interval).Info("connectivity polling started")
	m.startCheckLocked()
}

// deactivateLocked runs on the Active -> Idle transition. A check still in
// flight is allowed to finish but sees the new generation and neither
// emits nor re-arms.
func (m *Monitor) deactivateLocked() {
	m.gen++
	m.stopTimerLocked()
	m.known = false
	m.recheck = false
	m.checking = false
	m.metrics.SetConnectedUnknown()
	m.log.Info("connectivity polling stopped")
}

// startCheckLocked starts a check now, or queues one behind the check
// already in flight so that checks never overlap.
func (m *Monitor) startCheckLocked() {
	if m.checking {
		m.recheck = true
		return
	}
	m.stopTimerLocked()
	m.checking = true

	gen := m.gen
	targets := cloneTargets(m.targets)
	m.checks.Add(1)
	go m.check(gen, targets)
}

func (m *Monitor) check(gen uint64, targets []probe.Target) {
	defer m.checks.Done()

	m.metrics.ObserveCheck()
	status := m.eval.IsReachable(m.ctx, targets)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}
	m.checking = false

	if !m.known || m.lastKnown != status {
		m.known = true
		m.lastKnown = status
		m.metrics.ObserveTransition(status)
		m.subs.Publish(status)
		m.log.WithFields(logrus.Fields{
			"status":    statusLabel(status),
			"listeners": m.subs.Len(),
		}).Info("connectivity changed")
	}

	if m.subs.Len() == 0 {
		return
	}
	if m.recheck {
		m.recheck = false
		m.startCheckLocked()
		return
	}
	m.armLocked(gen)
}

// armLocked schedules the next check one interval after the previous one
// completed. The old handle is always stopped first.
func (m *Monitor) armLocked(gen uint64) {
	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.interval, func() {
		m.onTimer(gen, seq)
	})
}

func (m *Monitor) onTimer(gen, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The last subscriber may have detached, or the handle been replaced,
	// after the timer fired.
	if m.closed || gen != m.gen || m.timerSeq != seq || m.timer == nil || m.subs.Len() == 0 {
		return
	}
	m.timer = nil
	m.startCheckLocked()
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func statusLabel(connected bool) string {
	if connected {
		return "online"
	}
	return "offline"
}
