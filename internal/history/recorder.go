package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"connwatch/internal/monitor"
	"connwatch/internal/storage"
)

// Recorder persists every emitted connectivity change. While it runs it
// holds a subscription, so the monitor keeps polling. A status equal to
// the last stored one, such as the first reading after a restart, is not
// recorded again.
type Recorder struct {
	mon   *monitor.Monitor
	store storage.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewRecorder creates a recorder writing the changes of mon into store.
func NewRecorder(mon *monitor.Monitor, store storage.Store, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		mon:   mon,
		store: store,
		log:   log.WithField("component", "recorder"),
		now:   time.Now,
	}
}

// Run records changes until ctx is done or the monitor is closed.
func (r *Recorder) Run(ctx context.Context) error {
	last, known := r.lastStored(ctx)

	sub := r.mon.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case connected, ok := <-sub.C:
			if !ok {
				return nil
			}
			if known && connected == last {
				r.log.WithField("connected", connected).Debug("status matches last stored transition")
				continue
			}
			transition := storage.NewTransition(connected, r.now())
			if err := r.store.Append(ctx, transition); err != nil {
				r.log.WithError(err).Warn("failed to persist transition")
				continue
			}
			last, known = connected, true
			r.log.WithFields(logrus.Fields{
				"id":    transition.ID,
				"state": transition.State(),
			}).Debug("transition recorded")
		}
	}
}

func (r *Recorder) lastStored(ctx context.Context) (connected, ok bool) {
	entries, err := r.store.History(ctx, time.Time{}, 1)
	if err != nil {
		r.log.WithError(err).Warn("failed to load last transition")
		return false, false
	}
	if len(entries) == 0 {
		return false, false
	}
	return entries[len(entries)-1].Connected, true
}
