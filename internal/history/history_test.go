package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"

	"connwatch/internal/models"
	"connwatch/internal/monitor"
	"connwatch/internal/probe"
	"connwatch/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBuildTimelineNoData(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	points := BuildTimeline(nil, start, start.Add(time.Hour), 4)
	if len(points) != 4 {
		t.Fatalf("points = %d, want 4", len(points))
	}
	for _, p := range points {
		if p.ClassName != "state-missing" || p.Online != 0 {
			t.Errorf("point %v: class %s online %v", p.Start, p.ClassName, p.Online)
		}
	}
	if !points[3].End.Equal(start.Add(time.Hour)) {
		t.Errorf("last bucket ends at %v", points[3].End)
	}
}

func TestBuildTimelineClasses(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	entries := []models.Transition{
		// Known online from before the window.
		{ID: "a", Connected: true, At: start.Add(-time.Hour)},
		// Bucket 1 is half offline.
		{ID: "b", Connected: false, At: start.Add(90 * time.Minute)},
		// Bucket 3 flips back online at its start.
		{ID: "c", Connected: true, At: start.Add(3 * time.Hour)},
	}

	points := BuildTimeline(entries, start, end, 4)
	want := []struct {
		class  string
		online float64
		detail int
	}{
		{"state-success", 1, 0},
		{"state-warning", 0.5, 1},
		{"state-error", 0, 0},
		{"state-success", 1, 1},
	}
	for i, w := range want {
		p := points[i]
		if p.ClassName != w.class || p.Online != w.online || len(p.Details) != w.detail {
			t.Errorf("bucket %d = {%s %v %d details}, want {%s %v %d}",
				i, p.ClassName, p.Online, len(p.Details), w.class, w.online, w.detail)
		}
	}
	if points[1].Details[0].State != "offline" {
		t.Errorf("bucket 1 detail = %+v", points[1].Details[0])
	}
}

func TestBuildTimelineUnknownPrefix(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entries := []models.Transition{{Connected: false, At: start.Add(30 * time.Minute)}}
	points := BuildTimeline(entries, start, start.Add(2*time.Hour), 2)
	if points[0].ClassName != "state-error" {
		t.Errorf("partially known offline bucket = %s, want state-error", points[0].ClassName)
	}
	if points[1].ClassName != "state-error" {
		t.Errorf("second bucket = %s", points[1].ClassName)
	}
}

type sequenceEvaluator struct {
	mu     sync.Mutex
	values []bool
}

func (s *sequenceEvaluator) IsReachable(context.Context, []probe.Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v
}

type memStore struct {
	mu      sync.Mutex
	entries []models.Transition
	fail    bool
}

func (s *memStore) Append(_ context.Context, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, t)
	return nil
}

func (s *memStore) History(_ context.Context, since time.Time, limit int) ([]models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Filter(s.entries, since, limit), nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderPersistsChanges(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	eval := &sequenceEvaluator{values: []bool{true, true, false}}
	mon := monitor.New(eval, monitor.Config{
		Targets:       []probe.Target{probe.MustParseTarget("127.0.0.1", "", 53, 0)},
		CheckInterval: 10 * time.Millisecond,
	}, monitor.WithLogger(log))
	defer mon.Close()

	store := &memStore{}
	rec := NewRecorder(mon, store, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	waitFor(t, func() bool { return store.len() >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mon.HasListeners() {
		t.Error("recorder left its subscription attached")
	}

	history, _ := store.History(context.Background(), time.Time{}, 0)
	if !history[0].Connected || history[1].Connected {
		t.Errorf("recorded %+v, want online then offline", history)
	}
	if history[0].ID == "" || history[0].ID == history[1].ID {
		t.Errorf("transition IDs not unique: %q %q", history[0].ID, history[1].ID)
	}
}

func TestRecorderSkipsStatusAlreadyStored(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	eval := &sequenceEvaluator{values: []bool{true, true, false}}
	mon := monitor.New(eval, monitor.Config{
		Targets:       []probe.Target{probe.MustParseTarget("127.0.0.1", "", 53, 0)},
		CheckInterval: 10 * time.Millisecond,
	}, monitor.WithLogger(log))
	defer mon.Close()

	seed := storage.NewTransition(true, time.Now().Add(-time.Hour))
	store := &memStore{entries: []models.Transition{seed}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRecorder(mon, store, log).Run(ctx) }()

	waitFor(t, func() bool { return store.len() >= 2 })
	// Let a few more checks run; the status stays offline.
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	history, _ := store.History(context.Background(), time.Time{}, 0)
	if len(history) != 2 {
		t.Fatalf("recorded %d transitions, want 2: %+v", len(history), history)
	}
	if history[0].ID != seed.ID || history[1].Connected {
		t.Errorf("recorded %+v, want stored online then offline", history)
	}
}

func TestRecorderStopsWhenMonitorCloses(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	mon := monitor.New(&sequenceEvaluator{values: []bool{false}}, monitor.Config{
		Targets:       []probe.Target{probe.MustParseTarget("127.0.0.1", "", 53, 0)},
		CheckInterval: time.Hour,
	}, monitor.WithLogger(log))

	store := &memStore{fail: true}
	done := make(chan error, 1)
	go func() { done <- NewRecorder(mon, store, log).Run(context.Background()) }()

	waitFor(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "failed to persist transition" {
				return true
			}
		}
		return false
	})
	mon.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop after monitor close")
	}
}
