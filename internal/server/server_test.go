package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/time/rate"

	"connwatch/internal/cluster"
	"connwatch/internal/config"
	"connwatch/internal/metrics"
	"connwatch/internal/models"
	"connwatch/internal/monitor"
	"connwatch/internal/probe"
	"connwatch/internal/storage"
)

type switchEvaluator struct {
	mu      sync.Mutex
	value   bool
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func (e *switchEvaluator) IsReachable(ctx context.Context, _ []probe.Target) bool {
	e.mu.Lock()
	e.calls++
	v, gate, started := e.value, e.gate, e.started
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	return v
}

func (e *switchEvaluator) set(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
}

func (e *switchEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	eval  *switchEvaluator
	mon   *monitor.Monitor
	store storage.Store
	srv   *httptest.Server
}

func newFixture(t *testing.T, eval *switchEvaluator, opts ...Option) *fixture {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	mon := monitor.New(eval, monitor.Config{
		Targets:       []probe.Target{probe.MustParseTarget("1.1.1.1", "", 53, 0).WithProvider("Cloudflare")},
		CheckInterval: 20 * time.Millisecond,
		CheckTimeout:  time.Second,
	}, monitor.WithLogger(log))

	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "transitions.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	m := metrics.New()
	cfg := config.DefaultConfig()
	svc := cluster.NewService(cluster.Node{ID: "n1", Name: "Node One"}, mon, store, cfg, log, m)

	opts = append([]Option{WithStore(store), WithMetrics(m)}, opts...)
	s := New("127.0.0.1:0", mon, svc, log, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		mon.Close()
		srv.Close()
		_ = store.Close()
	})
	return &fixture{eval: eval, mon: mon, store: store, srv: srv}
}

func (f *fixture) getJSON(t *testing.T, path string, dest any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
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

func TestConnectivityEndpoint(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})

	var resp connectivityResponse
	if code := f.getJSON(t, "/api/connectivity", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !resp.Connected || resp.Targets != 1 || resp.CheckedAt.IsZero() {
		t.Errorf("response = %+v", resp)
	}
	if f.mon.HasListeners() || f.mon.IsActivelyChecking() {
		t.Error("one-shot query must not start polling")
	}
}

func TestConnectivityRequestsCoalesced(t *testing.T) {
	eval := &switchEvaluator{value: true, gate: make(chan struct{}), started: make(chan struct{}, 8)}
	f := newFixture(t, eval)

	const callers = 5
	results := make(chan connectivityResponse, callers)
	get := func() {
		var resp connectivityResponse
		f.getJSON(t, "/api/connectivity", &resp)
		results <- resp
	}

	go get()
	select {
	case <-eval.started:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never started")
	}
	for i := 1; i < callers; i++ {
		go get()
	}
	time.Sleep(100 * time.Millisecond)
	close(eval.gate)

	shared := 0
	for i := 0; i < callers; i++ {
		resp := <-results
		if !resp.Connected {
			t.Errorf("caller %d got offline", i)
		}
		if resp.Shared {
			shared++
		}
	}
	if got := eval.callCount(); got != 1 {
		t.Errorf("evaluations = %d, want 1 shared by all callers", got)
	}
	if shared != callers {
		t.Errorf("shared responses = %d, want %d", shared, callers)
	}
}

func TestManualCheckRateLimited(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: false}, WithCheckRate(rate.Every(time.Hour), 1))

	first := f.do(t, http.MethodPost, "/api/connectivity/check", "")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first check = %d", first.StatusCode)
	}
	second := f.do(t, http.MethodPost, "/api/connectivity/check", "")
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second check = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := f.do(t, http.MethodGet, "/api/connectivity/check", ""); got.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET check = %d, want 405", got.StatusCode)
	}
}

func TestTargetsEndpoint(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})

	var specs []config.AddressSpec
	f.getJSON(t, "/api/targets", &specs)
	if len(specs) != 1 || specs[0].Address != "1.1.1.1" || specs[0].Provider != "Cloudflare" {
		t.Fatalf("targets = %+v", specs)
	}

	resp := f.do(t, http.MethodPut, "/api/targets",
		`[{"provider":"Quad9","address":"9.9.9.9"},{"hostname":"example.com","port":443,"timeout":"2s"}]`)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("PUT = %d: %s", resp.StatusCode, body)
	}
	got := f.mon.Addresses()
	if len(got) != 2 || got[0].Address() != "9.9.9.9:53" || got[1].Timeout != 2*time.Second {
		t.Errorf("monitor targets = %v", got)
	}
	if got[0].Timeout != time.Second {
		t.Errorf("first target timeout = %v, want the check timeout", got[0].Timeout)
	}

	tests := []struct {
		name string
		body string
	}{
		{"ambiguous", `[{"address":"9.9.9.9","hostname":"dns.quad9.net"}]`},
		{"missing host", `[{"port":53}]`},
		{"bad address", `[{"address":"not-an-ip"}]`},
		{"bad port", `[{"address":"9.9.9.9","port":70000}]`},
		{"unknown field", `[{"addr":"9.9.9.9"}]`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPut, "/api/targets", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if len(f.mon.Addresses()) != 2 {
		t.Error("rejected PUT must leave targets unchanged")
	}
}

func dialStream(t *testing.T, f *fixture, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/connectivity/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) streamEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event streamEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestConnectivityStream(t *testing.T) {
	eval := &switchEvaluator{value: true}
	f := newFixture(t, eval)

	conn, _, err := dialStream(t, f, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if ev := readEvent(t, conn); !ev.Connected || ev.At.IsZero() {
		t.Fatalf("first event = %+v", ev)
	}

	var listeners struct {
		Listeners int  `json:"listeners"`
		Active    bool `json:"active"`
	}
	f.getJSON(t, "/api/listeners", &listeners)
	if listeners.Listeners != 1 || !listeners.Active {
		t.Errorf("listeners = %+v", listeners)
	}

	eval.set(false)
	if ev := readEvent(t, conn); ev.Connected {
		t.Fatalf("second event = %+v, want offline", ev)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return !f.mon.HasListeners() })
}

func TestConnectivityStreamLateJoinerGetsCurrentStatus(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})

	first, _, err := dialStream(t, f, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	readEvent(t, first)
	waitFor(t, func() bool {
		_, ok := f.mon.LastStatus()
		return ok
	})

	second, _, err := dialStream(t, f, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	if ev := readEvent(t, second); !ev.Connected || ev.At.IsZero() {
		t.Fatalf("late joiner event = %+v, want online", ev)
	}

	// The status stays online, so neither socket sees a repeat.
	_ = second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("late joiner received a duplicate event")
	}
}

func TestConnectivityStreamEndsOnMonitorClose(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})
	conn, _, err := dialStream(t, f, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readEvent(t, conn)

	f.mon.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after close = %v, want going away", err)
	}
}

func TestConnectivityStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})
	_, resp, err := dialStream(t, f, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v", resp)
	}
	if f.mon.HasListeners() {
		t.Error("rejected socket must not subscribe")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})
	ctx := context.Background()
	now := time.Now().UTC()
	entries := []models.Transition{
		storage.NewTransition(true, now.Add(-3*time.Hour)),
		storage.NewTransition(false, now.Add(-2*time.Hour)),
		storage.NewTransition(true, now.Add(-time.Hour)),
	}
	for _, e := range entries {
		if err := f.store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var latest []models.Transition
	f.getJSON(t, "/api/history?limit=1", &latest)
	if len(latest) != 1 || latest[0].ID != entries[2].ID {
		t.Errorf("history limit=1 = %+v", latest)
	}

	var since []models.Transition
	f.getJSON(t, "/api/history?since="+now.Add(-150*time.Minute).Format(time.RFC3339), &since)
	if len(since) != 2 {
		t.Errorf("history since = %+v", since)
	}
	if code := f.getJSON(t, "/api/history?since=yesterday", nil); code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", code)
	}

	var uptime metrics.Uptime
	f.getJSON(t, "/api/uptime?hours=4", &uptime)
	if uptime.Transitions != 3 || uptime.LastState != "online" {
		t.Errorf("uptime = %+v", uptime)
	}
	if uptime.UptimePercent < 66 || uptime.UptimePercent > 67 {
		t.Errorf("uptime percent = %v, want two of three known hours", uptime.UptimePercent)
	}

	var timeline []models.TimelinePoint
	f.getJSON(t, "/api/timeline?hours=4&points=8", &timeline)
	if len(timeline) != 8 {
		t.Fatalf("timeline points = %d, want 8", len(timeline))
	}
	if timeline[0].ClassName != "state-missing" {
		t.Errorf("first bucket = %s, want no data", timeline[0].ClassName)
	}
}

func TestNodeAndClusterEndpoints(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})

	var status cluster.NodeStatus
	f.getJSON(t, "/api/node/status", &status)
	if status.Node.ID != "n1" || status.Connected != nil || len(status.Targets) != 1 {
		t.Errorf("node status = %+v", status)
	}

	var snap cluster.Snapshot
	f.getJSON(t, "/api/cluster", &snap)
	if len(snap.Nodes) != 1 || snap.Nodes[0].Source != "local" {
		t.Errorf("cluster = %+v", snap)
	}

	var hist cluster.NodeHistory
	f.getJSON(t, "/api/node/history", &hist)
	if hist.Node.Name != "Node One" || hist.History == nil {
		t.Errorf("node history = %+v", hist)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &switchEvaluator{value: true})
	resp := f.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "connwatch_subscribers") {
		t.Errorf("metrics body missing connwatch_subscribers")
	}
}
