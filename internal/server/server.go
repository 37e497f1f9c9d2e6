package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"connwatch/internal/cluster"
	"connwatch/internal/config"
	"connwatch/internal/history"
	"connwatch/internal/metrics"
	"connwatch/internal/models"
	"connwatch/internal/monitor"
	"connwatch/internal/storage"
)

const (
	defaultHistoryLimit = 200
	defaultWindowHours  = 24
	maxWindowHours      = 24 * 31
	maxTimelinePoints   = 500
	queryTimeout        = 30 * time.Second
	maxBodyBytes        = 1 << 20
)

// Server wraps HTTP serving of the connectivity API.
type Server struct {
	httpServer   *http.Server
	mon          *monitor.Monitor
	store        storage.Store
	cluster      *cluster.Service
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	historyLimit int

	queries singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithCheckRate limits POST /api/connectivity/check.
func WithCheckRate(limit rate.Limit, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithStore serves history, uptime and timeline from store.
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics exposes the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a configured HTTP server for the monitor.
func New(addr string, mon *monitor.Monitor, clusterService *cluster.Service, log logrus.FieldLogger, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		mon:          mon,
		cluster:      clusterService,
		log:          log.WithField("component", "server"),
		historyLimit: defaultHistoryLimit,
		limiter:      rate.NewLimiter(rate.Every(5*time.Second), 3),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes(mux)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic until Shutdown is called.
func (s *Server) Run() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/connectivity", s.handleConnectivity)
	mux.HandleFunc("POST /api/connectivity/check", s.handleManualCheck)
	mux.HandleFunc("GET /api/connectivity/ws", s.handleConnectivityWS)
	mux.HandleFunc("GET /api/targets", s.handleGetTargets)
	mux.HandleFunc("PUT /api/targets", s.handlePutTargets)
	mux.HandleFunc("GET /api/listeners", s.handleListeners)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/uptime", s.handleUptime)
	mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/node/status", s.handleNodeStatus)
	mux.HandleFunc("GET /api/node/history", s.handleNodeHistory)
	mux.HandleFunc("GET /api/cluster", s.handleCluster)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

type connectivityResponse struct {
	Connected bool      `json:"connected"`
	CheckedAt time.Time `json:"checked_at"`
	Targets   int       `json:"targets"`
	Shared    bool      `json:"shared,omitempty"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	// Coalesced callers share one evaluation, so it must not depend on any
	// single request's context.
	v, _, shared := s.queries.Do("connectivity", func() (any, error) {
		return s.evaluate(), nil
	})
	resp := v.(connectivityResponse)
	resp.Shared = shared
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManualCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, errors.New("too many manual checks"))
		return
	}
	writeJSON(w, http.StatusOK, s.evaluate())
}

func (s *Server) evaluate() connectivityResponse {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	targets := len(s.mon.Addresses())
	connected := s.mon.IsConnected(ctx)
	return connectivityResponse{
		Connected: connected,
		CheckedAt: s.now().UTC(),
		Targets:   targets,
	}
}

func (s *Server) handleGetTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.SpecsFromTargets(s.mon.Addresses()))
}

func (s *Server) handlePutTargets(w http.ResponseWriter, r *http.Request) {
	var specs []config.AddressSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&specs); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode targets"))
		return
	}
	targets, err := config.ParseAddresses(specs, s.mon.CheckTimeout())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mon.SetAddresses(targets)
	writeJSON(w, http.StatusOK, config.SpecsFromTargets(s.mon.Addresses()))
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"listeners": s.mon.Listeners(),
		"active":    s.mon.IsActivelyChecking(),
		"interval":  s.mon.Interval().String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.history(r.Context(), since, parseLimit(r, s.historyLimit))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	start, end := s.window(r)
	entries, err := s.history(r.Context(), time.Time{}, 0)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics.ComputeUptime(entries, start, end))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	start, end := s.window(r)
	entries, err := s.history(r.Context(), time.Time{}, 0)
	if err != nil {
		s.serverError(w, err)
		return
	}
	points := parseBounded(r, "points", history.DefaultTimelinePoints, maxTimelinePoints)
	writeJSON(w, http.StatusOK, history.BuildTimeline(entries, start, end, points))
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cluster.LocalStatus(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history(r.Context(), time.Time{}, parseLimit(r, s.historyLimit))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.NodeHistory{
		Node:        s.cluster.Node(),
		History:     entries,
		GeneratedAt: s.now().UTC(),
	})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cluster.Snapshot(r.Context()))
}

func (s *Server) history(ctx context.Context, since time.Time, limit int) ([]models.Transition, error) {
	if s.store == nil {
		return []models.Transition{}, nil
	}
	return s.store.History(ctx, since, limit)
}

func (s *Server) window(r *http.Request) (time.Time, time.Time) {
	hours := parseBounded(r, "hours", defaultWindowHours, maxWindowHours)
	end := s.now().UTC()
	return end.Add(-time.Duration(hours) * time.Hour), end
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, err)
}

func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid since")
	}
	return since, nil
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

func parseBounded(r *http.Request, key string, fallback, ceiling int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value <= 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
