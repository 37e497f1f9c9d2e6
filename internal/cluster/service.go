package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"connwatch/internal/config"
	"connwatch/internal/metrics"
	"connwatch/internal/models"
	"connwatch/internal/monitor"
	"connwatch/internal/storage"
)

const (
	defaultHistoryLimit = 200
	requestTimeout      = 10 * time.Second
	minRefresh          = 15 * time.Second
	maxConcurrentPeers  = 4
	// UptimeWindow is the span node status uptime is computed over.
	UptimeWindow = 24 * time.Hour
)

// Service aggregates the local node's connectivity with peer snapshots.
type Service struct {
	node         Node
	mon          *monitor.Monitor
	store        storage.Store
	peers        []config.Peer
	refresh      time.Duration
	historyLimit int
	log          logrus.FieldLogger
	metrics      *metrics.Metrics

	client *http.Client

	mu        sync.RWMutex
	peersData map[string]PeerSnapshot
}

// NewService initialises the cluster aggregator for a node.
func NewService(node Node, mon *monitor.Monitor, store storage.Store, cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	refresh := cfg.PeerRefresh.Std()
	if refresh < minRefresh {
		refresh = minRefresh
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Service{
		node:         node,
		mon:          mon,
		store:        store,
		peers:        cfg.Peers,
		refresh:      refresh,
		historyLimit: defaultHistoryLimit,
		log:          log.WithField("component", "cluster"),
		metrics:      m,
		client:       &http.Client{Transport: transport, Timeout: requestTimeout},
		peersData:    make(map[string]PeerSnapshot),
	}
}

// Run synchronises with peers until ctx is done. It returns immediately
// when no peer is enabled.
func (s *Service) Run(ctx context.Context) error {
	if !s.hasPeers() {
		return nil
	}
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	s.fetchAllPeers(ctx)
	for {
		select {
		case <-ticker.C:
			s.fetchAllPeers(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) hasPeers() bool {
	for _, peer := range s.peers {
		if peer.Enabled {
			return true
		}
	}
	return false
}

func (s *Service) fetchAllPeers(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentPeers)
	for _, peer := range s.peers {
		if !peer.Enabled {
			continue
		}
		peer := peer
		g.Go(func() error {
			err := s.fetchPeer(ctx, peer)
			s.metrics.ObservePeerFetch(err == nil)
			if err != nil {
				s.log.WithError(err).WithField("peer", peer.ID).Warn("peer fetch failed")
				s.mu.Lock()
				s.peersData[peer.ID] = PeerSnapshot{
					Node:      Node{ID: peer.ID, Name: resolveName(peer.Name, "", peer.ID)},
					UpdatedAt: time.Now().UTC(),
					Error:     err.Error(),
					Source:    "peer",
				}
				s.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) fetchPeer(ctx context.Context, peer config.Peer) error {
	baseURL := strings.TrimSuffix(peer.BaseURL, "/")
	if baseURL == "" {
		return errors.Errorf("peer %s has empty base_url", peer.ID)
	}

	var status NodeStatus
	if err := s.getJSON(ctx, baseURL+"/api/node/status", peer.APIKey, &status); err != nil {
		return errors.Wrap(err, "status fetch failed")
	}

	var history NodeHistory
	historyURL := fmt.Sprintf("%s/api/node/history?limit=%d", baseURL, s.historyLimit)
	if err := s.getJSON(ctx, historyURL, peer.APIKey, &history); err != nil {
		return errors.Wrap(err, "history fetch failed")
	}

	s.mu.Lock()
	s.peersData[peer.ID] = PeerSnapshot{
		Node:      Node{ID: peer.ID, Name: resolveName(peer.Name, status.Node.Name, peer.ID)},
		Status:    &status,
		History:   limitHistory(history.History, s.historyLimit),
		UpdatedAt: time.Now().UTC(),
		Source:    "peer",
	}
	s.mu.Unlock()
	return nil
}

// Node returns the identity of the local node.
func (s *Service) Node() Node {
	return s.node
}

// LocalStatus reports the local node's connectivity without probing.
func (s *Service) LocalStatus(ctx context.Context) (NodeStatus, error) {
	now := time.Now().UTC()
	status := NodeStatus{
		Node:        s.node,
		Listeners:   s.mon.Listeners(),
		Checking:    s.mon.IsActivelyChecking(),
		Targets:     config.SpecsFromTargets(s.mon.Addresses()),
		GeneratedAt: now,
	}
	if connected, ok := s.mon.LastStatus(); ok {
		status.Connected = &connected
	}

	history, err := s.LocalHistory(ctx, s.historyLimit)
	if err != nil {
		return NodeStatus{}, err
	}
	status.Uptime = metrics.ComputeUptime(history, now.Add(-UptimeWindow), now)
	return status, nil
}

// LocalHistory returns up to limit of the most recent local transitions.
func (s *Service) LocalHistory(ctx context.Context, limit int) ([]models.Transition, error) {
	if s.store == nil {
		return []models.Transition{}, nil
	}
	history, err := s.store.History(ctx, time.Time{}, limit)
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	return history, nil
}

// Snapshot gathers local and remote data for API responses.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	local := PeerSnapshot{
		Node:      s.node,
		UpdatedAt: time.Now().UTC(),
		Source:    "local",
	}
	if status, err := s.LocalStatus(ctx); err != nil {
		local.Error = err.Error()
	} else {
		local.Status = &status
	}
	if history, err := s.LocalHistory(ctx, s.historyLimit); err == nil {
		local.History = history
	}

	nodes := []PeerSnapshot{local}
	s.mu.RLock()
	peers := make([]PeerSnapshot, 0, len(s.peersData))
	for _, snap := range s.peersData {
		peers = append(peers, snap)
	}
	s.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Node.ID < peers[j].Node.ID
	})

	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Nodes:       append(nodes, peers...),
	}
}

func (s *Service) getJSON(ctx context.Context, url, apiKey string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func limitHistory(entries []models.Transition, limit int) []models.Transition {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}

func resolveName(configured, remote, fallback string) string {
	if configured != "" {
		return configured
	}
	if remote != "" {
		return remote
	}
	return fallback
}
