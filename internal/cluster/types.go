package cluster

import (
	"time"

	"connwatch/internal/config"
	"connwatch/internal/metrics"
	"connwatch/internal/models"
)

// Node describes a connwatch instance.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NodeStatus describes the payload exposed by /api/node/status. Connected
// is nil while the node does not know its status.
type NodeStatus struct {
	Node        Node                 `json:"node"`
	Connected   *bool                `json:"connected,omitempty"`
	Listeners   int                  `json:"listeners"`
	Checking    bool                 `json:"checking"`
	Targets     []config.AddressSpec `json:"targets"`
	Uptime      metrics.Uptime       `json:"uptime"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// NodeHistory describes the payload from /api/node/history.
type NodeHistory struct {
	Node        Node                `json:"node"`
	History     []models.Transition `json:"history"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// PeerSnapshot stores last known data for a node.
type PeerSnapshot struct {
	Node      Node                `json:"node"`
	Status    *NodeStatus         `json:"status,omitempty"`
	History   []models.Transition `json:"history"`
	UpdatedAt time.Time           `json:"updated_at"`
	Error     string              `json:"error,omitempty"`
	Source    string              `json:"source"`
}

// Snapshot is returned by /api/cluster.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Nodes       []PeerSnapshot `json:"nodes"`
}
