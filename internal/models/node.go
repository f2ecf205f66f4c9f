// -----------------------------------------------------------------------
// Node - a backend inference endpoint in the fleet
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the operational state of an inference node. Nodes move
// online<->offline only through the health probe path; maintenance is a
// human-set override the probe loop never touches.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusBusy        NodeStatus = "busy"
	NodeStatusError       NodeStatus = "error"
	NodeStatusMaintenance NodeStatus = "maintenance"
)

// Node is a backend inference endpoint addressable by host:port. HTTP and
// WebSocket share the same authority.
type Node struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`

	Status NodeStatus `json:"status"`

	MaxConcurrent int `json:"max_concurrent"`
	CurrentLoad   int `json:"current_load"`

	// Capabilities is the set of job kinds the node accepts. Empty means
	// the node accepts any kind.
	Capabilities []JobKind `json:"capabilities,omitempty"`

	// Priority weights the node in weighted and priority-based balancing.
	Priority int `json:"priority"`

	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty"`
	SystemStats   json.RawMessage `json:"system_stats,omitempty"` // opaque, last probe snapshot
}

// URL returns the node's HTTP base URL.
func (n *Node) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// WSURL returns the node's WebSocket endpoint for a given client id.
func (n *Node) WSURL(clientID string) string {
	return fmt.Sprintf("ws://%s:%d/ws?clientId=%s", n.Host, n.Port, clientID)
}

// LoadPercentage is 100*current-load/max-concurrent.
func (n *Node) LoadPercentage() float64 {
	if n.MaxConcurrent <= 0 {
		return 100
	}
	return 100 * float64(n.CurrentLoad) / float64(n.MaxConcurrent)
}

// Available reports whether the node can take one more job.
func (n *Node) Available() bool {
	return n.Status == NodeStatusOnline && n.CurrentLoad < n.MaxConcurrent
}

// Accepts reports whether the node's capability set admits the kind.
// An empty capability set accepts any kind.
func (n *Node) Accepts(kind JobKind) bool {
	if len(n.Capabilities) == 0 || kind == "" {
		return true
	}
	for _, c := range n.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to readers while the manager keeps
// mutating the original.
func (n *Node) Clone() *Node {
	clone := *n
	if len(n.Capabilities) > 0 {
		clone.Capabilities = make([]JobKind, len(n.Capabilities))
		copy(clone.Capabilities, n.Capabilities)
	}
	return &clone
}
