package interfaces

import (
	"context"

	"github.com/ternarybob/atelier/internal/models"
)

// NodeManager tracks the inference fleet: registration, health probing,
// load accounting and selection.
type NodeManager interface {
	Start() error
	Stop() error

	// Registry operations
	RegisterNode(node *models.Node) error
	RemoveNode(nodeID string) error
	GetNode(nodeID string) (*models.Node, error)
	ListNodes() []*models.Node

	// Heartbeat ingestion for dynamic discovery
	Heartbeat(nodeID string, stats []byte) error

	// SetMaintenance toggles the human maintenance override. A node in
	// maintenance is never selected and never flipped by the probe loop.
	SetMaintenance(nodeID string, on bool) error

	// Selection and load accounting
	SelectNode(ctx context.Context, kind models.JobKind) (*models.Node, error)
	AssignJob(nodeID, jobID string) error
	ReleaseJob(nodeID, jobID string)

	// OnNodeOffline registers a callback fired with the jobs a node was
	// running when it went offline.
	OnNodeOffline(fn func(nodeID string, jobIDs []string))

	// HasAvailableNode reports whether any node could currently serve the
	// kind, used by the health endpoint.
	HasAvailableNode(kind models.JobKind) bool
}

// Balancer picks one node from a candidate set.
type Balancer interface {
	Select(candidates []*models.Node) *models.Node
	Name() string
}
