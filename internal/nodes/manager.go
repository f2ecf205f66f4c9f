// -----------------------------------------------------------------------
// Node Manager - fleet registry, health probing and load accounting
// -----------------------------------------------------------------------

package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// ProbeFunc performs one synchronous health check against a node,
// returning the node's system stats snapshot on success.
type ProbeFunc func(ctx context.Context, node *models.Node) ([]byte, error)

// Manager tracks the inference fleet. Node records are mutated only here;
// readers get clones.
type Manager struct {
	probe            ProbeFunc
	probeInterval    time.Duration
	probeTimeout     time.Duration
	heartbeatTimeout time.Duration
	balancer         interfaces.Balancer
	logger           arbor.ILogger

	mu          sync.RWMutex
	nodes       map[string]*models.Node
	assignments map[string]map[string]bool // node-id -> set of job-ids

	offlineFns []func(nodeID string, jobIDs []string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a node manager.
func NewManager(probe ProbeFunc, balancer interfaces.Balancer, probeInterval, probeTimeout, heartbeatTimeout time.Duration, logger arbor.ILogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		probe:            probe,
		probeInterval:    probeInterval,
		probeTimeout:     probeTimeout,
		heartbeatTimeout: heartbeatTimeout,
		balancer:         balancer,
		logger:           logger,
		nodes:            make(map[string]*models.Node),
		assignments:      make(map[string]map[string]bool),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start launches the background probe loop.
func (m *Manager) Start() error {
	m.wg.Add(1)
	go m.probeLoop()
	m.logger.Info().
		Dur("interval", m.probeInterval).
		Str("strategy", m.balancer.Name()).
		Msg("Node manager started")
	return nil
}

// Stop terminates the probe loop.
func (m *Manager) Stop() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// RegisterNode probes the node once and inserts or replaces its record.
// The record is kept even when the initial probe fails; the probe loop
// will bring it online once the node responds. The returned error reports
// the initial probe outcome.
func (m *Manager) RegisterNode(node *models.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node with id is required")
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.probeTimeout)
	stats, probeErr := m.probe(ctx, node)
	cancel()

	record := node.Clone()
	if probeErr != nil {
		record.Status = models.NodeStatusOffline
	} else {
		record.Status = models.NodeStatusOnline
		record.LastHeartbeat = time.Now()
		record.SystemStats = stats
	}
	record.CurrentLoad = 0

	// Replacing a record resets its load, so the assignment set must go
	// with it; jobs the old record was running are orphaned.
	m.mu.Lock()
	orphans := assignedJobs(m.assignments[record.ID])
	m.nodes[record.ID] = record
	m.assignments[record.ID] = make(map[string]bool)
	m.mu.Unlock()

	if len(orphans) > 0 {
		m.fireOffline(record.ID, orphans)
	}

	if probeErr != nil {
		m.logger.Warn().
			Err(probeErr).
			Str("node_id", record.ID).
			Str("url", record.URL()).
			Msg("Node registered offline; initial probe failed")
		return probeErr
	}

	m.logger.Info().
		Str("node_id", record.ID).
		Str("url", record.URL()).
		Msg("Node registered online")
	return nil
}

// RemoveNode drops the record and its assignment set. Orphaned jobs are
// reported through the offline callbacks.
func (m *Manager) RemoveNode(nodeID string) error {
	m.mu.Lock()
	_, exists := m.nodes[nodeID]
	if !exists {
		m.mu.Unlock()
		return models.NewJobError(models.ErrKindNotFound, "node not found: %s", nodeID)
	}
	orphans := assignedJobs(m.assignments[nodeID])
	delete(m.nodes, nodeID)
	delete(m.assignments, nodeID)
	m.mu.Unlock()

	if len(orphans) > 0 {
		m.fireOffline(nodeID, orphans)
	}
	m.logger.Info().Str("node_id", nodeID).Msg("Node removed")
	return nil
}

func (m *Manager) GetNode(nodeID string) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, models.NewJobError(models.ErrKindNotFound, "node not found: %s", nodeID)
	}
	return node.Clone(), nil
}

func (m *Manager) ListNodes() []*models.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*models.Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		list = append(list, node.Clone())
	}
	return list
}

// Heartbeat records a node-initiated heartbeat, used by dynamic discovery.
// An unknown node id is rejected; registration is explicit.
func (m *Manager) Heartbeat(nodeID string, stats []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return models.NewJobError(models.ErrKindNotFound, "node not found: %s", nodeID)
	}
	node.LastHeartbeat = time.Now()
	if len(stats) > 0 {
		node.SystemStats = stats
	}
	if node.Status == models.NodeStatusOffline {
		node.Status = models.NodeStatusOnline
		m.logger.Info().Str("node_id", nodeID).Msg("Node back online via heartbeat")
	}
	return nil
}

// SetMaintenance toggles the human override. Maintenance survives probe
// results until explicitly cleared.
func (m *Manager) SetMaintenance(nodeID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return models.NewJobError(models.ErrKindNotFound, "node not found: %s", nodeID)
	}
	if on {
		node.Status = models.NodeStatusMaintenance
	} else if node.Status == models.NodeStatusMaintenance {
		// Leave it offline; the next successful probe promotes it.
		node.Status = models.NodeStatusOffline
	}
	m.logger.Info().Str("node_id", nodeID).Bool("maintenance", on).Msg("Node maintenance toggled")
	return nil
}

// heartbeatStale reports whether a last-heartbeat timestamp is past the
// heartbeat timeout. A zero timestamp (never heartbeated) is not stale.
func (m *Manager) heartbeatStale(last time.Time) bool {
	return !last.IsZero() && time.Since(last) > m.heartbeatTimeout
}

// getAvailable snapshots the nodes that can take one more job of the kind.
// A node past its heartbeat timeout is excluded even before the probe loop
// has marked it offline.
func (m *Manager) getAvailable(kind models.JobKind) []*models.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	available := make([]*models.Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if node.Available() && node.Accepts(kind) && !m.heartbeatStale(node.LastHeartbeat) {
			available = append(available, node.Clone())
		}
	}
	return available
}

// SelectNode picks one available node for the kind via the configured
// balancer, or fails with a no-node error. Backoff on no-node lives in the
// execution driver, not here.
func (m *Manager) SelectNode(ctx context.Context, kind models.JobKind) (*models.Node, error) {
	candidates := m.getAvailable(kind)
	node := m.balancer.Select(candidates)
	if node == nil {
		return nil, models.NewJobError(models.ErrKindNoNode, "no available node for kind %s", kind)
	}
	return node, nil
}

// HasAvailableNode reports whether any node could currently serve the kind.
func (m *Manager) HasAvailableNode(kind models.JobKind) bool {
	return len(m.getAvailable(kind)) > 0
}

// AssignJob adds the job to the node's assignment set and bumps the load
// counter, refusing to exceed max-concurrent.
func (m *Manager) AssignJob(nodeID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return models.NewJobError(models.ErrKindNotFound, "node not found: %s", nodeID)
	}
	if node.CurrentLoad >= node.MaxConcurrent {
		return models.NewJobError(models.ErrKindNoNode, "node %s is at capacity", nodeID)
	}
	if m.assignments[nodeID] == nil {
		m.assignments[nodeID] = make(map[string]bool)
	}
	if m.assignments[nodeID][jobID] {
		return nil
	}
	m.assignments[nodeID][jobID] = true
	node.CurrentLoad++
	return nil
}

// ReleaseJob removes the assignment and decrements the load counter. Safe
// to call for already-released or unknown pairs.
func (m *Manager) ReleaseJob(nodeID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	if m.assignments[nodeID][jobID] {
		delete(m.assignments[nodeID], jobID)
		if node.CurrentLoad > 0 {
			node.CurrentLoad--
		}
	}
}

// OnNodeOffline registers a callback fired with the jobs a node was
// running when it dropped offline.
func (m *Manager) OnNodeOffline(fn func(nodeID string, jobIDs []string)) {
	m.mu.Lock()
	m.offlineFns = append(m.offlineFns, fn)
	m.mu.Unlock()
}

func (m *Manager) fireOffline(nodeID string, jobIDs []string) {
	m.mu.RLock()
	fns := make([]func(string, []string), len(m.offlineFns))
	copy(fns, m.offlineFns)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(nodeID, jobIDs)
	}
}

func assignedJobs(set map[string]bool) []string {
	jobs := make([]string, 0, len(set))
	for id := range set {
		jobs = append(jobs, id)
	}
	return jobs
}

func (m *Manager) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

// probeAll probes every non-maintenance node and applies the health
// transitions. Heartbeat staleness marks a node offline even when its
// probe has not failed yet.
func (m *Manager) probeAll() {
	m.mu.RLock()
	snapshot := make([]*models.Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if node.Status != models.NodeStatusMaintenance {
			snapshot = append(snapshot, node.Clone())
		}
	}
	m.mu.RUnlock()

	for _, node := range snapshot {
		// Staleness comes first: a node past its heartbeat timeout goes
		// offline and loses its assignments before the probe result is
		// known, so the transition does not wait on a probe failure.
		if m.heartbeatStale(node.LastHeartbeat) {
			m.markOffline(node.ID, nil, true)
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.probeTimeout)
		stats, err := m.probe(ctx, node)
		cancel()

		if err != nil {
			m.markOffline(node.ID, err, false)
			continue
		}

		m.mu.Lock()
		current, ok := m.nodes[node.ID]
		if !ok || current.Status == models.NodeStatusMaintenance {
			m.mu.Unlock()
			continue
		}
		current.LastHeartbeat = time.Now()
		current.SystemStats = stats
		if current.Status == models.NodeStatusOffline {
			current.Status = models.NodeStatusOnline
			m.logger.Info().Str("node_id", current.ID).Msg("Node back online")
		}
		m.mu.Unlock()
	}
}

// markOffline transitions a node to offline, clears its assignments and
// fires the offline callbacks for orphaned jobs. No-op for nodes already
// offline, in maintenance, or removed.
func (m *Manager) markOffline(nodeID string, probeErr error, stale bool) {
	m.mu.Lock()
	current, ok := m.nodes[nodeID]
	if !ok || current.Status == models.NodeStatusMaintenance || current.Status == models.NodeStatusOffline {
		m.mu.Unlock()
		return
	}
	current.Status = models.NodeStatusOffline
	orphans := assignedJobs(m.assignments[nodeID])
	m.assignments[nodeID] = make(map[string]bool)
	current.CurrentLoad = 0
	m.mu.Unlock()

	m.logger.Warn().
		Err(probeErr).
		Str("node_id", nodeID).
		Bool("heartbeat_stale", stale).
		Int("orphaned_jobs", len(orphans)).
		Msg("Node offline")

	if len(orphans) > 0 {
		m.fireOffline(nodeID, orphans)
	}
}
