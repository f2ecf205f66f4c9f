package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/models"
)

// stubProbe flips between healthy and failing per node id.
type stubProbe struct {
	mu      sync.Mutex
	failing map[string]bool
}

func (p *stubProbe) probe(ctx context.Context, node *models.Node) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[node.ID] {
		return nil, errors.New("connection refused")
	}
	return []byte(`{"system":{}}`), nil
}

func (p *stubProbe) setFailing(id string, failing bool) {
	p.mu.Lock()
	p.failing[id] = failing
	p.mu.Unlock()
}

func newTestManager(t *testing.T, probe ProbeFunc) *Manager {
	t.Helper()
	m := NewManager(probe, &leastLoadedBalancer{}, time.Hour, time.Second, time.Hour, arbor.NewLogger())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func gpuNode(id string, max int) *models.Node {
	return &models.Node{ID: id, Host: "127.0.0.1", Port: 8188, MaxConcurrent: max}
}

func TestRegisterNodeOnline(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)

	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	node, err := m.GetNode("gpu-1")
	if err != nil {
		t.Fatal(err)
	}
	if node.Status != models.NodeStatusOnline {
		t.Errorf("status = %s, want online", node.Status)
	}
	if len(node.SystemStats) == 0 {
		t.Error("probe stats not recorded")
	}
}

func TestRegisterNodeUnreachableKeepsRecord(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{"gpu-1": true}}
	m := newTestManager(t, probe.probe)

	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err == nil {
		t.Error("register should report the failed initial probe")
	}

	node, err := m.GetNode("gpu-1")
	if err != nil {
		t.Fatal("unreachable node must still be registered")
	}
	if node.Status != models.NodeStatusOffline {
		t.Errorf("status = %s, want offline", node.Status)
	}
}

func TestSelectNodeRespectsCapabilityAndCapacity(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)

	image := gpuNode("image-only", 1)
	image.Capabilities = []models.JobKind{models.KindTextToImage}
	if err := m.RegisterNode(image); err != nil {
		t.Fatal(err)
	}

	if _, err := m.SelectNode(context.Background(), models.KindImageToVideo); err == nil {
		t.Error("node outside its capability set was selected")
	} else if models.AsJobError(err).Kind != models.ErrKindNoNode {
		t.Errorf("error kind = %s, want no-node", models.AsJobError(err).Kind)
	}

	node, err := m.SelectNode(context.Background(), models.KindTextToImage)
	if err != nil {
		t.Fatalf("capable node not selected: %v", err)
	}
	if err := m.AssignJob(node.ID, "job-1"); err != nil {
		t.Fatal(err)
	}

	// At capacity the node stops being selectable.
	if _, err := m.SelectNode(context.Background(), models.KindTextToImage); err == nil {
		t.Error("node at capacity was selected")
	}
}

func TestAssignReleaseAccounting(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}

	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	// Idempotent double-assign keeps the counter honest.
	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	node, _ := m.GetNode("gpu-1")
	if node.CurrentLoad != 1 {
		t.Errorf("load = %d after duplicate assign, want 1", node.CurrentLoad)
	}

	if err := m.AssignJob("gpu-1", "job-2"); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-3"); err == nil {
		t.Error("assignment above max-concurrent accepted")
	}

	m.ReleaseJob("gpu-1", "job-1")
	m.ReleaseJob("gpu-1", "job-1") // repeated release is a no-op
	m.ReleaseJob("gpu-1", "never-assigned")
	node, _ = m.GetNode("gpu-1")
	if node.CurrentLoad != 1 {
		t.Errorf("load = %d after release, want 1", node.CurrentLoad)
	}
}

func TestHeartbeatPromotesOfflineNode(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{"gpu-1": true}}
	m := newTestManager(t, probe.probe)
	_ = m.RegisterNode(gpuNode("gpu-1", 1))

	if err := m.Heartbeat("gpu-1", []byte(`{"gpu":"ok"}`)); err != nil {
		t.Fatal(err)
	}
	node, _ := m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOnline {
		t.Errorf("status = %s after heartbeat, want online", node.Status)
	}

	if err := m.Heartbeat("unknown", nil); err == nil {
		t.Error("heartbeat from an unregistered node accepted")
	}
}

func TestMaintenanceOverride(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 1)); err != nil {
		t.Fatal(err)
	}

	if err := m.SetMaintenance("gpu-1", true); err != nil {
		t.Fatal(err)
	}
	if m.HasAvailableNode(models.KindTextToImage) {
		t.Error("maintenance node still selectable")
	}

	// Clearing maintenance leaves the node offline until a probe succeeds.
	if err := m.SetMaintenance("gpu-1", false); err != nil {
		t.Fatal(err)
	}
	node, _ := m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOffline {
		t.Errorf("status = %s after clearing maintenance, want offline", node.Status)
	}
}

func TestRemoveNodeFiresOfflineCallbacks(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var orphaned []string
	m.OnNodeOffline(func(nodeID string, jobIDs []string) {
		mu.Lock()
		orphaned = append(orphaned, jobIDs...)
		mu.Unlock()
	})

	if err := m.RemoveNode("gpu-1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(orphaned) != 1 || orphaned[0] != "job-1" {
		t.Errorf("orphaned jobs = %v, want [job-1]", orphaned)
	}
	if _, err := m.GetNode("gpu-1"); err == nil {
		t.Error("removed node still present")
	}
}

func TestProbeAllMarksFailingNodeOffline(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var orphaned []string
	m.OnNodeOffline(func(nodeID string, jobIDs []string) {
		mu.Lock()
		orphaned = append(orphaned, jobIDs...)
		mu.Unlock()
	})

	probe.setFailing("gpu-1", true)
	m.probeAll()

	node, _ := m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOffline {
		t.Errorf("status = %s after failed probe, want offline", node.Status)
	}
	if node.CurrentLoad != 0 {
		t.Errorf("load = %d after going offline, want 0", node.CurrentLoad)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(orphaned) != 1 || orphaned[0] != "job-1" {
		t.Errorf("orphaned jobs = %v, want [job-1]", orphaned)
	}

	// Recovery: the next successful probe brings it back online.
	probe.setFailing("gpu-1", false)
	m.probeAll()
	node, _ = m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOnline {
		t.Errorf("status = %s after recovery probe, want online", node.Status)
	}
}

func (m *Manager) setLastHeartbeat(t *testing.T, nodeID string, at time.Time) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		t.Fatalf("node %s not registered", nodeID)
	}
	node.LastHeartbeat = at
}

func TestStaleHeartbeatExcludesNodeFromSelection(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}

	m.setLastHeartbeat(t, "gpu-1", time.Now().Add(-2*time.Hour))

	// The probe loop has not run; staleness alone makes the node
	// unselectable.
	if m.HasAvailableNode(models.KindTextToImage) {
		t.Error("node with a stale heartbeat still selectable")
	}
	if _, err := m.SelectNode(context.Background(), models.KindTextToImage); models.AsJobError(err).Kind != models.ErrKindNoNode {
		t.Errorf("selection error = %v, want no-node", err)
	}
}

func TestStaleHeartbeatOrphansJobsEvenWhenProbeSucceeds(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var orphaned []string
	m.OnNodeOffline(func(nodeID string, jobIDs []string) {
		mu.Lock()
		orphaned = append(orphaned, jobIDs...)
		mu.Unlock()
	})

	m.setLastHeartbeat(t, "gpu-1", time.Now().Add(-2*time.Hour))
	m.probeAll()

	// The staleness transition fired before the (healthy) probe result
	// applied, so the job was orphaned and the load reset; the probe then
	// refreshed the heartbeat and restored the node.
	mu.Lock()
	if len(orphaned) != 1 || orphaned[0] != "job-1" {
		t.Errorf("orphaned jobs = %v, want [job-1]", orphaned)
	}
	mu.Unlock()

	node, _ := m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOnline {
		t.Errorf("status = %s after healthy probe, want online", node.Status)
	}
	if node.CurrentLoad != 0 {
		t.Errorf("load = %d after stale transition, want 0", node.CurrentLoad)
	}
	if m.heartbeatStale(node.LastHeartbeat) {
		t.Error("healthy probe did not refresh the heartbeat")
	}
}

func TestStaleHeartbeatWithFailingProbeStaysOffline(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}

	m.setLastHeartbeat(t, "gpu-1", time.Now().Add(-2*time.Hour))
	probe.setFailing("gpu-1", true)
	m.probeAll()

	node, _ := m.GetNode("gpu-1")
	if node.Status != models.NodeStatusOffline {
		t.Errorf("status = %s, want offline", node.Status)
	}
}

func TestReRegisterClearsAssignments(t *testing.T) {
	probe := &stubProbe{failing: map[string]bool{}}
	m := newTestManager(t, probe.probe)
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var orphaned []string
	m.OnNodeOffline(func(nodeID string, jobIDs []string) {
		mu.Lock()
		orphaned = append(orphaned, jobIDs...)
		mu.Unlock()
	})

	// Replacing the record resets load to zero; the stale assignment must
	// go with it or the counter desyncs from the set.
	if err := m.RegisterNode(gpuNode("gpu-1", 2)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	if len(orphaned) != 1 || orphaned[0] != "job-1" {
		t.Errorf("orphaned jobs = %v, want [job-1]", orphaned)
	}
	mu.Unlock()

	// The fresh record accepts a full complement of jobs again.
	if err := m.AssignJob("gpu-1", "job-2"); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignJob("gpu-1", "job-3"); err != nil {
		t.Fatal(err)
	}
	node, _ := m.GetNode("gpu-1")
	if node.CurrentLoad != 2 {
		t.Errorf("load = %d after re-register and two assigns, want 2", node.CurrentLoad)
	}
}
