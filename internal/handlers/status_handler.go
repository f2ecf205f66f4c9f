// -----------------------------------------------------------------------
// Status Handler - health, version and system status endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/common"
	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// StatusHandler serves the system status surface.
type StatusHandler struct {
	jobs      interfaces.JobStorage
	queueMgr  interfaces.QueueManager
	nodeMgr   interfaces.NodeManager
	startedAt time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(jobs interfaces.JobStorage, queueMgr interfaces.QueueManager, nodeMgr interfaces.NodeManager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		jobs:      jobs,
		queueMgr:  queueMgr,
		nodeMgr:   nodeMgr,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// Health handles GET /api/health. Healthy means at least one node is
// online; degraded still returns 200 with detail so load balancers keep
// routing API traffic while the fleet recovers.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	online := 0
	for _, node := range h.nodeMgr.ListNodes() {
		if node.Status == models.NodeStatusOnline {
			online++
		}
	}

	status := "healthy"
	if online == 0 {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"online_nodes": online,
		"uptime_s":     int(time.Since(h.startedAt).Seconds()),
	})
}

// Version handles GET /api/version.
func (h *StatusHandler) Version(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// Status handles GET /api/status: queue depths, job stats, fleet summary.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	queueStats, err := h.queueMgr.Stats(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	jobStats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}

	nodes := h.nodeMgr.ListNodes()
	byStatus := make(map[string]int)
	for _, node := range nodes {
		byStatus[string(node.Status)]++
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queues":   queueStats,
		"jobs":     jobStats,
		"nodes":    byStatus,
		"uptime_s": int(time.Since(h.startedAt).Seconds()),
	})
}

// NotFound handles unmatched /api/ paths.
func (h *StatusHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "unknown endpoint: "+r.URL.Path)
}
