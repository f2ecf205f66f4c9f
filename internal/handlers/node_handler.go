// -----------------------------------------------------------------------
// Node Handler - fleet admin API
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// NodeHandler serves the fleet admin endpoints.
type NodeHandler struct {
	nodeMgr interfaces.NodeManager
	logger  arbor.ILogger
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(nodeMgr interfaces.NodeManager, logger arbor.ILogger) *NodeHandler {
	return &NodeHandler{nodeMgr: nodeMgr, logger: logger}
}

// HandleNodesRoute dispatches GET (list) and POST (register) on /api/nodes.
func (h *NodeHandler) HandleNodesRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, map[string]interface{}{"nodes": h.nodeMgr.ListNodes()})
	case http.MethodPost:
		h.register(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type registerNodeRequest struct {
	ID            string   `json:"id"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	MaxConcurrent int      `json:"max_concurrent"`
	Capabilities  []string `json:"capabilities"`
	Priority      int      `json:"priority"`
}

func (h *NodeHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "invalid request body")
		return
	}
	if req.ID == "" || req.Host == "" || req.Port < 1 || req.Port > 65535 {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "id, host and a valid port are required")
		return
	}
	if req.MaxConcurrent < 1 {
		req.MaxConcurrent = 1
	}

	caps := make([]models.JobKind, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		kind := models.JobKind(c)
		if !models.IsKnownKind(kind) {
			WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "unknown capability: "+c)
			return
		}
		caps = append(caps, kind)
	}

	node := &models.Node{
		ID:            req.ID,
		Host:          req.Host,
		Port:          req.Port,
		MaxConcurrent: req.MaxConcurrent,
		Capabilities:  caps,
		Priority:      req.Priority,
	}

	probeErr := h.nodeMgr.RegisterNode(node)
	registered, err := h.nodeMgr.GetNode(req.ID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"node":   registered,
		"online": probeErr == nil,
	})
}

// HandleNodeRoutes dispatches /api/nodes/{id}, /api/nodes/{id}/maintenance
// and /api/nodes/{id}/heartbeat.
func (h *NodeHandler) HandleNodeRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.SplitN(rest, "/", 2)
	nodeID := parts[0]
	if nodeID == "" {
		WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "node id is required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "maintenance":
			h.maintenance(w, r, nodeID)
		case "heartbeat":
			h.heartbeat(w, r, nodeID)
		default:
			WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "unknown node operation")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		node, err := h.nodeMgr.GetNode(nodeID)
		if err != nil {
			WriteJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, node)
	case http.MethodDelete:
		if err := h.nodeMgr.RemoveNode(nodeID); err != nil {
			WriteJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "status": "removed"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *NodeHandler) maintenance(w http.ResponseWriter, r *http.Request, nodeID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "invalid request body")
		return
	}
	if err := h.nodeMgr.SetMaintenance(nodeID, req.Enabled); err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"node_id": nodeID, "maintenance": req.Enabled})
}

// heartbeat handles POST /api/nodes/{id}/heartbeat for dynamic discovery;
// the body is an opaque stats snapshot.
func (h *NodeHandler) heartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	stats, _ := io.ReadAll(io.LimitReader(r.Body, 256*1024))
	if err := h.nodeMgr.Heartbeat(nodeID, stats); err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "status": "ok"})
}
