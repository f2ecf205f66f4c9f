// -----------------------------------------------------------------------
// Comfy Client - HTTP surface of a backend inference node
// -----------------------------------------------------------------------

package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/models"
)

// Client speaks the node protocol: POST /prompt, GET /history, GET /view,
// GET /system_stats. One client serves the whole fleet; per-call deadlines
// come from the caller's context.
type Client struct {
	http   *http.Client
	logger arbor.ILogger
}

// NewClient creates a node protocol client.
func NewClient(logger arbor.ILogger) *Client {
	return &Client{
		http: &http.Client{
			// Context deadlines bound individual calls; this is a hard
			// backstop against leaked requests.
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

type promptRequest struct {
	Prompt        models.TemplateGraph  `json:"prompt"`
	ClientID      string                `json:"client_id,omitempty"`
	FileDownloads []models.FileDownload `json:"file_downloads,omitempty"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Error    any    `json:"error,omitempty"`
}

// SubmitPrompt posts a resolved graph to the node and returns the assigned
// prompt id. Transport failures come back as transport errors (retriable);
// a node-reported graph rejection is an execution error; other non-200
// responses are submit errors.
func (c *Client) SubmitPrompt(ctx context.Context, node *models.Node, graph models.TemplateGraph, clientID string, downloads []models.FileDownload) (string, error) {
	body, err := json.Marshal(promptRequest{
		Prompt:        graph,
		ClientID:      clientID,
		FileDownloads: downloads,
	})
	if err != nil {
		return "", models.NewJobError(models.ErrKindInternal, "failed to encode prompt: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", models.NewJobError(models.ErrKindInternal, "failed to build prompt request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", models.NewJobError(models.ErrKindTransport, "prompt submit to %s failed: %v", node.ID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", models.NewJobError(models.ErrKindExecution,
				"node %s rejected prompt (%d): %s", node.ID, resp.StatusCode, string(respBody))
		}
		return "", models.NewJobError(models.ErrKindSubmit,
			"node %s prompt submit returned %d", node.ID, resp.StatusCode)
	}

	var parsed promptResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.PromptID == "" {
		return "", models.NewJobError(models.ErrKindSubmit,
			"node %s returned an unparseable prompt response", node.ID)
	}
	return parsed.PromptID, nil
}

// HistoryArtifact is one output file entry reported by the node.
type HistoryArtifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
}

type historyOutputs struct {
	Outputs map[string]struct {
		Images []HistoryArtifact `json:"images"`
	} `json:"outputs"`
}

// History fetches the run outputs for a prompt id. Artifacts are returned
// in graph-node-id order so repeated harvests of the same run agree.
func (c *Client) History(ctx context.Context, node *models.Node, promptID string) ([]HistoryArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL()+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, models.NewJobError(models.ErrKindInternal, "failed to build history request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.NewJobError(models.ErrKindTransport, "history fetch from %s failed: %v", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewJobError(models.ErrKindTransport,
			"node %s history returned %d", node.ID, resp.StatusCode)
	}

	var parsed map[string]historyOutputs
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewJobError(models.ErrKindTransport,
			"node %s history is unparseable: %v", node.ID, err)
	}

	entry, ok := parsed[promptID]
	if !ok {
		return nil, nil
	}

	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var artifacts []HistoryArtifact
	for _, id := range nodeIDs {
		artifacts = append(artifacts, entry.Outputs[id].Images...)
	}
	return artifacts, nil
}

// View streams one artifact's bytes from the node. filename and subfolder
// come from the locator's relative path, separator preserved.
func (c *Client) View(ctx context.Context, node *models.Node, filename, subfolder string) (io.ReadCloser, string, error) {
	query := url.Values{"filename": {filename}}
	if subfolder != "" {
		query.Set("subfolder", subfolder)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL()+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, "", models.NewJobError(models.ErrKindInternal, "failed to build view request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", models.NewJobError(models.ErrKindTransport, "view fetch from %s failed: %v", node.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", models.NewJobError(models.ErrKindNotFound,
			"node %s has no artifact %s", node.ID, filename)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// SystemStats performs one health probe. A 200 means healthy; the body is
// kept opaque and stored on the node record.
func (c *Client) SystemStats(ctx context.Context, node *models.Node) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL()+"/system_stats", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stats request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 256*1024))
}
