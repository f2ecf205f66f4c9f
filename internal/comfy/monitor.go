// -----------------------------------------------------------------------
// Comfy Monitor - WebSocket execution tracking for a single run
// -----------------------------------------------------------------------

package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/models"
)

// Monitor consumes a node's WebSocket event stream for one run. The job id
// doubles as the protocol client id so the node scopes events to this run.
type Monitor struct {
	dialer *websocket.Dialer
	logger arbor.ILogger
}

// NewMonitor creates a run monitor.
func NewMonitor(logger arbor.ILogger) *Monitor {
	return &Monitor{
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node *string `json:"node"`
}

type progressData struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

type executionErrorData struct {
	NodeType string `json:"node_type"`
	Message  string `json:"exception_message"`
}

// Run consumes events until the run ends, the node reports an execution
// error, or the context expires. onProgress receives percentages in
// [0,100], monotonically non-decreasing; decreases and malformed frames
// are dropped. The context deadline maps to a timeout error, cancellation
// to its cause.
func (m *Monitor) Run(ctx context.Context, node *models.Node, jobID string, onProgress func(float64)) error {
	conn, _, err := m.dialer.DialContext(ctx, node.WSURL(jobID), nil)
	if err != nil {
		return models.NewJobError(models.ErrKindTransport,
			"failed to open monitor socket to %s: %v", node.ID, err)
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	lastProgress := -1.0

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return models.NewJobError(models.ErrKindTimeout,
						"monitor deadline exceeded on node %s", node.ID)
				}
				if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
					return cause
				}
				return ctxErr
			}
			return models.NewJobError(models.ErrKindTransport,
				"monitor socket to %s closed: %v", node.ID, err)
		}

		// Binary frames and invalid UTF-8 never terminate the loop.
		if msgType != websocket.TextMessage || !utf8.Valid(payload) {
			m.logger.Debug().Str("node_id", node.ID).Msg("Dropping non-text monitor frame")
			continue
		}

		var event wsEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			m.logger.Debug().Str("node_id", node.ID).Msg("Dropping malformed monitor frame")
			continue
		}

		switch event.Type {
		case "executing":
			var data executingData
			if err := json.Unmarshal(event.Data, &data); err != nil {
				continue
			}
			if data.Node == nil {
				return nil // end of run
			}

		case "progress":
			var data progressData
			if err := json.Unmarshal(event.Data, &data); err != nil || data.Max <= 0 {
				continue
			}
			pct := 100 * data.Value / data.Max
			if pct < 0 || pct > 100 || pct <= lastProgress {
				continue
			}
			lastProgress = pct
			onProgress(pct)

		case "execution_error":
			var data executionErrorData
			_ = json.Unmarshal(event.Data, &data)
			msg := data.Message
			if msg == "" {
				msg = "node reported an execution error"
			}
			je := models.NewJobError(models.ErrKindExecution, "%s", msg)
			if data.NodeType != "" {
				je.Details = map[string]interface{}{"node_type": data.NodeType}
			}
			return je

		default:
			// Other event types carry no run state we track.
		}
	}
}
