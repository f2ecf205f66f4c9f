// -----------------------------------------------------------------------
// Upload - a client-supplied input file in the file plane
// -----------------------------------------------------------------------

package models

import "time"

// Upload records one client-uploaded input file. Path is relative to the
// uploads root and date-partitioned (YYYY/MM/DD/HHMMSS_<8hex>.<ext>); nodes
// mirror this layout exactly under their own input directory.
type Upload struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileDownload instructs a node how to fetch an input file from the
// orchestrator before consuming a prompt. DownloadURL carries a scoped
// bearer token; LocalPath preserves the orchestrator's date-partitioned
// layout under the node's input directory.
type FileDownload struct {
	DownloadURL string `json:"download_url"`
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	TargetField string `json:"target_field"` // "<graph-node-id>.inputs.<field-name>"
}
