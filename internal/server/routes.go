package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Client surface - jobs
	mux.HandleFunc("/jobs/text-to-image", s.app.JobHandler.SubmitTextToImage)
	mux.HandleFunc("/jobs/image-to-video", s.app.JobHandler.SubmitImageToVideo)
	mux.HandleFunc("/jobs/", s.app.JobHandler.HandleJobRoutes) // GET/DELETE /{id}, POST /{id}/rerun, GET /{id}/artifacts

	// Client surface - files
	mux.HandleFunc("/uploads", s.app.FileHandler.HandleUploadsRoute)       // POST (multipart), GET (list)
	mux.HandleFunc("/files/upload/path/", s.app.FileHandler.GetByPath)     // GET by relative path (node fetch)
	mux.HandleFunc("/files/", s.app.FileHandler.GetByID)                   // GET /{file-id}

	// Admin API - fleet
	mux.HandleFunc("/api/nodes", s.app.NodeHandler.HandleNodesRoute) // GET (list), POST (register)
	mux.HandleFunc("/api/nodes/", s.app.NodeHandler.HandleNodeRoutes)

	// Admin API - jobs
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.GetJobStats)
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobs)

	// Admin API - system
	mux.HandleFunc("/api/status", s.app.StatusHandler.Status)
	mux.HandleFunc("/api/version", s.app.StatusHandler.Version)
	mux.HandleFunc("/api/health", s.app.StatusHandler.Health)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.StatusHandler.NotFound)

	return mux
}
