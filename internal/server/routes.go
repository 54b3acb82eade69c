package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/curo/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/statistics", s.handleJobsCollection(s.app.JobHandler.GetStatistics, http.MethodGet))
	mux.HandleFunc("/api/jobs", s.handleJobsRoot)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - System
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", handlers.NotFoundHandler)

	return mux
}

// handleJobsRoot serves the /api/jobs collection: GET lists, POST creates
func (s *Server) handleJobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.ListJobs(w, r)
	case http.MethodPost:
		s.app.JobHandler.CreateJob(w, r)
	default:
		handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleJobsCollection(h http.HandlerFunc, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		s.handleJobsRoot(w, r)
		return
	}

	jobID, action, _ := strings.Cut(path, "/")
	if jobID == "" {
		handlers.NotFoundHandler(w, r)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.app.JobHandler.GetJob(w, r, jobID)
		case http.MethodDelete:
			s.app.JobHandler.DeleteJob(w, r, jobID)
		default:
			handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}

	case "progress":
		if r.Method != http.MethodGet {
			handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.app.JobHandler.GetProgress(w, r, jobID)

	case "cancel":
		if r.Method != http.MethodPost {
			handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.app.JobHandler.CancelJob(w, r, jobID)

	case "retry":
		if r.Method != http.MethodPost {
			handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.app.JobHandler.RetryJob(w, r, jobID)

	default:
		handlers.NotFoundHandler(w, r)
	}
}
