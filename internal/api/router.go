package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ernie/belltest/internal/auth"
	"github.com/ernie/belltest/internal/bus"
	"github.com/ernie/belltest/internal/config"
	"github.com/ernie/belltest/internal/metrics"
	"github.com/ernie/belltest/internal/session"
	"github.com/ernie/belltest/internal/storage"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	store     *storage.Store
	manager   *session.Manager
	players   *PlayerHub
	dashboard *DashboardHub
	auth      *auth.Service
	staticDir string
}

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, store *storage.Store, manager *session.Manager, authService *auth.Service) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		store:     store,
		manager:   manager,
		players:   NewPlayerHub(manager),
		dashboard: NewDashboardHub(manager, cfg.Dashboard.RosterInterval, cfg.Dashboard.DetailInterval),
		auth:      authService,
		staticDir: cfg.Server.StaticDir,
	}

	// API routes
	r.mux.HandleFunc("GET /api/teams", r.handleGetTeams)
	r.mux.HandleFunc("GET /api/teams/{id}", r.handleGetTeam)
	r.mux.HandleFunc("GET /api/teams/{id}/stats", r.handleGetTeamStats)
	r.mux.HandleFunc("GET /api/teams/{id}/export.csv", r.handleExportResponses)
	r.mux.HandleFunc("GET /api/session", r.handleGetSession)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// Session controls (admin only)
	r.mux.HandleFunc("POST /api/session/start", r.requireAdmin(r.handleSessionStart))
	r.mux.HandleFunc("POST /api/session/pause", r.requireAdmin(r.handleSessionPause))
	r.mux.HandleFunc("POST /api/session/reset", r.requireAdmin(r.handleSessionReset))
	r.mux.HandleFunc("POST /api/session/mode", r.requireAdmin(r.handleSessionMode))

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))
	r.mux.HandleFunc("POST /api/users/{id}/reset-password", r.requireAdmin(r.handleResetUserPassword))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handlePlayerSocket)
	r.mux.HandleFunc("GET /ws/dashboard", r.handleDashboardSocket)

	// Prometheus metrics
	r.mux.Handle("GET /metrics", metrics.Handler())

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if r.staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartHubs launches both WebSocket hubs and subscribes them to the bus.
func (r *Router) StartHubs(b *bus.Bus) error {
	if err := r.players.Start(b); err != nil {
		return err
	}
	return r.dashboard.Start(b)
}

// handleStatic serves static files from the configured directory
// For SPA support, serves index.html for any path that doesn't match a file
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	// Clean the path
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	// Construct full file path
	fullPath := filepath.Join(r.staticDir, path)

	// Security: ensure the path is within staticDir
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	// Check if file exists
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		// SPA fallback: serve index.html for unknown paths
		fullPath = filepath.Join(r.staticDir, "index.html")
		info, err = os.Stat(fullPath)
		if err != nil {
			http.NotFound(w, req)
			return
		}
	}

	// Set content type based on extension
	contentType := getContentType(fullPath)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	// Serve the file
	http.ServeFile(w, req, fullPath)
}

// getContentType returns the content type for a file based on extension
func getContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return ""
	}
}
