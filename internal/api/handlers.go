package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ernie/belltest/internal/domain"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseID parses an ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	idStr := req.PathValue(param)
	return strconv.ParseInt(idStr, 10, 64)
}

// handleGetTeams returns all persisted teams with live occupancy overlaid
func (r *Router) handleGetTeams(w http.ResponseWriter, req *http.Request) {
	teams, err := r.manager.ListTeams(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

// handleGetTeam returns a single team
func (r *Router) handleGetTeam(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	team, err := r.manager.GetTeam(req.Context(), id)
	if errors.Is(err, domain.ErrTeamNotFound) {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, team)
}

// handleGetTeamStats returns the team's statistics report
func (r *Router) handleGetTeamStats(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	// Resolve the team first so a bad id is a 404, not an empty report
	if _, err := r.manager.GetTeam(req.Context(), id); err != nil {
		if errors.Is(err, domain.ErrTeamNotFound) {
			writeError(w, http.StatusNotFound, "team not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	report, err := r.manager.TeamStats(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetSession returns the session summary
func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.manager.Summary())
}

// handleSessionStart resumes round scheduling (admin only)
func (r *Router) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	r.manager.Resume(req.Context())
	writeJSON(w, http.StatusOK, r.manager.Summary())
}

// handleSessionPause stops new rounds from being dealt (admin only)
func (r *Router) handleSessionPause(w http.ResponseWriter, req *http.Request) {
	r.manager.Pause()
	writeJSON(w, http.StatusOK, r.manager.Summary())
}

// handleSessionReset deactivates all teams and clears live state (admin only)
func (r *Router) handleSessionReset(w http.ResponseWriter, req *http.Request) {
	r.manager.Reset(req.Context())
	writeJSON(w, http.StatusOK, r.manager.Summary())
}

// handleSessionMode toggles the assignment mode (admin only)
func (r *Router) handleSessionMode(w http.ResponseWriter, req *http.Request) {
	r.manager.ToggleMode(req.Context())
	writeJSON(w, http.StatusOK, r.manager.Summary())
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
