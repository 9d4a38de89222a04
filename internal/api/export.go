package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ernie/belltest/internal/domain"
)

// handleExportResponses streams a team's full response log as CSV for
// offline analysis. The body is gzip-compressed when the client accepts
// it; rounds the partner never finished are included.
func (r *Router) handleExportResponses(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	team, err := r.store.GetTeamByID(req.Context(), id)
	if errors.Is(err, domain.ErrTeamNotFound) {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := r.store.GetResponseLog(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("team-%d-responses.csv", team.ID)))

	var out io.Writer = w
	if strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}

	cw := csv.NewWriter(out)
	cw.Write([]string{"round_seq", "slot", "item", "value", "submitted_at"})
	for _, e := range entries {
		cw.Write([]string{
			strconv.Itoa(e.Seq),
			strconv.Itoa(e.Slot),
			string(e.Item),
			strconv.FormatBool(e.Value),
			e.At.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Printf("Export: writing CSV for team %d failed: %v", id, err)
	}
}
