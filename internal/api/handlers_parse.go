package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/core"
)

type parseRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

// handleParse previews how a request would be understood. Nothing is stored.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.Parse(req.Text, strings.TrimSpace(req.UserID)))
}

func (s *Server) handleExamples(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"examples": s.tasks.Examples()})
}

type previewRequest struct {
	Trigger core.Trigger `json:"trigger"`
	Count   int          `json:"count"`
}

type previewResponse struct {
	Timezone string   `json:"timezone"`
	Times    []string `json:"times"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	times, err := s.tasks.Preview(req.Trigger, req.Count)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	loc := s.tasks.Location()
	if req.Trigger.Timezone != "" {
		if tz, err := time.LoadLocation(req.Trigger.Timezone); err == nil {
			loc = tz
		}
	}
	resp := previewResponse{Timezone: loc.String(), Times: make([]string, 0, len(times))}
	for _, t := range times {
		resp.Times = append(resp.Times, t.In(loc).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, resp)
}
