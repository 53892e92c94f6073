package api

import (
	"net/http"
	"time"

	"github.com/org/secretprov/internal/storage"
	"github.com/org/secretprov/pkg/models"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// StepsHandler handles GET /v1/audit/steps
func (s *Server) StepsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.StepFilter{Operation: q.Get("operation")}

	var err error
	if q.Get("environment_id") != "" {
		var id int
		if id, err = intQuery(r, "environment_id", 0); err != nil {
			writeErr(w, r, err)
			return
		}
		filter.EnvironmentID = int64(id)
	}
	if filter.Limit, err = intQuery(r, "limit", 100); err != nil {
		writeErr(w, r, err)
		return
	}
	if filter.Offset, err = intQuery(r, "offset", 0); err != nil {
		writeErr(w, r, err)
		return
	}

	recs, err := s.journal.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []*models.StepRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}
