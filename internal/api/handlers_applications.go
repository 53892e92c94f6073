package api

import (
	"net/http"

	"github.com/org/secretprov/pkg/models"
)

type applicationRequest struct {
	Name string `json:"name" validate:"max=255"`
	Code string `json:"code" validate:"required,max=64"`
}

// ApplicationCreateHandler handles POST /v1/applications
func (s *Server) ApplicationCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	app := &models.Application{Name: req.Name, Code: req.Code}
	if err := s.prov.CreateApplication(r.Context(), app); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": app})
}

// ApplicationListHandler handles GET /v1/applications
func (s *Server) ApplicationListHandler(w http.ResponseWriter, r *http.Request) {
	apps, err := s.prov.Applications(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if apps == nil {
		apps = []*models.Application{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": apps})
}

// ApplicationGetHandler handles GET /v1/applications/{appID}
func (s *Server) ApplicationGetHandler(w http.ResponseWriter, r *http.Request) {
	app, ok := s.loadApplication(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": app})
}

// ApplicationUpdateHandler handles PUT /v1/applications/{appID}
func (s *Server) ApplicationUpdateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "appID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	app := &models.Application{ID: id, Name: req.Name, Code: req.Code}
	if err := s.prov.UpdateApplication(r.Context(), app); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": app})
}

// ApplicationDeleteHandler handles DELETE /v1/applications/{appID}
func (s *Server) ApplicationDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "appID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.prov.DeleteApplication(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadApplication(w http.ResponseWriter, r *http.Request) (*models.Application, bool) {
	id, err := idParam(r, "appID")
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	app, err := s.prov.Application(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return app, true
}
