package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretprov/pkg/models"
)

type propertyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PropertyListHandler handles GET /v1/environments/{envID}/properties
func (s *Server) PropertyListHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	props, err := s.mirror.ListByEnvironment(r.Context(), app, env)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if props == nil {
		props = []models.Property{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": props})
}

// PropertyCreateHandler handles POST /v1/environments/{envID}/properties
func (s *Server) PropertyCreateHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	var req struct {
		Key   string `json:"key" validate:"required"`
		Value string `json:"value" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.mirror.Write(r.Context(), req.Key, req.Value, app, env); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": propertyValue{Key: req.Key, Value: req.Value}})
}

// PropertyGetHandler handles GET /v1/environments/{envID}/properties/{key}
func (s *Server) PropertyGetHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	v, err := s.mirror.Read(r.Context(), key, app, env)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": propertyValue{Key: key, Value: v}})
}

// PropertyUpdateHandler handles PUT /v1/environments/{envID}/properties/{key}
func (s *Server) PropertyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.mirror.Update(r.Context(), key, req.Value, app, env); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": propertyValue{Key: key, Value: req.Value}})
}

// PropertyDeleteHandler handles DELETE /v1/environments/{envID}/properties/{key}
func (s *Server) PropertyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	if err := s.mirror.Delete(r.Context(), chi.URLParam(r, "key"), app, env); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PropertyExportHandler handles GET /v1/environments/{envID}/properties.env
func (s *Server) PropertyExportHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	doc, err := s.mirror.DotEnv(r.Context(), app, env)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+app.Code+"-"+env.Code+`.env"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc)) //nolint:errcheck
}
