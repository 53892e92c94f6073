package api

import (
	"net/http"

	"github.com/org/secretprov/pkg/models"
)

// provisionedResponse carries a client token that is shown once and cannot
// be retrieved again.
type provisionedResponse struct {
	Environment *models.Environment `json:"environment,omitempty"`
	ClientToken string              `json:"client_token"`
}

// EnvironmentCreateHandler handles POST /v1/applications/{appID}/environments
func (s *Server) EnvironmentCreateHandler(w http.ResponseWriter, r *http.Request) {
	app, ok := s.loadApplication(w, r)
	if !ok {
		return
	}
	var req struct {
		Type string `json:"type" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	env, token, err := s.prov.Create(r.Context(), app, req.Type)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"data": provisionedResponse{Environment: env, ClientToken: token},
	})
}

// EnvironmentListHandler handles GET /v1/applications/{appID}/environments
func (s *Server) EnvironmentListHandler(w http.ResponseWriter, r *http.Request) {
	app, ok := s.loadApplication(w, r)
	if !ok {
		return
	}
	envs, err := s.prov.Environments(r.Context(), app)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if envs == nil {
		envs = []*models.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": envs})
}

// EnvironmentGetHandler handles GET /v1/environments/{envID}
func (s *Server) EnvironmentGetHandler(w http.ResponseWriter, r *http.Request) {
	_, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": env})
}

// EnvironmentRenameHandler handles PUT /v1/environments/{envID}
func (s *Server) EnvironmentRenameHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code" validate:"required,max=64"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	renamed, token, err := s.prov.Rename(r.Context(), app, env, req.Code)
	if err != nil {
		// a token issued before the failure is still live and must reach the caller
		writeErrWith(w, r, err, map[string]any{"client_token": token})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": provisionedResponse{Environment: renamed, ClientToken: token},
	})
}

// EnvironmentDeleteHandler handles DELETE /v1/environments/{envID}
func (s *Server) EnvironmentDeleteHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	if err := s.prov.Delete(r.Context(), app, env); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnvironmentTokenHandler handles POST /v1/environments/{envID}/token
func (s *Server) EnvironmentTokenHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	token, err := s.prov.RegenerateToken(r.Context(), app, env)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": provisionedResponse{Environment: env, ClientToken: token},
	})
}

// EnvironmentStatusHandler handles GET /v1/environments/{envID}/status
func (s *Server) EnvironmentStatusHandler(w http.ResponseWriter, r *http.Request) {
	app, env, ok := s.loadEnvironment(w, r)
	if !ok {
		return
	}
	st, err := s.prov.Inspect(r.Context(), app, env)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

func (s *Server) loadEnvironment(w http.ResponseWriter, r *http.Request) (*models.Application, *models.Environment, bool) {
	id, err := idParam(r, "envID")
	if err != nil {
		writeErr(w, r, err)
		return nil, nil, false
	}
	app, env, err := s.prov.Environment(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return nil, nil, false
	}
	return app, env, true
}
