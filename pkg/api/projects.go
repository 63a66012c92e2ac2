package api

import (
	"net/http"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.projects.ListProjects(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Project{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := s.projects.CreateProject(r.Context(), caller(r), payload.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	list, err := s.projects.ListEnvironments(r.Context(), caller(r), r.PathValue("projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Environment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env, err := s.projects.CreateEnvironment(r.Context(), caller(r), r.PathValue("projectID"), payload.Name, payload.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	var v engine.EnvVar
	if err := decodeJSON(w, r, &v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.projects.SetVariable(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("environmentID"), v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
