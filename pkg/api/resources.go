package api

import (
	"net/http"
	"strconv"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var spec engine.ResourceSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.lifecycle.Create(r.Context(), caller(r), r.PathValue("projectID"), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	list, err := s.lifecycle.List(r.Context(), caller(r), r.PathValue("projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Resource{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.lifecycle.Get(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("resourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Remove(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("resourceID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeployResource deploys synchronously, or with ?async=true answers 202
// once the resource is DEPLOYING.
func (s *Server) handleDeployResource(w http.ResponseWriter, r *http.Request) {
	projectID, id := r.PathValue("projectID"), r.PathValue("resourceID")

	async, err := parseBool(r.URL.Query().Get("async"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "async must be a boolean")
		return
	}
	if async {
		res, err := s.lifecycle.DeployAsync(r.Context(), caller(r), projectID, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
		return
	}

	res, err := s.lifecycle.Deploy(r.Context(), caller(r), projectID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.lifecycle.Stop(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("resourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResourceStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.lifecycle.Status(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("resourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResourceLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	logs, err := s.lifecycle.Logs(r.Context(), caller(r), r.PathValue("projectID"), r.PathValue("resourceID"), tail)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
