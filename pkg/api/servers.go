package api

import (
	"net/http"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	list, err := s.servers.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Server{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var spec engine.ServerSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	srv, err := s.servers.Create(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info().Str("server_id", srv.ID).Str("user", caller(r)).Msg("Server registered")
	writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.servers.Get(r.Context(), r.PathValue("serverID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var upd engine.ServerUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	srv, err := s.servers.Update(r.Context(), r.PathValue("serverID"), upd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.servers.Delete(r.Context(), r.PathValue("serverID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckServer reports reachability without changing the stored status.
func (s *Server) handleCheckServer(w http.ResponseWriter, r *http.Request) {
	check, err := s.servers.CheckConnection(r.Context(), r.PathValue("serverID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}
