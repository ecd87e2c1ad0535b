package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"proxyplane/internal/model"
)

func (s *Server) handleClusterDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.gw.GetDestinations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dests)
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	clusterID := r.URL.Query().Get("clusterId")
	if clusterID == "" {
		errorJSON(w, http.StatusBadRequest, "clusterId is required")
		return
	}
	dests, err := s.gw.GetDestinations(r.Context(), clusterID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dests)
}

// handleCreateClusterDestination takes the cluster from the path and ignores
// any clusterId in the body.
func (s *Server) handleCreateClusterDestination(w http.ResponseWriter, r *http.Request) {
	var d model.Destination
	if !decodeJSON(w, r, &d) {
		return
	}
	d.ClusterID = chi.URLParam(r, "id")
	out, err := s.gw.CreateDestination(r.Context(), d)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
