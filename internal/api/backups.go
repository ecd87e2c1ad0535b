package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	items, err := s.backups.GetBackups(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	id, err := s.backups.CreateBackup(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.RestoreBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.backups.CleanupOldBackups(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
