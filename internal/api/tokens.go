package api

import (
	"errors"
	"net/http"

	"proxyplane/internal/auth"
)

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// handleIssueToken lets an admin mint a JWT pair, typically for a viewer.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Subject == "" {
		errorJSON(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleViewer
	}
	if req.Role != auth.RoleAdmin && req.Role != auth.RoleViewer {
		errorJSON(w, http.StatusBadRequest, "unknown role")
		return
	}
	access, refresh, err := s.auth.GenerateTokens(req.Subject, req.Role)
	if errors.Is(err, auth.ErrJWTDisabled) {
		errorJSON(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	access, refresh, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		errorJSON(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{AccessToken: access, RefreshToken: refresh})
}
