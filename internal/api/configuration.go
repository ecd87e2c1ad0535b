package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"proxyplane/internal/document"
	"proxyplane/internal/gateway"
)

// readDocument accepts YAML or JSON bodies.
func readDocument(w http.ResponseWriter, r *http.Request) (document.Document, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "read body: "+err.Error())
		return document.Document{}, false
	}
	doc, err := document.Parse(body)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid document: "+err.Error())
		return document.Document{}, false
	}
	return doc, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.GetConfigurationStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProxyConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.ProxyConfiguration())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.ReloadProxyConfiguration(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	snap := s.gw.ProxyConfiguration()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": snap.Generation,
		"routes":     len(snap.Routes),
		"clusters":   len(snap.Clusters),
	})
}

func (s *Server) handleValidateStored(w http.ResponseWriter, r *http.Request) {
	ok, err := s.gw.ValidateConfiguration(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isValid": ok})
}

// handleValidateDocument checks a posted document. ?health=true also probes
// its destinations.
func (s *Server) handleValidateDocument(w http.ResponseWriter, r *http.Request) {
	health, err := queryBool(r, "health", false)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.gw.ValidateDocument(r.Context(), doc, health))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	res, err := s.gw.ImportConfiguration(r.Context(), doc)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	doc, err := s.gw.ExportConfiguration(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	body, err := document.Marshal(doc, format)
	if err != nil {
		respondError(w, err)
		return
	}
	switch format {
	case "yaml", "yml":
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleUpdate replaces the configuration with the posted document. Options
// come from the query string: dryRun, force, validateHealth, backup and
// timeout.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	opts, err := s.updateOptions(r)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	res, err := s.gw.UpdateConfiguration(r.Context(), doc, opts)
	switch {
	case err != nil:
		writeJSON(w, statusFor(err), res)
	case !res.Success:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) updateOptions(r *http.Request) (gateway.Options, error) {
	opts := gateway.DefaultOptions()
	opts.Timeout = s.updateTimeout
	var err error
	if opts.DryRun, err = queryBool(r, "dryRun", opts.DryRun); err != nil {
		return opts, err
	}
	if opts.Force, err = queryBool(r, "force", opts.Force); err != nil {
		return opts, err
	}
	if opts.ValidateHealth, err = queryBool(r, "validateHealth", opts.ValidateHealth); err != nil {
		return opts, err
	}
	if opts.CreateBackup, err = queryBool(r, "backup", opts.CreateBackup); err != nil {
		return opts, err
	}
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("invalid timeout %q", v)
		}
		opts.Timeout = d
	}
	return opts, nil
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.RollbackConfiguration(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func queryBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q", key, v)
	}
	return b, nil
}
