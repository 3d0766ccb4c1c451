package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/antigravity-nexus/internal/presets"
)

func presetFile(kind string) (*presets.File, error) {
	switch kind {
	case "server":
		return presets.ServerPresets()
	case "claude":
		return presets.ClaudePresets()
	}
	return nil, errors.New("unknown preset kind: " + kind)
}

// handleListPresets lists one preset collection, built-ins merged in.
func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	file, err := presetFile(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	list, err := file.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"presets": list})
}

// handleSavePreset creates or replaces a user preset.
func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	file, err := presetFile(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	var p presets.Preset
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "preset name is required")
		return
	}
	if err := file.Upsert(p); err != nil {
		status := http.StatusInternalServerError
		errType := "api_error"
		if errors.Is(err, presets.ErrBuiltIn) {
			status = http.StatusBadRequest
			errType = "invalid_request_error"
		}
		writeError(w, status, errType, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDeletePreset removes a user preset by ?name=.
func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	file, err := presetFile(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "name query parameter is required")
		return
	}
	if err := file.Delete(name); err != nil {
		status := http.StatusInternalServerError
		errType := "api_error"
		if errors.Is(err, presets.ErrBuiltIn) {
			status = http.StatusBadRequest
			errType = "invalid_request_error"
		}
		writeError(w, status, errType, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
