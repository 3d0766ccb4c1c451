package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/version"
)

type modelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

type modelList struct {
	Data    []modelEntry `json:"data"`
	FirstID string       `json:"first_id"`
	LastID  string       `json:"last_id"`
	HasMore bool         `json:"has_more"`
}

// handleModels lists the catalog in Anthropic list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := catalog.List()
	out := modelList{Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelEntry{
			Type:        "model",
			ID:          m.ID,
			DisplayName: m.ID,
			CreatedAt:   "2025-01-01T00:00:00Z",
		})
	}
	if len(out.Data) > 0 {
		out.FirstID = out.Data[0].ID
		out.LastID = out.Data[len(out.Data)-1].ID
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"version":  version.Version,
		"strategy": s.pool.StrategyName(),
		"accounts": s.pool.Len(),
	})
}
