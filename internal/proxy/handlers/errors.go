package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/antigravity-nexus/internal/dispatch"
)

type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: message},
	})
}

// writeDispatchError maps a pipeline failure onto the Anthropic error shape.
func writeDispatchError(w http.ResponseWriter, err error) {
	var de *dispatch.Error
	if errors.As(err, &de) {
		writeError(w, de.Status, de.Type, de.Message)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusInternalServerError, "api_error", "request canceled")
		return
	}
	writeError(w, http.StatusInternalServerError, "api_error", err.Error())
}

func errorEventPayload(err error) []byte {
	detail := errorDetail{Type: "api_error", Message: err.Error()}
	var de *dispatch.Error
	if errors.As(err, &de) {
		detail = errorDetail{Type: de.Type, Message: de.Message}
	}
	payload, _ := json.Marshal(errorBody{Type: "error", Error: detail})
	return payload
}
