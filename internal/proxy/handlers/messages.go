package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/logging"
	"github.com/pysugar/antigravity-nexus/internal/translator"
)

// handleMessages serves POST /v1/messages for both modes; stream:true in the
// body selects SSE output.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req translator.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.MaxTokens <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must be a positive integer")
		return
	}
	model, ok := catalog.Resolve(req.Model)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("model not found: %s", req.Model))
		return
	}
	req.Model = model.ID
	translator.CleanCacheControl(&req)

	log := logrus.WithFields(logrus.Fields{
		"request_id": logging.GetRequestID(r.Context()),
		"model":      req.Model,
		"stream":     req.Stream,
	})
	log.Info("messages request")

	if !req.Stream {
		resp, err := s.dispatcher.Messages(r.Context(), &req)
		if err != nil {
			log.WithError(err).Warn("dispatch failed")
			writeDispatchError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by this connection")
		return
	}
	SetSSEHeaders(w)

	started := false
	emit := func(event string, payload []byte) error {
		started = true
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.dispatcher.StreamMessages(r.Context(), &req, emit); err != nil {
		log.WithError(err).Warn("stream dispatch failed")
		if !started {
			writeDispatchError(w, err)
			return
		}
		// Mid-stream failure: the status line is gone, so terminate with an
		// error event the client can parse.
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errorEventPayload(err))
		flusher.Flush()
	}
}

// handleCountTokens answers the token-counting endpoint with 501; the
// upstream offers no counting call to delegate to.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "api_error", "count_tokens is not implemented")
}
