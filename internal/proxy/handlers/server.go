// Package handlers exposes the Anthropic-compatible inbound surface over the
// dispatch pipeline.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/antigravity-nexus/internal/logging"
	"github.com/pysugar/antigravity-nexus/internal/pool"
	"github.com/pysugar/antigravity-nexus/internal/proxy/middleware"
	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/translator"
	"github.com/pysugar/antigravity-nexus/internal/usage"
)

// Dispatcher is the slice of the dispatch pipeline the handlers call.
type Dispatcher interface {
	Messages(ctx context.Context, req *translator.MessagesRequest) (*translator.MessagesResponse, error)
	StreamMessages(ctx context.Context, req *translator.MessagesRequest, emit translator.StreamEmitter) error
}

// Refresher forces token refreshes for enrolled accounts.
type Refresher interface {
	ForceRefresh(ctx context.Context, email string) (string, error)
}

// Server bundles the dependencies behind the HTTP surface.
type Server struct {
	cfg        store.Config
	dispatcher Dispatcher
	pool       *pool.Manager
	usage      *usage.Tracker
	refresher  Refresher
	accounts   *store.Store
}

// New wires the HTTP surface. usage and refresher may be nil; the endpoints
// that need them degrade gracefully.
func New(cfg store.Config, d Dispatcher, p *pool.Manager, u *usage.Tracker, ref Refresher, st *store.Store) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		pool:       p,
		usage:      u,
		refresher:  ref,
		accounts:   st,
	}
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(RequestID)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.APIKey))
		r.Post("/messages", s.handleMessages)
		r.Post("/messages/count_tokens", s.handleCountTokens)
		r.Get("/models", s.handleModels)
	})

	admin := middleware.AdminAuth(s.cfg.WebUIPassword, s.cfg.APIKey)
	r.With(admin).Get("/account-limits", s.handleAccountLimits)
	r.With(admin).Post("/refresh-token", s.handleRefreshToken)
	r.With(admin).Get("/oauth/login", s.handleOAuthLogin)
	r.Route("/presets/{kind}", func(r chi.Router) {
		r.Use(admin)
		r.Get("/", s.handleListPresets)
		r.Post("/", s.handleSavePreset)
		r.Delete("/", s.handleDeletePreset)
	})
}

// RequestID assigns every request an agent-<uuid> id, echoing an inbound
// X-Request-ID when present, and stores it on the context for log fields.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// SetSSEHeaders sets the standard server-sent event headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
