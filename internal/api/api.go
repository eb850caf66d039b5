// Package api exposes the HTTP surface: conversation listings, state
// summaries, and the metrics/cache introspection endpoints.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/agentdash/backend/internal/cache"
	"github.com/agentdash/backend/internal/conversation"
	"github.com/agentdash/backend/internal/metrics"
	"github.com/agentdash/backend/internal/monitor"
	"github.com/agentdash/backend/internal/ws"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	defaultTimeframe = 5 * time.Minute
)

type Server struct {
	registry *monitor.Registry
	cache    *cache.Cache
	metrics  *metrics.Monitor
	ws       *ws.Server
	log      zerolog.Logger
}

func New(registry *monitor.Registry, c *cache.Cache, mm *metrics.Monitor, wsServer *ws.Server, log zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		cache:    c,
		metrics:  mm,
		ws:       wsServer,
		log:      log,
	}
}

// Router builds the full route tree, including the websocket endpoint.
func (s *Server) Router(wsPath string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/conversations", s.handleConversations)
	r.Get("/api/conversations/{id}", s.handleConversation)
	r.Get("/api/states", s.handleStates)
	r.Get("/api/cached/messages", s.handleCachedMessages)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/cache/stats", s.handleCacheStats)
	r.Get("/api/ws/stats", s.handleWSStats)

	r.Handle(wsPath, s.ws.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now(),
	})
}

type pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultPageLimit)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	all := s.registry.All()
	total := len(all)

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": all[start:end],
		"pagination": pagination{
			Page:       page,
			Limit:      limit,
			TotalCount: total,
			HasMore:    end < total,
		},
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"activeStates": s.registry.ActiveStates(),
	})
}

// handleCachedMessages serves a conversation's parsed messages through the
// cache's computed tier, fetched by transcript path. The optional
// cacheDuration query bounds how stale a memoized copy may be for this
// request. Only paths the registry is tracking are served.
func (s *Server) handleCachedMessages(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	conv, ok := s.registry.Get(conversation.ID(path))
	if !ok || conv.Path != path {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var maxAge time.Duration
	if v := r.URL.Query().Get("cacheDuration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid cacheDuration")
			return
		}
		maxAge = d
	}

	messages, err := s.cache.ComputedWithin("api_messages", path, maxAge, func() (any, error) {
		return s.cache.Conversation(path)
	})
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("cached fetch failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":       conv.ID,
		"messages": messages,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	timeframe := defaultTimeframe
	if v := r.URL.Query().Get("timeframe"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeframe")
			return
		}
		timeframe = d
	}
	s.writeJSON(w, http.StatusOK, s.metrics.GetStats(timeframe))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.GetStats())
}

func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ws.GetStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
