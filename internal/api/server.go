// Package api exposes the manual trigger and the profile query endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alvmarrod/profile-refresh/internal/dispatch"
	"github.com/alvmarrod/profile-refresh/internal/metrics"
	"github.com/alvmarrod/profile-refresh/internal/ratelimit"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

// Server holds the dependencies of the HTTP handlers
type Server struct {
	store   storage.Store
	disp    *dispatch.Dispatcher
	limiter *ratelimit.Limiter
	metrics *metrics.Tracker
	now     func() time.Time
}

// NewServer creates a Server. A nil limiter means in-memory default rules;
// m may be nil.
func NewServer(store storage.Store, disp *dispatch.Dispatcher, limiter *ratelimit.Limiter, m *metrics.Tracker) *Server {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), nil)
	}
	return &Server{store: store, disp: disp, limiter: limiter, metrics: m, now: time.Now}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, requestLogger, recoverer)

	scrape := ratelimit.Middleware(s.limiter, ratelimit.CategoryScrape, s.metrics)
	search := ratelimit.Middleware(s.limiter, ratelimit.CategorySearch, s.metrics)
	general := ratelimit.Middleware(s.limiter, ratelimit.CategoryGeneral, s.metrics)

	r.Get("/api/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/profiles", func(r chi.Router) {
		r.With(scrape).Post("/scrape", s.handleScrape)
		r.With(general).Get("/", s.handleListProfiles)
		r.With(general).Get("/{username}", s.handleGetProfile)
		r.With(general).Get("/{username}/scrapes", s.handleListScrapes)
	})
	r.With(search).Get("/api/search", s.handleSearch)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "Method not allowed")
	})

	return r
}
