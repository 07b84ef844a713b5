// Package http is the REST control plane: a thin JSON layer over the store,
// the scheduler, and the response cache. All bodies ride the
// {success, data, timestamp} envelope.
package http

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chronod/internal/cache"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Defaults for the edge protections.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultGeneralRPM     = 100
	DefaultTriggerRPM     = 20
)

// Invalidator fans cache invalidations out; a bare *cache.Cache satisfies it
// for single-instance runs and cache.Broadcast adds the redis hop.
type Invalidator interface {
	Invalidate(keys []string, prefixes []string)
}

// Options configures the optional parts of the server. Zero values disable
// the cache, MCP mount, and auth, and keep the default edge limits.
type Options struct {
	Cache          *cache.Cache
	Invalidator    Invalidator
	MCP            http.Handler
	Token          string // bearer token; empty disables auth
	Production     bool
	AllowedOrigins []string
	Version        string
	RequestTimeout time.Duration
	GeneralRPM     int
	TriggerRPM     int
}

// Server owns the handlers and middleware chain. Build it with New, mount
// Handler() on an http.Server.
type Server struct {
	st    store.Store
	sched *scheduler.Scheduler
	cache *cache.Cache
	inv   Invalidator
	mcp   http.Handler

	token   string
	prod    bool
	origins []string
	version string
	timeout time.Duration

	general *RateLimiter
	trigger *RateLimiter

	startedAt time.Time
	now       func() time.Time
}

// New builds the control plane over st and sched. sched may be nil in
// CLI-only constructions that just need the handlers for direct use.
func New(st store.Store, sched *scheduler.Scheduler, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.GeneralRPM == 0 {
		opts.GeneralRPM = DefaultGeneralRPM
	}
	if opts.TriggerRPM == 0 {
		opts.TriggerRPM = DefaultTriggerRPM
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Invalidator == nil && opts.Cache != nil {
		opts.Invalidator = opts.Cache
	}
	return &Server{
		st:        st,
		sched:     sched,
		cache:     opts.Cache,
		inv:       opts.Invalidator,
		mcp:       opts.MCP,
		token:     opts.Token,
		prod:      opts.Production,
		origins:   opts.AllowedOrigins,
		version:   opts.Version,
		timeout:   opts.RequestTimeout,
		general:   NewRateLimiter(opts.GeneralRPM, opts.GeneralRPM),
		trigger:   NewRateLimiter(opts.TriggerRPM, opts.TriggerRPM),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Close releases the rate limiter goroutines.
func (s *Server) Close() {
	s.general.Stop()
	s.trigger.Stop()
}

// Handler assembles the route table and middleware chain. The MCP mount
// skips the request timeout so its SSE streams stay open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/stats", s.handleStats)
	mux.HandleFunc("POST /jobs/validate-cron", s.handleValidateCron)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.Handle("POST /jobs/{id}/trigger", s.withRateLimit(s.trigger, http.HandlerFunc(s.handleTrigger)))
	mux.HandleFunc("GET /jobs/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("/", s.handleNotFound)

	rest := s.withTimeout(s.withRecovery(s.withAuth(s.withRateLimit(s.general, mux))))

	root := http.NewServeMux()
	if s.mcp != nil {
		mcp := s.withRecovery(s.withAuth(s.withRateLimit(s.general, s.mcp)))
		root.Handle("/mcp", mcp)
		root.Handle("/mcp/", mcp)
	}
	root.Handle("/", rest)

	return s.withLogging(s.withCORS(root))
}
