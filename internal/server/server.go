package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/warelay/internal/api/v1"
	"github.com/gosuda/warelay/internal/api/ws"
	"github.com/gosuda/warelay/internal/auth"
	"github.com/gosuda/warelay/internal/config"
	"github.com/gosuda/warelay/internal/messenger"
	wslack "github.com/gosuda/warelay/internal/messenger/slack"
	"github.com/gosuda/warelay/internal/metrics"
	"github.com/gosuda/warelay/internal/server/middleware"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PubSub is the Redis pub/sub surface used for reply streaming and health.
type PubSub interface {
	ws.Subscriber
	Pinger
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Replier v1.Replier
	Catalog v1.AgentCatalog
	// PubSub is nil when Redis is not configured.
	PubSub PubSub
	// SlackAPI overrides the Slack Web API client built from the bot token.
	SlackAPI wslack.SlackAPI
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	slackHandler *wslack.Handler // nil when Slack is not configured
	deps         Deps
	cfg          *config.Config
}

// New creates a Server with all routes wired. ctx bounds the background
// cleanup of rate limiter state.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger)
	router.Use(chimw.Recoverer)
	router.Use(metrics.Middleware)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		deps:   deps,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	secured := func(r chi.Router, roles ...string) {
		if cfg.Auth.Secret == "" {
			return
		}
		r.Use(middleware.Auth(cfg.Auth.Secret))
		r.Use(middleware.RequireRole(roles...))
		r.Use(middleware.RateLimitBySubject(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	// Mount API routes on /api/v1 with two sub-groups:
	// 1. Prompt and session routes for operators.
	// 2. Read-only routes for every authenticated caller.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))

		r.Group(func(r chi.Router) {
			secured(r, auth.RoleAdmin, auth.RoleOperator)

			apiConfig := huma.DefaultConfig("warelay API", "1.0.0")
			apiConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			api := humachi.New(r, apiConfig)
			registerPromptRoutes(api, deps.Replier)
		})

		r.Group(func(r chi.Router) {
			secured(r, auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer)

			readConfig := huma.DefaultConfig("warelay API", "1.0.0")
			readConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			// The first group already serves the OpenAPI document and docs.
			readConfig.OpenAPIPath = ""
			readConfig.DocsPath = ""
			readConfig.SchemasPath = ""
			api := humachi.New(r, readConfig)
			registerReadRoutes(api, deps.Catalog, deps.Replier)
		})
	})

	// WebSocket routes: reply events need Redis pub/sub.
	router.Route("/ws", func(r chi.Router) {
		secured(r, auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer)
		if deps.PubSub != nil {
			registerWSRoutes(r, ws.NewHub(deps.PubSub, originHosts(cfg.Server.CORSOrigins)...))
		} else {
			r.Get("/replies", notImplemented)
		}
	})

	// Slack webhook routes: real handler if configured, 501 placeholder otherwise.
	router.Route("/slack", func(r chi.Router) {
		s.slackHandler = s.buildSlackHandler(cfg, deps)
		if s.slackHandler != nil {
			registerSlackRoutes(r, s.slackHandler)
		} else {
			r.Post("/events", notImplemented)
		}
	})

	router.Get("/healthz", s.healthz)
	router.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildSlackHandler creates the Slack handler stack when Slack is configured.
// Returns nil if the bot token or signing secret is not set.
func (s *Server) buildSlackHandler(cfg *config.Config, deps Deps) *wslack.Handler {
	if !cfg.Slack.Enabled() {
		return nil
	}

	api := deps.SlackAPI
	if api == nil {
		api = wslack.NewClient(cfg.Slack.BotToken)
	}
	slackMessenger := wslack.NewSlackMessenger(api)

	msgRouter := messenger.NewRouter(
		deps.Replier,
		slackMessenger,
		messenger.WithChunkLimit(cfg.Relay.ChunkLimit),
	)

	handler := wslack.NewHandler(
		cfg.Slack.SigningSecret,
		msgRouter,
		wslack.WithBotUserID(cfg.Slack.BotUserID),
		wslack.WithDispatchTimeout(cfg.Agent.Timeout+time.Minute),
	)

	log.Info().Msg("server: Slack integration enabled")

	return handler
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{
		"status": "ok",
		"agent":  string(s.deps.Replier.Agent()),
	}

	if s.deps.PubSub != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.PubSub.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["redis"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.cfg.Server.Addr).Msg("server: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and waits for dispatched Slack
// messages to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}

	if s.slackHandler != nil {
		done := make(chan struct{})
		go func() {
			s.slackHandler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("server.Shutdown: slack dispatch: %w", ctx.Err())
		}
	}
	return nil
}

func notImplemented(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

// requestLogger logs one line per request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("server: request")
	})
}

// originHosts strips the scheme from CORS origins for WebSocket origin checks.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if rest, ok := strings.CutPrefix(o, "https://"); ok {
			o = rest
		} else if rest, ok := strings.CutPrefix(o, "http://"); ok {
			o = rest
		}
		hosts = append(hosts, o)
	}
	return hosts
}
