// Package ccserver wires the seven core components into a runnable
// process: storage, host aggregator, node session manager, command
// router, and schedule worker behind a chi HTTP router, following the
// teacher's Server/setupRouter/Run/Shutdown shape.
package ccserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/auth"
	"github.com/wolfleet/wolfleet/internal/command"
	"github.com/wolfleet/wolfleet/internal/config"
	"github.com/wolfleet/wolfleet/internal/hostagg"
	"github.com/wolfleet/wolfleet/internal/metrics"
	"github.com/wolfleet/wolfleet/internal/nodesession"
	"github.com/wolfleet/wolfleet/internal/router"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// Server owns every component's lifetime and the HTTP listener that
// fronts them.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	db            *storage.DB
	hostAgg       *hostagg.Aggregator
	cmds          *command.Model
	sessions      *nodesession.Manager
	routes        *router.Router
	worker        *schedule.Worker
	metrics       *metrics.Metrics
	tokenIssuer   *auth.SessionTokenIssuer
	hostSchedules *schedule.HostModel

	httpRouter *chi.Mux
	httpServer *http.Server

	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc
}

// New constructs every component and wires them together. It opens
// and migrates storage but does not start background loops or the
// HTTP listener; call Start for that.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())

	db, err := storage.Open(backgroundCtx, cfg.DBType, cfg.DatabaseURL)
	if err != nil {
		backgroundCancel()
		return nil, fmt.Errorf("ccserver: open storage: %w", err)
	}
	if err := db.Migrate(backgroundCtx); err != nil {
		backgroundCancel()
		_ = db.Close()
		return nil, fmt.Errorf("ccserver: migrate storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hostAgg := hostagg.New(backgroundCtx, db, log)
	cmds := command.New(db)

	var issuer *auth.SessionTokenIssuer
	if len(cfg.WSSessionTokenSecrets) > 0 {
		issuer, err = auth.NewSessionTokenIssuer(cfg.WSSessionTokenSecrets, cfg.WSSessionTokenTTL)
		if err != nil {
			backgroundCancel()
			_ = db.Close()
			return nil, fmt.Errorf("ccserver: build session token issuer: %w", err)
		}
	}

	sessions := nodesession.New(db, hostAgg, log, nodesession.Config{
		StaticTokens:        cfg.NodeAuthTokens,
		SessionTokenIssuer:  issuer,
		RateLimitPerSecond:  cfg.WSMessageRateLimitPerSecond,
		HeartbeatIntervalMs: int(cfg.NodeHeartbeatInterval.Milliseconds()),
		NodeTimeout:         cfg.NodeTimeout,
	})
	sessions.SetMetrics(m)

	routes := router.New(cmds, hostAgg, sessions, log, cfg.CommandTimeout)
	routes.SetMetrics(m)
	sessions.SetResultHandler(routes)
	sessions.SetRegisterHook(routes)

	var worker *schedule.Worker
	if cfg.ScheduleWorkerEnabled {
		worker = schedule.NewWorker(
			schedule.NewHostModel(db),
			schedule.NewOwnedModel(db),
			routes,
			log,
			cfg.SchedulePollInterval,
			cfg.ScheduleBatchSize,
		)
		worker.SetMetrics(m)
	}

	s := &Server{
		cfg:              cfg,
		log:              log.With().Str("component", "ccserver").Logger(),
		db:               db,
		hostAgg:          hostAgg,
		cmds:             cmds,
		sessions:         sessions,
		routes:           routes,
		worker:           worker,
		metrics:          m,
		tokenIssuer:      issuer,
		hostSchedules:    schedule.NewHostModel(db),
		backgroundCtx:    backgroundCtx,
		backgroundCancel: backgroundCancel,
	}
	s.setupRouter(reg)
	return s, nil
}

// Start begins every background loop (heartbeat sweep, schedule
// worker) but does not block; call Run to serve HTTP.
func (s *Server) Start() {
	s.sessions.StartHeartbeatSweep(s.backgroundCtx, s.cfg.NodeHeartbeatInterval)
	if s.worker != nil {
		s.worker.Start(s.backgroundCtx)
	}
}

// Run starts the HTTP listener and blocks until it stops or errors.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.httpRouter,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting wolfleet core")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops background loops, then the HTTP listener, then
// storage — in that order so no component outlives a dependency it
// writes through.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	s.backgroundCancel()

	// Close every live node session with code 1000 before asking the
	// HTTP server to shut down: ServeWS's read loop only exits on a
	// read error, so an open session would otherwise hold its
	// handler goroutine open and block httpServer.Shutdown until ctx
	// expires.
	s.sessions.CloseAll(ctx)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("ccserver: shutdown http server: %w", err)
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("ccserver: close storage: %w", err)
	}
	return nil
}

func (s *Server) setupRouter(reg *prometheus.Registry) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/hosts", s.handleListHosts)
		r.Post("/hosts/{fqn}/wake", s.handleWakeHost)
		r.Post("/hosts/{fqn}/ping", s.handlePingHost)
		r.Post("/hosts/{fqn}/sleep", s.handleSleepHost)
		r.Post("/hosts/{fqn}/shutdown", s.handleShutdownHost)
		r.Delete("/hosts/{fqn}", s.handleDeleteHost)

		r.Get("/host-schedules", s.handleListHostSchedules)
		r.Post("/host-schedules", s.handleCreateHostSchedule)
		r.Delete("/host-schedules/{id}", s.handleDeleteHostSchedule)
	})

	s.httpRouter = r
}
