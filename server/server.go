package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/health"
	"github.com/opszero/hive/pkg/reconciler"
)

// limiterIdle is how long an agent's token bucket survives without traffic.
const limiterIdle = 10 * time.Minute

type Server struct {
	cfg          *config.ServerConfig
	svc          *dispatch.Service
	health       *health.Checker
	reconcilers  *reconciler.Set
	limiterPrune *reconciler.Runner
	limiter      *RateLimiter
	metrics      http.Handler
	log          zerolog.Logger
}

func newServer(cfg *config.ServerConfig, svc *dispatch.Service, checker *health.Checker, set *reconciler.Set, metrics http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		svc:         svc,
		health:      checker,
		reconcilers: set,
		limiter:     NewRateLimiter(cfg.RateLimit.AgentRPS, cfg.RateLimit.AgentBurst),
		metrics:     metrics,
		log:         logger.With().Str("component", "http").Logger(),
	}
	s.limiterPrune = reconciler.NewRunner("rate_limiter_prune", limiterIdle,
		func(ctx context.Context, now time.Time) (int64, error) {
			return int64(s.limiter.Prune(limiterIdle)), nil
		},
		reconciler.Options{Logger: logger},
	)
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		s.log.Warn().Err(err).Msg("ignoring invalid trusted proxies")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(withRequestContext(s.log))

	s.registerAgentRoutes(r)
	s.registerOperatorRoutes(r)

	r.GET("/v1/health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		r.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics))
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// run serves HTTP and the reconcilers until ctx is cancelled, then drains
// in-flight requests and stops the loops.
func (s *Server) run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.reconcilers.Start(ctx); err != nil {
		return err
	}
	defer s.reconcilers.Stop()
	if err := s.limiterPrune.Start(ctx); err != nil {
		return err
	}
	defer s.limiterPrune.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Server.Listen).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
