// Package api serves the read-only history projections and the threshold
// control endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/metrics"
	"whalewatch/internal/storage"
)

// ThresholdController is the registry surface used by the control endpoint.
type ThresholdController interface {
	Current() decimal.Decimal
	Update(ctx context.Context, value decimal.Decimal) error
}

// Options configures the HTTP server.
type Options struct {
	Address           string
	TradesLimit       int
	OpenInterestLimit int
	StaticDir         string
	ShutdownTimeout   time.Duration
	QueryTimeout      time.Duration
	// IngesterState reports the stream state on /healthz when set.
	IngesterState func() string
}

// Server hosts the gin router.
type Server struct {
	opts       Options
	trades     storage.TradeStore
	oi         storage.OpenInterestStore
	threshold  ThresholdController
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer builds the API server. Zero limits fall back to 2000 trades and
// 1440 open interest samples.
func NewServer(opts Options, trades storage.TradeStore, oi storage.OpenInterestStore, threshold ThresholdController, logger zerolog.Logger) *Server {
	if opts.Address == "" {
		opts.Address = ":3000"
	}
	if opts.TradesLimit <= 0 {
		opts.TradesLimit = 2000
	}
	if opts.OpenInterestLimit <= 0 {
		opts.OpenInterestLimit = 1440
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}

	return &Server{
		opts:      opts,
		trades:    trades,
		oi:        oi,
		threshold: threshold,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Address reports the listen address.
func (s *Server) Address() string {
	return s.opts.Address
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("address", s.opts.Address).Msg("api server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.logger.Info().Msg("api server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/trades", s.listTrades)
		api.GET("/open-interest", s.listOpenInterest)
		api.GET("/threshold", s.getThreshold)
		api.POST("/threshold", s.setThreshold)
	}

	if s.opts.StaticDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.opts.StaticDir))))
	}
	return router
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
