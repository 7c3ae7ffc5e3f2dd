// Package api exposes the admin HTTP surface: probes, metrics, lock and
// pending-work inspection, and webhook ingress onto the event feed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/threadlock/internal/auth"
	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/observability"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/reconcile"
	"github.com/danmuck/threadlock/internal/rollout"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName = "threadlock"
	version     = "0.1.0"

	maxIngressBody = 1 << 20
	shutdownGrace  = 5 * time.Second
)

var ErrNoPublisher = errors.New("api: event ingress disabled")

type Publisher interface {
	Publish(events ...platform.Event) error
}

type RevertLister interface {
	Pending() []reconcile.PendingRevert
}

type RolloutLister interface {
	Pending() []rollout.Step
}

type Config struct {
	Addr         string
	CORSOrigins  []string
	IngressToken string
}

// Deps are the components the routes read from. Publisher may be nil, in
// which case POST /events answers 503.
type Deps struct {
	Registry  *locks.Registry
	Reverts   RevertLister
	Rollouts  RolloutLister
	Publisher Publisher
	Ready     func() error
}

type Server struct {
	cfg     Config
	deps    Deps
	auth    auth.Validator
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/metrics", "/health", "/ready"))
	r.Use(observability.RequestMetricsMiddleware("/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		auth:    auth.ForToken(cfg.IngressToken),
		router:  r,
		started: time.Now(),
		log:     logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("api.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": serviceName,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		if s.deps.Ready != nil {
			if err := s.deps.Ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.started).String(),
			"service": serviceName,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/locks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"locks": s.listLocks()})
	})

	s.router.GET("/locks/:kind", func(c *gin.Context) {
		kind, err := locks.ParseKind(c.Param("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "locks": s.listLocks(kind)})
	})

	s.router.GET("/pending", func(c *gin.Context) {
		reverts := []reconcile.PendingRevert{}
		if s.deps.Reverts != nil {
			reverts = s.deps.Reverts.Pending()
		}
		rollouts := []rollout.Step{}
		if s.deps.Rollouts != nil {
			rollouts = s.deps.Rollouts.Pending()
		}
		c.JSON(http.StatusOK, gin.H{"reverts": reverts, "rollouts": rollouts})
	})

	s.router.POST("/events", s.ingest)
}

func (s *Server) listLocks(kinds ...locks.Kind) []locks.Lock {
	if s.deps.Registry == nil {
		return []locks.Lock{}
	}
	return s.deps.Registry.List(kinds...)
}

// ingest accepts one event object or an array of events and publishes them
// to the feed in body order.
func (s *Server) ingest(c *gin.Context) {
	if err := s.auth.Validate(auth.BearerToken(c.GetHeader("Authorization"))); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoPublisher.Error()})
		return
	}

	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Publisher.Publish(events...); err != nil {
		s.log.Error().Err(err).Int("events", len(events)).Msg("api.Server.ingest publish failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Set(observability.IngressEventsKey, len(events))
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(events)})
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIngressBody)
	body, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("api: read body: %w", err)
	}
	return body, nil
}

func decodeEvents(body []byte) ([]platform.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", platform.ErrInvalidEvent)
	}
	var events []platform.Event
	if body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", platform.ErrInvalidEvent, err)
		}
	} else {
		var evt platform.Event
		if err := json.Unmarshal(body, &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", platform.ErrInvalidEvent, err)
		}
		events = append(events, evt)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", platform.ErrInvalidEvent)
	}
	for i, evt := range events {
		if err := evt.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return events, nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
