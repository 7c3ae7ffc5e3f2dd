// Package service wires the lock registry, command gate, rollout scheduler,
// reconciliation engine and event router into one process lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/threadlock/internal/api"
	"github.com/danmuck/threadlock/internal/feed"
	"github.com/danmuck/threadlock/internal/gate"
	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/logging"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/reconcile"
	"github.com/danmuck/threadlock/internal/rollout"
	"github.com/danmuck/threadlock/internal/router"
	"github.com/danmuck/threadlock/internal/timers"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("service: invalid heartbeat interval")
	ErrUnknownStoreBackend      = errors.New("service: unknown store backend")
	ErrNotReady                 = errors.New("service: feed not subscribed")
)

type StoreBackend string

const (
	StoreFile   StoreBackend = "file"
	StoreSQLite StoreBackend = "sqlite"
)

// ServiceConfig configures the daemon.
type ServiceConfig struct {
	Gate              gate.Config
	ListenAddr        string
	CORSOrigins       []string
	IngressToken      string
	StoreBackend      StoreBackend
	StoreDir          string
	SQLitePath        string
	Feed              feed.Config
	PlatformURL       string
	PlatformToken     string
	RemoteTimeout     time.Duration
	Rollout           rollout.Config
	Reconcile         reconcile.Config
	HeartbeatInterval time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Gate:              gate.Config{Prefix: "!"},
		ListenAddr:        "127.0.0.1:7080",
		StoreBackend:      StoreFile,
		StoreDir:          ".",
		SQLitePath:        filepath.Join(".", "threadlock.db"),
		Feed:              feed.DefaultConfig(),
		RemoteTimeout:     platform.DefaultCallTimeout,
		Rollout:           rollout.DefaultConfig(),
		Reconcile:         reconcile.DefaultConfig(),
		HeartbeatInterval: 30 * time.Second,
	}
}

// Service runs the daemon lifecycle.
type Service struct {
	cfg    ServiceConfig
	log    zerolog.Logger
	clock  timers.Clock
	client platform.Client

	store     locks.Store
	registry  *locks.Registry
	bus       *feed.Bus
	scheduler *rollout.Scheduler
	engine    *reconcile.Engine
	gate      *gate.Gate
	router    *router.Router
	api       *api.Server

	ready atomic.Bool
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	return &Service{
		cfg:   cfg,
		log:   logging.Component("service"),
		clock: timers.RealClock{},
	}
}

// WithClient replaces the HTTP gateway client. The call timeout still
// applies.
func (s *Service) WithClient(c platform.Client) *Service {
	s.client = c
	return s
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx ends.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		s.shutdown()
		return err
	}
	return s.serve(ctx)
}

// Ready reports whether the router holds a live feed subscription.
func (s *Service) Ready() error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

func (s *Service) Registry() *locks.Registry { return s.registry }

// Publish injects events into the feed.
func (s *Service) Publish(events ...platform.Event) error {
	if s.bus == nil {
		return ErrNotReady
	}
	return s.bus.Publish(events...)
}

func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if err := s.cfg.Gate.Validate(); err != nil {
		return err
	}

	store, err := OpenStore(s.cfg)
	if err != nil {
		return err
	}
	s.store = store

	registry, loadErrs := locks.Open(store)
	for _, le := range loadErrs {
		s.log.Warn().
			Err(le.Err).
			Str("kind", string(le.Kind)).
			Msg("service.Service.bootstrap lock load failed, starting empty")
	}
	s.registry = registry

	client := s.client
	if client == nil {
		httpClient, err := platform.NewHTTPClient(s.cfg.PlatformURL, s.cfg.PlatformToken, &http.Client{})
		if err != nil {
			return err
		}
		client = httpClient
	}
	client = platform.WithTimeout(client, s.cfg.RemoteTimeout)

	bus, err := feed.Open(s.cfg.Feed, logging.NewWatermillAdapter(logging.Component("feed")))
	if err != nil {
		return err
	}
	s.bus = bus

	s.scheduler = rollout.NewScheduler(s.cfg.Rollout, client, s.clock, logging.Component("rollout"))
	s.engine = reconcile.NewEngine(s.cfg.Reconcile, registry, client, s.clock, logging.Component("reconcile"))
	g, err := gate.New(s.cfg.Gate, registry, client, s.scheduler, logging.Component("gate"))
	if err != nil {
		return err
	}
	s.gate = g
	s.router = router.New(g, s.engine, logging.Component("router")).
		OnSubscribe(func() { s.ready.Store(true) })

	if strings.TrimSpace(s.cfg.ListenAddr) != "" {
		s.api = api.New(api.Config{
			Addr:         s.cfg.ListenAddr,
			CORSOrigins:  s.cfg.CORSOrigins,
			IngressToken: s.cfg.IngressToken,
		}, api.Deps{
			Registry:  registry,
			Reverts:   s.engine,
			Rollouts:  s.scheduler,
			Publisher: bus,
			Ready:     s.Ready,
		}, logging.Component("api"))
	}

	counts := make(map[string]int)
	for _, kind := range locks.Kinds() {
		counts[string(kind)] = len(registry.Snapshot(kind))
	}
	s.log.Info().
		Str("store", string(s.cfg.StoreBackend)).
		Str("feed", string(bus.Backend())).
		Str("topic", bus.Topic()).
		Interface("locks", counts).
		Msg("service.Service.bootstrap ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer s.shutdown()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer wg.Wait()
	defer cancel()

	routerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		routerErr <- s.router.Run(ctx, s.bus)
	}()
	apiErr := make(chan error, 1)
	if s.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			apiErr <- s.api.Serve(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("service.Service.serve shutdown")
			return nil
		case err := <-routerErr:
			if err != nil {
				return fmt.Errorf("service: router: %w", err)
			}
			return nil
		case err := <-apiErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			s.log.Debug().
				Bool("ready", s.ready.Load()).
				Int("pending_reverts", len(s.engine.Pending())).
				Int("pending_rollouts", len(s.scheduler.Pending())).
				Msg("service.Service.serve heartbeat")
		}
	}
}

func (s *Service) shutdown() {
	s.ready.Store(false)
	if s.gate != nil {
		s.gate.Wait()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn().Err(err).Msg("service.Service.shutdown feed close failed")
		}
	}
	if closer, ok := s.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("service.Service.shutdown store close failed")
		}
	}
}

// OpenStore builds the configured lock store.
func OpenStore(cfg ServiceConfig) (locks.Store, error) {
	switch cfg.StoreBackend {
	case StoreFile, "":
		return locks.NewFileStore(cfg.StoreDir), nil
	case StoreSQLite:
		store, err := locks.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, cfg.StoreBackend)
	}
}
