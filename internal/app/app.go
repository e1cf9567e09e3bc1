// ABOUTME: Application orchestrator wiring state, routing, delivery, transport and the HTTP API
// ABOUTME: Owns the lifecycle of every long-running component and shuts them down in dependency order

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/2389/coven-desk/internal/api"
	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/chatbot"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/dedupe"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/state"
	"github.com/2389/coven-desk/internal/store"
	"github.com/2389/coven-desk/internal/transport"
)

// shutdownTimeout bounds draining queues on the way out.
const shutdownTimeout = 10 * time.Second

// State is the shared backend and locker routing state lives on.
type State struct {
	Backend state.Backend
	Locks   state.Locker
	redis   *redis.Client
}

// Close releases the backend connection, if any.
func (s *State) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

// OpenState connects the configured state backend.
func OpenState(ctx context.Context, cfg *config.Config) (*State, error) {
	switch cfg.State.Backend {
	case config.BackendRedis:
		client, err := state.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		return &State{
			Backend: state.NewRedisBackend(client, cfg.Redis.Prefix),
			Locks:   state.NewRedisLocker(client, cfg.Redis.Prefix+"lock:", cfg.State.LockTTL),
			redis:   client,
		}, nil
	case config.BackendMemory, "":
		return &State{
			Backend: state.NewMemoryBackend(),
			Locks:   state.NewLocalLocker(),
		}, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// App is one coven-desk node.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	state     *State
	db        *store.SQLiteStore
	recorder  *store.Recorder
	hub       *delivery.Hub
	fanout    *delivery.Fanout
	bridge    *chatbot.Bridge
	seen      *dedupe.Window
	engine    *routing.Engine
	scheduler *routing.Scheduler
	amqp      *transport.Client
	consumer  *transport.Consumer
	server    *api.Server
}

// New builds every component from cfg. Pass nil logger for default.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger.With("component", "app")}

	var err error
	if a.state, err = OpenState(ctx, cfg); err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}

	if a.db, err = store.NewSQLiteStore(cfg.Database.Path); err != nil {
		a.closeResources()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.recorder = store.NewRecorder(a.db, logger)

	reg := registry.New(a.state.Backend, a.state.Locks, logger)
	conversations := conversation.NewStore(a.state.Backend, a.state.Locks, a.recorder, logger)

	a.hub = delivery.NewHub(logger)
	endpoints := delivery.Multi{a.hub}
	if cfg.AMQP.Enabled {
		a.amqp, err = transport.Dial(ctx, transport.Config{
			URL:              cfg.AMQP.URL,
			InboundExchange:  cfg.AMQP.InboundExchange,
			OutboundExchange: cfg.AMQP.OutboundExchange,
			Queue:            cfg.AMQP.Queue,
			Prefetch:         cfg.AMQP.Prefetch,
		}, logger)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("connecting to broker: %w", err)
		}
		endpoints = append(endpoints, transport.NewPublisher(a.amqp, cfg.AMQP.AppID))
	}

	a.fanout = delivery.NewFanout(endpoints, delivery.Options{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		RetryBackoff:   cfg.Delivery.RetryBackoff,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		OnDrop:         a.recorder.RecordDrop,
	}, logger)

	opts := routing.Options{
		Journal:     a.recorder,
		LockTimeout: cfg.State.LockTimeout,
	}
	if cfg.Routing.DedupeWindow > 0 {
		a.seen = dedupe.New(cfg.Routing.DedupeWindow, cfg.Routing.DedupeSize)
		opts.Seen = a.seen
	}
	if cfg.Chatbot.Enabled {
		service := chatbot.NewHTTPClient(cfg.Chatbot.BaseURL, cfg.Chatbot.ClientID, cfg.Chatbot.Secret)
		a.bridge = chatbot.NewBridge(service, conversations, a.fanout, chatbot.Config{
			BotName: cfg.Chatbot.BotName,
			Timeout: cfg.Chatbot.Timeout,
		}, logger)
		opts.Chatbot = a.bridge
	}
	a.engine = routing.NewEngine(reg, conversations, a.state.Locks, a.fanout, opts, logger)

	if cfg.Routing.SweepSchedule != "" {
		a.scheduler, err = routing.NewScheduler(a.engine, cfg.Routing.SweepSchedule, cfg.Routing.MaxIdle, logger)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("scheduling idle sweep: %w", err)
		}
	}

	if a.amqp != nil {
		a.consumer = transport.NewConsumer(a.amqp, a.engine, logger)
	}

	apiCfg := api.Config{
		Addr:           cfg.Server.HTTPAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		ShutdownGrace:  cfg.Server.ShutdownGrace,
	}
	if cfg.Server.JWTSecret != "" {
		apiCfg.Verifier = auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret))
	}
	a.server = api.New(apiCfg, a.engine, a.hub, logger)

	a.logger.Info("node assembled",
		"state_backend", cfg.State.Backend,
		"amqp", cfg.AMQP.Enabled,
		"chatbot", cfg.Chatbot.Enabled,
		"auth", cfg.Server.JWTSecret != "",
		"sweep_schedule", cfg.Routing.SweepSchedule)
	return a, nil
}

// Engine exposes the routing engine.
func (a *App) Engine() *routing.Engine { return a.engine }

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- a.server.Run(runCtx) }()
	running := 1
	if a.consumer != nil {
		running++
		go func() { errCh <- a.consumer.Run(runCtx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("context canceled, initiating shutdown")
	case runErr = <-errCh:
		running--
		if runErr != nil {
			a.logger.Error("server error", "error", runErr)
		}
	}
	cancel()
	for ; running > 0; running-- {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("additional server error", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	shutdownErr := a.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// Shutdown drains queues and releases resources. Producers are stopped
// before the queues they feed.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	if a.scheduler != nil {
		errs = appendCloseError(errs, "sweep scheduler", a.scheduler.Stop(ctx))
	}
	if a.bridge != nil {
		errs = appendCloseError(errs, "chatbot bridge", a.bridge.Close(ctx))
	}
	errs = appendCloseError(errs, "fanout", a.fanout.Close(ctx))
	errs = appendCloseError(errs, "recorder", a.recorder.Close(ctx))
	a.hub.Close()

	errs = append(errs, a.closeResources()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeResources releases connections and files; safe on a partly built App.
func (a *App) closeResources() []error {
	var errs []error
	if a.seen != nil {
		a.seen.Close()
	}
	if a.amqp != nil {
		errs = appendCloseError(errs, "amqp", a.amqp.Close())
	}
	if a.db != nil {
		errs = appendCloseError(errs, "database", a.db.Close())
	}
	if a.state != nil {
		errs = appendCloseError(errs, "state backend", a.state.Close())
	}
	return errs
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
