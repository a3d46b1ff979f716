package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/arclight-ai/arclight/internal/backend"
	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/config"
	"github.com/arclight-ai/arclight/internal/contextfilter"
	"github.com/arclight-ai/arclight/internal/engine"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/prompt"
	"github.com/arclight-ai/arclight/internal/server"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("ARCLIGHT_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	st, err := buildStore(cfg, metrics)
	if err != nil {
		return err
	}
	defer st.Close()

	eventTTL := time.Duration(cfg.Engine.EventTTLSeconds) * time.Second
	broadcaster, err := buildBroadcaster(ctx, cfg, eventTTL)
	if err != nil {
		return err
	}
	defer broadcaster.Close()

	registry := backend.NewRegistry(cfg.Backends)
	toolRegistry, err := tools.NewDefaultRegistry(log, metrics)
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	filter := contextfilter.New(log, metrics, nil, cfg.Engine.TokenSafetyMargin)
	turnTimeout := time.Duration(cfg.Engine.TurnTimeoutSeconds) * time.Second
	processor := engine.NewProcessor(
		st,
		registry,
		engine.NewDispatcher(toolRegistry),
		prompt.NewAssembler(),
		filter,
		broadcaster,
		log,
		metrics,
		engine.Config{
			TurnTimeout:             turnTimeout,
			DefaultMaxTurns:         cfg.Engine.DefaultMaxTurns,
			DefaultContextThreshold: cfg.Engine.DefaultContextThreshold,
			SummaryPrompt:           cfg.Engine.SummaryPrompt,
		},
	)

	queue := engine.NewQueue(cfg.Engine.Workers, processor.Process)
	processor.SetEnqueue(queue.Enqueue)
	queue.Start()
	defer queue.Stop()

	service := engine.NewService(st, broadcaster, queue.Enqueue, log, metrics)

	janitor := engine.NewJanitor(st, broadcaster, log, turnTimeout+5*time.Minute)
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() { janitor.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(service, st, broadcaster, log, metrics).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info(ctx, "server started", "addr", addr, "store", cfg.Store.Driver, "workers", cfg.Engine.Workers)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", "error", err.Error())
	}
	return nil
}

func buildStore(cfg *config.Config, metrics *observability.Metrics) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Store.Path, metrics)
	}
}

func buildBroadcaster(ctx context.Context, cfg *config.Config, ttl time.Duration) (broadcast.Broadcaster, error) {
	if !cfg.Redis.Enabled {
		return broadcast.NewMemoryBroadcaster(ttl), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return broadcast.NewRedisBroadcaster(client, ttl), nil
}
