package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/config"
	"aicpusched/internal/httpapi"
	"aicpusched/internal/manager"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(defaultLogWriter(), cfg.LogLevel, opts.logFormat))
		},
	}
}

// queueDriver builds the configured queue backend. The returned close func
// releases backend connections.
func queueDriver(cfg config.Config) (queue.Driver, func() error, error) {
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return queue.NewRedisDriver(client, cfg.RedisPrefix, int64(cfg.QueueDepth)), client.Close, nil
	default:
		return queue.NewMemoryDriver(cfg.QueueDepth), func() error { return nil }, nil
	}
}

// managerConfig maps daemon settings onto the scheduler.
func managerConfig(cfg config.Config, q queue.Driver, log *zerolog.Logger) manager.Config {
	return manager.Config{
		Queues:            q,
		Pools:             bufpool.NewRegistry(),
		Logger:            log,
		AsyncWorkers:      cfg.AsyncWorkers,
		AsyncQueueDepth:   cfg.AsyncQueueDepth,
		GatherCacheNum:    cfg.GatherCacheNum,
		GatherTimeoutMs:   cfg.GatherTimeoutMs,
		DispatchWorkers:   cfg.DispatchWorkers,
		InputPollInterval: time.Duration(cfg.InputPollMs) * time.Millisecond,
		HostPoolBlocks:    cfg.HostPoolBlocks,
		HostPoolBlockSize: uint64(cfg.HostPoolBlockSize),
		HasThread:         cfg.HasThread,
		Flags: model.Flags{
			AbnormalBreak:   cfg.AbnormalBreak,
			AbnormalEnqueue: cfg.AbnormalEnqueue,
			AbnormalEnabled: cfg.AbnormalEnabled,
		},
	}
}

// configureHTTP applies the HTTP layer settings.
func configureHTTP(cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
}

// serve runs until ctx is done, then shuts the listener down before
// closing the scheduler.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	q, closeQueues, err := queueDriver(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeQueues(); err != nil {
			log.Warn().Err(err).Msg("close queue backend")
		}
	}()

	mlog := log.With().Str("component", "scheduler").Logger()
	mgr := manager.NewWithConfig(managerConfig(cfg, q, &mlog))

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	configureHTTP(cfg, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("queue_backend", cfg.QueueBackend).Msg("aicpusd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	cancelBase()
	if err := mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("scheduler close")
	}
	return serveErr
}
