package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensourceagent/osa/internal/config"
	"github.com/opensourceagent/osa/internal/cron"
	"github.com/opensourceagent/osa/internal/heartbeat"
	"github.com/opensourceagent/osa/internal/httpapi"
	"github.com/opensourceagent/osa/internal/metrics"
	"github.com/opensourceagent/osa/internal/tracing"
)

func buildServeCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE/websocket server, scheduler, and heartbeat runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *debug)
		},
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	logger := configureLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr("osa serve: load config: %w", err)
	}

	shutdownTracing := tracing.Init()
	defer func() { _ = shutdownTracing(context.Background()) }()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var auth *httpapi.Authenticator
	if cfg.RequireAuth {
		secret := os.Getenv("OSA_HMAC_SECRET")
		if secret == "" {
			return configErr("osa serve: require_auth is set but OSA_HMAC_SECRET is empty")
		}
		auth = httpapi.NewAuthenticator(secret)
		defer auth.Stop()
	}

	server := httpapi.New(httpapi.Deps{
		Sessions:    rt.sessions,
		SessionLog:  rt.sessionLog,
		Bus:         rt.bus,
		Providers:   rt.providerReg,
		Swarm:       rt.swarmOrch,
		NoiseFilter: rt.noiseFilter,
		Triggers:    rt.triggers,
		Auth:        auth,
		Logger:      logger,
		Version:     version,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/websocket handlers stream indefinitely
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("osa serve: listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	if jobsFile := os.Getenv("OSA_CRON_JOBS_FILE"); jobsFile != "" {
		scheduler, err := cron.New(cron.Config{
			JobsFile:   jobsFile,
			Dispatcher: rt.dispatcher,
			Logger:     logger,
		})
		if err != nil {
			logger.Error("osa serve: cron scheduler not started", "error", err)
		} else {
			rt.scheduler = scheduler
			scheduler.Start(ctx)
			rt.onShutdown(scheduler.Stop)
		}
	}

	if checklist := os.Getenv("OSA_HEARTBEAT_CHECKLIST"); checklist != "" {
		runner := heartbeat.New(heartbeat.Config{
			ChecklistPath: checklist,
			SessionID:     "heartbeat",
			Dispatcher:    heartbeat.DispatcherFunc(rt.dispatcher.Dispatch),
			Logger:        logger,
		})
		rt.heartbeat = runner
		runner.Start(ctx)
		rt.onShutdown(runner.Stop)
	}

	go pollTaskQueueDepth(ctx, rt)

	select {
	case <-ctx.Done():
		logger.Info("osa serve: shutting down")
	case err := <-serveErrs:
		logger.Error("osa serve: listener failed", "error", err)
		return fmt.Errorf("osa serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// pollTaskQueueDepth mirrors the queue's in-memory cache depth into the
// osa_taskqueue_depth gauge every few seconds until ctx is cancelled.
func pollTaskQueueDepth(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for status, count := range rt.queue.Depth(ctx) {
				metrics.TaskQueueDepth.WithLabelValues(string(status)).Set(float64(count))
			}
		}
	}
}
