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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thebranchdriftcatalyst/robot-console/internal/console"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
	"github.com/thebranchdriftcatalyst/robot-console/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			logger := setupLogging(cfg.LogLevel)
			logger.Info().
				Str("version", version).
				Str("git_commit", gitCommit).
				Str("build_date", buildDate).
				Msg("Starting robot-console")

			logger.Info().
				Str("robot_host", cfg.RobotHost).
				Int("robot_port", cfg.RobotPort).
				Dur("poll_interval", cfg.PollInterval).
				Dur("save_debounce", cfg.SaveDebounce).
				Str("listen_addr", cfg.ListenAddr).
				Bool("telemetry", cfg.AMQPURL != "").
				Msg("Configuration loaded")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			return serve(ctx, cfg.ListenAddr, cfg.MetricsPort, cfg.HealthPort, session.OptionsFromConfig(cfg), telemetry.Config{
				URL:      cfg.AMQPURL,
				Exchange: cfg.AMQPExchange,
			}, logger)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Console listen address; overrides LISTEN_ADDR")
	return cmd
}

func serve(ctx context.Context, listenAddr string, metricsPort, healthPort int, opts session.Options, tcfg telemetry.Config, logger zerolog.Logger) error {
	sess := session.New(opts, logger)

	metricsServer := startMetricsServer(metricsPort, logger)
	defer shutdownServer(metricsServer, "Metrics", logger)

	healthServer := startHealthServer(healthPort, sess.Ready, logger)
	defer shutdownServer(healthServer, "Health", logger)

	sess.Start(ctx)
	defer func() {
		// Keep edits typed in the last debounce window
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := sess.FlushScript(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush pending script edit")
		}
		sess.Close()
	}()

	if tcfg.URL != "" {
		pub := telemetry.NewPublisher(tcfg, logger)
		defer pub.Close()
		go func() {
			if err := pub.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("Telemetry disabled, RabbitMQ unreachable")
				return
			}
			telemetry.Run(ctx, sess, pub, logger)
		}()
	}

	srv := console.NewServer(sess, logger)
	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		srv.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("Starting console server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	metrics.HealthStatus.Set(1)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		metrics.HealthStatus.Set(0)
		runErr = fmt.Errorf("console server: %w", err)
		logger.Error().Err(err).Msg("Console server error")
	}

	shutdownServer(httpServer, "Console", logger)
	<-consoleDone

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func shutdownServer(server *http.Server, name string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msgf("%s server shutdown error", name)
	}
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(port int, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return server
}

// startHealthServer starts the health check HTTP server
func startHealthServer(port int, ready func() bool, logger zerolog.Logger) *http.Server {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      healthHandler(ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("Starting health server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Health server error")
		}
	}()

	return server
}

func healthHandler(ready func() bool) http.Handler {
	mux := http.NewServeMux()

	// Liveness probe - always returns 200 if server is running
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Readiness probe - 503 until the robot has answered a status poll
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("robot not reachable yet"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return mux
}
