package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/crosslink/internal/hostmetrics"
	"github.com/ramiqadoumi/crosslink/internal/hub"
	"github.com/ramiqadoumi/crosslink/internal/kafka"
	"github.com/ramiqadoumi/crosslink/internal/notify"
	"github.com/ramiqadoumi/crosslink/internal/queue"
	redisstore "github.com/ramiqadoumi/crosslink/internal/redis"
	"github.com/ramiqadoumi/crosslink/internal/stats"
	"github.com/ramiqadoumi/crosslink/pkg/telemetry"
	"github.com/ramiqadoumi/crosslink/services/crosslink/config"
	"github.com/ramiqadoumi/crosslink/services/crosslink/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8888", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("notify-url", "", "URL that receives task lifecycle events as JSON; empty disables")
	serveCmd.Flags().Int("submit-rate-limit", 0, "max task submissions per machine per window, enforced in Redis; 0 disables")
	serveCmd.Flags().Duration("submit-rate-window", time.Minute, "window for --submit-rate-limit")
	serveCmd.Flags().String("local-role", "linux", "role of this machine: linux | windows")
	serveCmd.Flags().String("local-ip", "192.168.50.2", "IP address reported for this machine")
	serveCmd.Flags().String("disk-path", "/", "mount whose usage is reported for this machine")
	serveCmd.Flags().String("remote-hostname", "Windows PC", "hostname reported for the other machine when its payload has none")
	serveCmd.Flags().String("remote-os", "Windows 11", "OS reported for the other machine")
	serveCmd.Flags().String("remote-ip", "192.168.50.1", "IP address reported for the other machine")
	serveCmd.Flags().String("broadcast-schedule", hub.DefaultSchedule, "per-subscriber refresh cadence (cron expression or @every)")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("notify_url", serveCmd.Flags(), "notify-url")
	bindFlag("submit_rate_limit", serveCmd.Flags(), "submit-rate-limit")
	bindFlag("submit_rate_window", serveCmd.Flags(), "submit-rate-window")
	bindFlag("local_role", serveCmd.Flags(), "local-role")
	bindFlag("local_ip", serveCmd.Flags(), "local-ip")
	bindFlag("disk_path", serveCmd.Flags(), "disk-path")
	bindFlag("remote_hostname", serveCmd.Flags(), "remote-hostname")
	bindFlag("remote_os", serveCmd.Flags(), "remote-os")
	bindFlag("remote_ip", serveCmd.Flags(), "remote-ip")
	bindFlag("broadcast_schedule", serveCmd.Flags(), "broadcast-schedule")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "crosslink")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	shutdownTracer, err := telemetry.InitTracer(runCtx, "crosslink", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	local, remotes, err := cfg.Identities()
	if err != nil {
		return fmt.Errorf("local_role: %w", err)
	}
	schedule, err := hub.ParseSchedule(cfg.BroadcastSchedule)
	if err != nil {
		return err
	}

	store, err := openStore(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	defer func() { _ = store.Close() }()

	opts := []queue.Option{queue.WithLogger(logger)}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		sink := kafka.NewEventSink(kafka.NewProducer(brokers), cfg.EventsTopic)
		defer func() { _ = sink.Close() }()
		opts = append(opts, queue.WithSinks(sink))
		logger.Info("task events to kafka", slog.String("topic", cfg.EventsTopic))
	}
	if cfg.NotifyURL != "" {
		opts = append(opts, queue.WithSinks(notify.NewWebhookSink(cfg.NotifyURL)))
		logger.Info("task events to webhook", slog.String("url", cfg.NotifyURL))
	}
	if cfg.SubmitRateLimit > 0 {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		opts = append(opts, queue.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.SubmitRateLimit, cfg.SubmitRateWindow)))
		logger.Info("submission rate limit enabled",
			slog.Int("limit", cfg.SubmitRateLimit),
			slog.Duration("window", cfg.SubmitRateWindow),
		)
	}
	q := queue.New(store, opts...)

	sampler := hostmetrics.NewSampler(hostmetrics.Config{DiskPath: cfg.DiskPath})
	collector := stats.NewCollector(stats.NewStore(), sampler, local, remotes,
		stats.WithCollectorLogger(logger))
	broadcastHub := hub.New(collector, hub.WithLogger(logger), hub.WithSchedule(schedule))

	rest := handler.NewREST(q, collector, broadcastHub, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, broadcastHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, nil, logger)

	go func() {
		logger.Info("crosslink HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("local_role", string(local.Role)),
			slog.String("store_backend", cfg.StoreBackend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	broadcastHub.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	q.Wait()
	logger.Info("stopped")
	return nil
}
