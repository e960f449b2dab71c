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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-enrich-flow/internal/kafka"
	"github.com/ramiqadoumi/go-enrich-flow/internal/version"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/retry"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-enrich-flow/services/api"
	"github.com/ramiqadoumi/go-enrich-flow/services/api/handler"
	"github.com/ramiqadoumi/go-enrich-flow/services/enricher/config"
)

const requestsGroup = "enricher-requests"

// resubscribeBackoff paces consumer restarts after a request kept failing.
var resubscribeBackoff = retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: time.Minute}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, orchestrator and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP API listen port")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Bool("migrate", false, "apply database migrations before starting")
	serveCmd.Flags().Int("concurrency", 4, "maximum tasks fetched in parallel")
	serveCmd.Flags().Int("max-attempts", 3, "attempts per task before it fails")
	serveCmd.Flags().Duration("defer-horizon", time.Minute, "how far ahead a drain waits for deferred tasks")
	serveCmd.Flags().Duration("drain-interval", time.Minute, "how often queued refreshes are drained between scheduled runs")
	serveCmd.Flags().Duration("stale-after", 15*time.Minute, "in_progress tasks older than this are released on startup")
	serveCmd.Flags().Duration("hot-cache-ttl", 0, "Redis read-through cache TTL; 0 disables")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("migrate", serveCmd.Flags(), "migrate")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("max_attempts", serveCmd.Flags(), "max-attempts")
	bindFlag("defer_horizon", serveCmd.Flags(), "defer-horizon")
	bindFlag("drain_interval", serveCmd.Flags(), "drain-interval")
	bindFlag("stale_after", serveCmd.Flags(), "stale-after")
	bindFlag("hot_cache_ttl", serveCmd.Flags(), "hot-cache-ttl")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	instanceID := "enricher-" + uuid.New().String()[:8]
	logger := buildLogger(os.Stdout, cfg.LogLevel, "enricher").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "enricher", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	p, err := buildPipeline(context.Background(), cfg, instanceID, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.StaleAfter > 0 {
		n, err := p.queue.ReleaseStale(context.Background(), time.Now().Add(-cfg.StaleAfter))
		if err != nil {
			return fmt.Errorf("release stale tasks: %w", err)
		}
		if n > 0 {
			logger.Warn("released stale in-progress tasks", slog.Int("count", n))
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down, draining in-flight tasks...")
			runCancel()
		case <-runCtx.Done():
		}
	}()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, p.ready...)

	rest := handler.NewREST(runCtx, p.cache, p.scheduler, p.queue, p.tracker, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(rest, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		logger.Info("HTTP server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error { return p.scheduler.Start(gctx) })
	g.Go(func() error { return drainLoop(gctx, p, cfg.DrainInterval, logger) })

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		g.Go(func() error {
			consumeRequests(gctx, func() kafka.Consumer {
				return kafka.NewConsumer(brokers, kafka.TopicRequests, requestsGroup, logger)
			}, p.scheduler.HandleRequest, logger)
			return nil
		})
	}

	logger.Info("enricher starting",
		slog.String("version", version.Short()),
		slog.String("store", cfg.Store),
		slog.String("quota_backend", cfg.QuotaBackend),
		slog.Int("sources", len(cfg.Sources)),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	err = g.Wait()
	rest.Wait()
	if err != nil {
		return err
	}
	logger.Info("stopped cleanly")
	return nil
}

// drainLoop processes tasks enqueued outside scheduled runs, such as
// refreshes from mark-used and deferred tasks that became due. It goes
// through the scheduler so it never races a batch run for its tasks.
func drainLoop(ctx context.Context, p *pipeline, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := p.scheduler.DrainBacklog(ctx)
			if err != nil {
				logger.Error("background drain failed", slog.String("error", err.Error()))
				continue
			}
			if stats.Processed > 0 {
				logger.Info("background drain", slog.Int("processed", stats.Processed), slog.Int("succeeded", stats.Succeeded))
			}
		}
	}
}

// consumeRequests feeds on-demand requests to handler until ctx is
// cancelled. A consumer that stops on a failing request is closed and
// rebuilt, so the group resumes from that uncommitted request.
func consumeRequests(ctx context.Context, newConsumer func() kafka.Consumer, handler kafka.HandlerFunc, logger *slog.Logger) {
	for attempt := 1; ; attempt++ {
		consumer := newConsumer()
		err := consumer.Subscribe(ctx, handler)
		_ = consumer.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("request consumer stopped, resubscribing",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeBackoff.Backoff(attempt)):
		}
	}
}
