package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/kafka"
	"github.com/ramiqadoumi/go-enrich-flow/internal/memory"
	"github.com/ramiqadoumi/go-enrich-flow/internal/postgres"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
	redisstore "github.com/ramiqadoumi/go-enrich-flow/internal/redis"
	"github.com/ramiqadoumi/go-enrich-flow/internal/source"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/retry"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-enrich-flow/services/enricher/config"
	"github.com/ramiqadoumi/go-enrich-flow/services/orchestrator"
	"github.com/ramiqadoumi/go-enrich-flow/services/scheduler"
)

const leaderKey = "enrichflow:scheduler:leader"

// pipeline is every backend and service the enricher runs with, wired from
// config.
type pipeline struct {
	queue   queue.Queue
	targets queue.Targets
	cache   cache.Store
	tracker quota.Tracker
	events  *kafka.Events

	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler

	pool     *pgxpool.Pool
	redis    *goredis.Client
	producer kafka.Producer

	ready []telemetry.ReadyFunc
}

func buildPipeline(ctx context.Context, cfg config.Config, instanceID string, logger *slog.Logger) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	var durable cache.Store
	switch cfg.Store {
	case config.BackendPostgres:
		if cfg.AutoMigrate {
			v, err := postgres.Migrate(cfg.PostgresDSN, postgres.Up, logger)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated", slog.Uint64("version", uint64(v)))
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p.pool, err = postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		p.queue = postgres.NewQueue(p.pool)
		p.targets = postgres.NewTargets(p.pool)
		durable = postgres.NewCache(p.pool)
		p.ready = append(p.ready, func(ctx context.Context) error { return p.pool.Ping(ctx) })
	default:
		store := memory.New()
		p.queue, p.targets, durable = store, store, store.CacheStore()
	}

	if cfg.NeedsRedis() {
		p.redis = redisstore.NewClient(cfg.RedisAddr)
		p.ready = append(p.ready, func(ctx context.Context) error { return p.redis.Ping(ctx).Err() })
	}

	p.cache = durable
	if cfg.HotCacheTTL > 0 {
		p.cache = cache.ReadThrough(durable, redisstore.NewEntryCache(p.redis, cfg.HotCacheTTL), logger)
	}

	limits := quota.LimitsFrom(cfg.Sources)
	if cfg.QuotaBackend == config.BackendRedis {
		p.tracker = redisstore.NewQuotaTracker(p.redis, limits)
	} else {
		p.tracker = quota.NewLocal(limits)
	}

	registry, err := source.Build(cfg.Sources, nil)
	if err != nil {
		return nil, fmt.Errorf("sources: %w", err)
	}

	p.producer = kafka.NewProducer(cfg.Brokers())
	p.events = kafka.NewEvents(p.producer)

	backoff := retry.Policy{BaseDelay: cfg.BackoffBase, MaxDelay: cfg.BackoffMax}
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = 30 * time.Second
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = time.Hour
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With(slog.String("component", "orchestrator"))),
		orchestrator.WithWorkerID(instanceID),
		orchestrator.WithNotifier(p.events),
		orchestrator.WithBackoff(backoff),
		orchestrator.WithConcurrency(cfg.Concurrency),
	}
	if cfg.DeferHorizon > 0 {
		orchOpts = append(orchOpts, orchestrator.WithDeferHorizon(cfg.DeferHorizon))
	}
	p.orchestrator = orchestrator.New(p.queue, p.targets, p.cache, registry, p.tracker, cfg.Sources, orchOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger.With(slog.String("component", "scheduler"))),
		scheduler.WithReporter(p.events),
		scheduler.WithMaxAttempts(cfg.MaxAttempts),
	}
	if p.redis != nil {
		schedOpts = append(schedOpts, scheduler.WithLeader(redisstore.NewLeader(p.redis, leaderKey, instanceID, 30*time.Second)))
	}
	p.scheduler, err = scheduler.New(p.queue, p.targets, p.orchestrator, cfg.Sources, cfg.Schedules, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return p, nil
}

// Close releases connections in reverse order of creation.
func (p *pipeline) Close() {
	if p.producer != nil {
		_ = p.producer.Close()
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
}
