package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/internal/adapters/clickhouse"
	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/internal/adapters/database"
	"github.com/selivandex/coin-resolver/internal/adapters/exchange"
	auditAdapter "github.com/selivandex/coin-resolver/internal/adapters/metrics"
	"github.com/selivandex/coin-resolver/internal/adapters/price"
	redisAdapter "github.com/selivandex/coin-resolver/internal/adapters/redis"
	"github.com/selivandex/coin-resolver/internal/adapters/telegram"
	"github.com/selivandex/coin-resolver/internal/api"
	"github.com/selivandex/coin-resolver/internal/health"
	"github.com/selivandex/coin-resolver/internal/pricing"
	"github.com/selivandex/coin-resolver/internal/resolver"
	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/metrics"
	"github.com/selivandex/coin-resolver/pkg/models"
	"github.com/selivandex/coin-resolver/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// infra holds optional connections; nil fields are disabled features.
type infra struct {
	db       *database.DB
	redis    *redisAdapter.Client
	audit    *metrics.BufferedMetrics
	notifier *telegram.Notifier
	chDB     *sqlx.DB
}

func (in *infra) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if in.audit != nil {
		if err := in.audit.Close(ctx); err != nil {
			logger.Warn("audit buffer close failed", zap.Error(err))
		}
	}
	if in.chDB != nil {
		in.chDB.Close()
	}
	if in.notifier != nil {
		in.notifier.Close()
	}
	if in.redis != nil {
		in.redis.Close()
	}
	if in.db != nil {
		in.db.Close()
	}
}

// locker returns the redis locker, or a nil interface when redis is off.
func (in *infra) locker() resolver.Locker {
	if in.redis == nil {
		return nil
	}
	return in.redis
}

func (in *infra) quoteStore() pricing.QuoteStore {
	if in.redis == nil {
		return nil
	}
	return in.redis
}

func (in *infra) record(m metrics.Metric) {
	if in.audit == nil {
		return
	}
	if err := in.audit.Add(m); err != nil {
		logger.Debug("audit event dropped", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("coin resolver starting",
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("clickhouse", cfg.ClickHouse.Enabled),
		zap.Bool("fallback", cfg.Fallback.Enabled),
	)

	in, err := initInfrastructure(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.close()

	clk := clock.New()
	gecko := price.NewCoinGeckoClient(cfg.CoinGecko, cfg.Pricing.RequestTimeout, func(endpoint string, status int, took time.Duration) {
		metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	})

	// search and price calls share one provider budget
	breaker := initBreaker(cfg, in, clk)
	resolverSvc, failures := initResolver(cfg, in, resolver.NewGatedSearcher(gecko, breaker), clk)
	pricingSvc, stream := initPricing(ctx, cfg, in, gecko, breaker, clk)
	if stream != nil {
		defer stream.Close()
	}

	if cfg.Resolver.Warmup {
		if err := resolverSvc.Warmup(ctx, in.locker()); err != nil {
			logger.Warn("warmup failed", zap.Error(err))
		}
	}

	group := initWorkers(ctx, cfg, in, resolverSvc, pricingSvc, failures, clk)
	group.Start()

	checks := []health.Check{{Name: "database", Probe: in.db.Health, Critical: true}}
	if in.redis != nil {
		checks = append(checks, health.Check{Name: "redis", Probe: in.redis.Health})
	}
	if stream != nil {
		checks = append(checks, health.Check{Name: "fallback_stream", Probe: func() error {
			if !stream.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	server := health.NewServer(fmt.Sprintf(":%d", cfg.HTTP.Port), checks...)
	server.Handle("/v1/", api.NewHandler(resolverSvc, resolverSvc.Smart(), pricingSvc, cfg.HTTP.AdminToken))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	server.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	server.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("http server shutdown failed", zap.Error(stopErr))
	}
	group.Stop(shutdownTimeout)

	logger.Info("coin resolver stopped")
	return err
}

// initInfrastructure connects the store and the optional redis, ClickHouse
// and Telegram integrations. Optional ones log and continue when unavailable.
func initInfrastructure(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	in.db = db

	if cfg.Database.MigrationsAuto {
		if err := db.RunMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		client, err := redisAdapter.New(&cfg.Redis)
		if err != nil {
			logger.Warn("redis not available, running without shared cache and locks", zap.Error(err))
		} else {
			in.redis = client
		}
	}

	if cfg.ClickHouse.Enabled {
		chDB, err := clickhouse.Connect(ctx, &cfg.ClickHouse)
		if err == nil {
			err = clickhouse.EnsureSchema(ctx, chDB)
			if err != nil {
				chDB.Close()
			}
		}
		if err != nil {
			logger.Warn("ClickHouse not available, audit events disabled", zap.Error(err))
		} else {
			in.chDB = chDB
			in.audit = metrics.NewBufferedMetrics(metrics.BufferConfig{
				Writer:        auditAdapter.NewWriter(auditAdapter.NewClickHouseRepository(chDB)),
				BatchSize:     cfg.ClickHouse.BatchSize,
				FlushInterval: cfg.ClickHouse.FlushInterval,
				MaxBufferSize: cfg.ClickHouse.BatchSize * 20,
			})
		}
	}

	if cfg.Telegram.Enabled {
		notifier, err := telegram.NewNotifier(&cfg.Telegram)
		if err != nil {
			logger.Warn("failed to initialize telegram notifier", zap.Error(err))
		} else {
			in.notifier = notifier
		}
	}

	return in, nil
}

func initResolver(cfg *config.Config, in *infra, searcher resolver.Searcher, clk clock.Clock) (*resolver.Service, *resolver.FailureTracker) {
	store := resolver.NewRepository(in.db.DB())
	failures := resolver.NewFailureTracker(store, clk, cfg.Resolver.BackoffBase, cfg.Resolver.BackoffCap)
	search := resolver.NewSearchResolver(searcher, cfg.Resolver.SearchLimit, cfg.Resolver.CleanBlockedIDs())

	hooks := resolver.Hooks{
		OnResolved: func(key string, res models.Resolution, took time.Duration) {
			metrics.Resolutions.WithLabelValues(string(res.Via), "resolved").Inc()
			metrics.ResolveLatency.WithLabelValues(string(res.Via)).Observe(took.Seconds())
			if res.Via != models.ViaCache {
				in.record(metrics.NewResolutionEvent(clk.Now(), key, res.ID, string(res.Via), "resolved", "", took))
			}
		},
		OnFailure: func(key string, reason models.FailureReason, err error) {
			metrics.ResolutionFailures.WithLabelValues(string(reason)).Inc()
			in.record(metrics.NewResolutionEvent(clk.Now(), key, "", string(models.ViaSearch), "failed", string(reason), 0))
		},
		OnBan: func(key, canonicalID, rule string) {
			metrics.AutoBans.WithLabelValues(rule).Inc()
			in.record(metrics.NewResolutionEvent(clk.Now(), key, canonicalID, string(models.ViaSearch), "banned", rule, 0))
			if in.notifier != nil {
				in.notifier.TickerBanned(key, canonicalID, rule)
			}
		},
	}

	smart := resolver.NewSmartResolver(store, search, failures, clk, resolver.SmartConfig{
		CacheSize:     cfg.Resolver.CacheSize,
		CacheTTL:      cfg.Resolver.CacheTTL,
		SearchTimeout: cfg.Resolver.SearchTimeout,
		DefaultChain:  cfg.Resolver.DefaultChain,
		Hooks:         hooks,
	})

	return resolver.NewService(resolver.NewCanonicalTable(nil), smart, cfg.Resolver.DefaultChain), failures
}

func initBreaker(cfg *config.Config, in *infra, clk clock.Clock) *pricing.CircuitBreaker {
	return pricing.NewCircuitBreaker(pricing.BreakerConfig{
		Cooldown:          cfg.Pricing.BreakerCooldown,
		RequestsPerMinute: cfg.Pricing.RequestsPerMin,
		ThrottleFraction:  cfg.Pricing.ThrottleFraction,
		OnStateChange: func(state pricing.BreakerState, reason string) {
			if state == pricing.StateCooldown {
				metrics.BreakerOpen.Set(1)
				metrics.BreakerTrips.Inc()
			} else {
				metrics.BreakerOpen.Set(0)
			}
			if in.notifier != nil {
				in.notifier.BreakerChanged(string(state), reason, cfg.Pricing.BreakerCooldown)
			}
		},
	}, clk)
}

func initPricing(ctx context.Context, cfg *config.Config, in *infra, upstream pricing.Upstream, breaker *pricing.CircuitBreaker, clk clock.Clock) (*pricing.Service, *exchange.BybitTickerStream) {
	quotes := pricing.NewQuoteCache(0, cfg.Pricing.FreshTTL, cfg.Pricing.StaleGrace, in.quoteStore(), clk)
	batcher := pricing.NewBatcher(upstream, quotes, breaker, clk, pricing.BatcherConfig{
		Window:         cfg.Pricing.BatchWindow,
		MaxBatchSize:   cfg.Pricing.MaxBatchSize,
		RequestTimeout: cfg.Pricing.RequestTimeout,
		OnUpstream: func(ids int, took time.Duration, err error) {
			result := "ok"
			event := &metrics.UpstreamCallEvent{Timestamp: clk.Now().UTC(), IDs: ids, TookMs: took.Milliseconds()}
			if err != nil {
				result = "error"
				if pricing.IsRateLimited(err) {
					result = "rate_limited"
				}
				event.Error = err.Error()
			}
			metrics.UpstreamCalls.WithLabelValues(result).Inc()
			metrics.UpstreamLatency.Observe(took.Seconds())
			metrics.BatchSize.Observe(float64(ids))
			in.record(event)
		},
	})

	if !cfg.Fallback.Enabled {
		return pricing.NewService(batcher, breaker, nil), nil
	}

	stream := exchange.NewBybitTickerStream(cfg.Fallback.StreamURL, fallbackSymbols(pricing.DefaultFallbackSymbols))
	stream.Start(ctx)

	var snapshot pricing.SnapshotSource
	if cfg.Fallback.RESTEnabled {
		snapshot = exchange.NewBybitSnapshot()
	}

	fallback := pricing.NewFallback(stream, snapshot, clk, pricing.FallbackConfig{
		Symbols:    pricing.DefaultFallbackSymbols,
		MaxTickAge: cfg.Fallback.MaxTickAge,
	})

	return pricing.NewService(batcher, breaker, fallback), stream
}

func fallbackSymbols(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func initWorkers(
	ctx context.Context,
	cfg *config.Config,
	in *infra,
	resolverSvc *resolver.Service,
	pricingSvc *pricing.Service,
	failures *resolver.FailureTracker,
	clk clock.Clock,
) *worker.Group {
	group := worker.NewGroup(ctx, clk)
	smart := resolverSvc.Smart()

	group.Add(resolver.NewHitFlusher(smart.Hits(), resolver.NewRepository(in.db.DB())), cfg.Resolver.HitFlushInterval)

	group.Add(alerting(in, worker.Func{
		WorkerName: "failure_cleanup",
		Fn: func(ctx context.Context) error {
			if locker := in.locker(); locker != nil {
				release, ok, err := locker.TryLock(ctx, "resolver:failure-cleanup", time.Minute)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				defer release()
			}
			n, err := failures.Cleanup(ctx, cfg.Resolver.FailureRetention)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("stale failure records removed", zap.Int64("count", n))
			}
			return nil
		},
	}), time.Hour)

	group.Add(worker.Func{
		WorkerName: "cache_prune",
		Fn: func(ctx context.Context) error {
			smart.PruneCache()
			quotes := pricingSvc.Batcher().Cache()
			quotes.Prune()

			stats, err := smart.Stats(ctx)
			if err != nil {
				return err
			}
			metrics.ResolverCacheSize.Set(float64(stats.CacheSize))
			metrics.QuoteCacheSize.Set(float64(quotes.Len()))
			return nil
		},
	}, time.Minute)

	return group
}

// alerting forwards worker errors to Telegram.
func alerting(in *infra, w worker.Func) worker.Func {
	if in.notifier == nil {
		return w
	}
	run := w.Fn
	w.Fn = func(ctx context.Context) error {
		err := run(ctx)
		if err != nil && ctx.Err() == nil {
			in.notifier.ErrorAlert(w.WorkerName, err)
		}
		return err
	}
	return w
}
