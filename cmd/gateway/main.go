// Command gateway runs the paywatch order API and background status checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/exchangerate"
	"github.com/coachpo/paywatch/internal/gateway"
	"github.com/coachpo/paywatch/internal/infra/adapters/bitpay"
	"github.com/coachpo/paywatch/internal/infra/adapters/esplora"
	"github.com/coachpo/paywatch/internal/infra/adapters/fixer"
	"github.com/coachpo/paywatch/internal/infra/adapters/insight"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/infra/persistence/memory"
	"github.com/coachpo/paywatch/internal/infra/persistence/migrations"
	"github.com/coachpo/paywatch/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/paywatch/internal/infra/server/http"
	"github.com/coachpo/paywatch/internal/infra/telemetry"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/order"
	"github.com/coachpo/paywatch/internal/watcher"
	"github.com/coachpo/paywatch/pkg/dispatcher"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "paywatch "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	watcherShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	storageShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	startupTimeout           = 30 * time.Second
	resumeTimeout            = 30 * time.Second
	tipFeedReadyTimeout      = 5 * time.Second
	redisPingTimeout         = 5 * time.Second
	defaultPostgresPoolName  = "orders"
)

// orderStorage is what the gateway and watcher need from persistence.
type orderStorage interface {
	order.Store
	order.Lister
}

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	observability.Setup(os.Stdout, observability.LogConfig{Level: appCfg.Log.Level, Format: appCfg.Log.Format})
	logger.Printf("configuration initialised: env=%s, blockchain providers=%d, rate providers=%d",
		appCfg.Environment, len(appCfg.Providers.Blockchain), len(appCfg.Providers.ExchangeRates))

	telemetryShutdown, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	rateCache, redisClient, err := buildRateCache(ctx, appCfg.Rates)
	if err != nil {
		logger.Fatalf("initialise rate cache: %v", err)
	}

	providers, feeds, err := buildProviders(appCfg, rateCache)
	if err != nil {
		logger.Fatalf("initialise providers: %v", err)
	}
	startTipFeeds(ctx, &lifecycle, logger, feeds)

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	store, pgPool, err := openStorage(startupCtx, logger, appCfg.Database)
	startupCancel()
	if err != nil {
		logger.Fatalf("initialise storage: %v", err)
	}

	schedule, err := loadSchedule(appCfg.Gateway.ScheduleScript)
	if err != nil {
		logger.Fatalf("load schedule: %v", err)
	}

	gw, err := buildGateway(appCfg, providers, store, schedule)
	if err != nil {
		logger.Fatalf("initialise gateway: %v", err)
	}

	orderWatcher, err := watcher.New(watcher.Config{
		Workers:  appCfg.Watcher.Workers,
		Queue:    appCfg.Watcher.Queue,
		Duration: appCfg.Watcher.CheckDuration,
	})
	if err != nil {
		logger.Fatalf("initialise watcher: %v", err)
	}
	resumeCtx, resumeCancel := context.WithTimeout(ctx, resumeTimeout)
	resumed, err := orderWatcher.Resume(resumeCtx, store, gw)
	resumeCancel()
	if err != nil {
		logger.Printf("resume open orders: %v", err)
	}
	logger.Printf("open orders resumed: %d", resumed)

	apiServer := buildAPIServer(appCfg, gw, orderWatcher)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("order API listening on %s", apiServer.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		watcher:    orderWatcher,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		redis:      redisClient,
		pgPool:     pgPool,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (func(context.Context) error, error) {
	_, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return shutdown, nil
}

// buildRateCache returns a Redis-backed cache when an address is configured.
func buildRateCache(ctx context.Context, cfg config.RatesConfig) (exchangerate.Cache, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return exchangerate.NewMemoryCache(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return exchangerate.NewRedisCache(client, cfg.RedisPrefix), client, nil
}

// buildProviders turns provider configs into adapters. Esplora providers with a
// websocket URL get a TipFeed, returned so the caller can run it.
func buildProviders(cfg config.AppConfig, cache exchangerate.Cache) (gateway.Providers, []*esplora.TipFeed, error) {
	var (
		out   gateway.Providers
		feeds []*esplora.TipFeed
		err   error
	)
	chain := func(list []config.ProviderConfig) ([]blockchain.Provider, error) {
		providers := make([]blockchain.Provider, 0, len(list))
		for _, p := range list {
			switch p.Type {
			case config.ProviderInsight:
				providers = append(providers, insight.New(p.Name, p.ClientOptions()))
			case config.ProviderEsplora:
				var opts []esplora.Option
				if p.WebsocketURL != "" {
					feed := esplora.NewTipFeed(p.Name, p.WebsocketURL)
					feeds = append(feeds, feed)
					opts = append(opts, esplora.WithTipSource(feed))
				}
				providers = append(providers, esplora.New(p.Name, p.ClientOptions(), opts...))
			default:
				return nil, fmt.Errorf("provider %s: unsupported blockchain type %q", p.Name, p.Type)
			}
		}
		return providers, nil
	}
	rates := func(list []config.ProviderConfig, kind exchangerate.Kind) ([]exchangerate.Provider, error) {
		providers := make([]exchangerate.Provider, 0, len(list))
		for _, p := range list {
			var fetcher exchangerate.Fetcher
			switch p.Type {
			case config.ProviderBitpay:
				fetcher = bitpay.New(p.Name, p.ClientOptions())
			case config.ProviderFixer:
				fetcher = fixer.New(p.Name, p.APIKey, p.ClientOptions())
			case config.ProviderStatic:
				table, err := parseStaticRates(p.Rates)
				if err != nil {
					return nil, fmt.Errorf("provider %s: %w", p.Name, err)
				}
				fetcher = exchangerate.StaticFetcher{ID: p.Name, Rates: table}
			default:
				return nil, fmt.Errorf("provider %s: unsupported rate type %q", p.Name, p.Type)
			}
			providers = append(providers, exchangerate.NewRateTable(fetcher, kind,
				exchangerate.WithCache(cache),
				exchangerate.WithTTL(cfg.Rates.TTL)))
		}
		return providers, nil
	}

	if out.Blockchain, err = chain(cfg.Providers.Blockchain); err != nil {
		return gateway.Providers{}, nil, err
	}
	if out.TestBlockchain, err = chain(cfg.Providers.TestBlockchain); err != nil {
		return gateway.Providers{}, nil, err
	}
	if out.ExchangeRates, err = rates(cfg.Providers.ExchangeRates, exchangerate.KindBitcoin); err != nil {
		return gateway.Providers{}, nil, err
	}
	if out.Forex, err = rates(cfg.Providers.Forex, exchangerate.KindForex); err != nil {
		return gateway.Providers{}, nil, err
	}
	return out, feeds, nil
}

func parseStaticRates(raw map[string]string) (map[string]decimal.Decimal, error) {
	table := make(map[string]decimal.Decimal, len(raw))
	for code, value := range raw {
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("rate %s: %w", code, err)
		}
		table[exchangerate.NormalizeCode(code)] = rate
	}
	return table, nil
}

func startTipFeeds(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, feeds []*esplora.TipFeed) {
	for _, feed := range feeds {
		lifecycle.Go(func() {
			_ = feed.Run(ctx)
		})
		select {
		case <-feed.Ready():
		case <-time.After(tipFeedReadyTimeout):
			logger.Printf("tip feed not ready after %s; providers will poll the tip", tipFeedReadyTimeout)
		case <-ctx.Done():
		}
	}
	if len(feeds) > 0 {
		logger.Printf("tip feeds started: %d", len(feeds))
	}
}

// openStorage connects PostgreSQL when a DSN is configured and keeps orders in memory otherwise.
func openStorage(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (orderStorage, *pgxpool.Pool, error) {
	if cfg.DSN == "" {
		logger.Print("database dsn not set; orders are kept in memory")
		return memory.NewStore(), nil, nil
	}
	if cfg.RunMigrations {
		dir := cfg.MigrationsPath
		if dir == "" {
			dir = migrations.EmbeddedSource
		}
		if err := migrations.Apply(ctx, cfg.DSN, dir, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, cfg.DSN, postgres.PoolOptions{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		Name:            defaultPostgresPoolName,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("postgres connected: max_conns=%d", cfg.MaxConns)
	return postgres.NewOrderStore(pool), pool, nil
}

// loadSchedule compiles the status check schedule script at path. An empty path keeps the default.
func loadSchedule(path string) (order.Schedule, error) {
	if path == "" {
		return nil, nil
	}
	source, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("read schedule script: %w", err)
	}
	return gateway.CompileSchedule(filepath.Base(path), string(source))
}

func buildGateway(cfg config.AppConfig, providers gateway.Providers, store order.Store, schedule order.Schedule) (*gateway.Gateway, error) {
	return gateway.New(gateway.Config{
		Name:                  cfg.Gateway.Name,
		ConfirmationsRequired: cfg.Gateway.ConfirmationsRequired,
		DefaultCurrency:       cfg.Gateway.DefaultCurrency,
		DonationMode:          cfg.Gateway.DonationMode,
		TestMode:              cfg.Gateway.TestMode,
		Dispatch: dispatcher.Options{
			BatchSize: cfg.Gateway.BatchSize,
			Timeout:   cfg.Gateway.DispatchTimeout,
		},
	}, providers,
		gateway.NewAddressPool(cfg.Gateway.Addresses, cfg.Gateway.TestAddresses),
		gateway.WithSchedule(schedule),
		gateway.WithStore(store))
}

func buildAPIServer(cfg config.AppConfig, gw *gateway.Gateway, orderWatcher *watcher.Watcher) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.NewHandler(gw, orderWatcher, cfg),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("order API: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	watcher    *watcher.Watcher
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	redis      *redis.Client
	pgPool     *pgxpool.Pool
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping order API", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.watcher != nil {
		// Open orders resume from storage on the next start.
		shutdownStep("stopping status checks", watcherShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.watcher.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.redis != nil {
		shutdownStep("closing redis", storageShutdownTimeout, func(context.Context) error {
			return cfg.redis.Close()
		})
	}

	if cfg.pgPool != nil {
		shutdownStep("closing postgres pool", storageShutdownTimeout, func(context.Context) error {
			cfg.pgPool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env, ok := os.LookupEnv(config.EnvPrefix + "CONFIG"); ok && env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
