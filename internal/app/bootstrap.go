package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/execution"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra/kraken"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/storage"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/strategy"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	WorkDir string
	Store   *storage.RecordStore

	unlock            func()
	shutdownTelemetry func(context.Context) error
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and performs core system
// initialization (logger, telemetry, workspace lock, record store).
func (b *Bootstrap) Initialize(ctx context.Context) error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig is Initialize with an already loaded configuration.
func (b *Bootstrap) InitializeWithConfig(ctx context.Context, cfg *infra.Config) error {
	b.Config = cfg

	// 1. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping "+infra.AppName+"...", slog.String("version", infra.Version), slog.String("mode", cfg.Trading.Mode))

	// 2. Telemetry
	shutdown, err := infra.InitTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	b.shutdownTelemetry = shutdown

	// 3. Workspace directories
	b.WorkDir = infra.WorkspaceDir(cfg)
	for _, dir := range []string{b.WorkDir, infra.NonceDir(cfg, b.WorkDir), filepath.Dir(infra.StoragePath(cfg, b.WorkDir))} {
		if err := infra.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// 3.1 Singleton Instance Lock
	// Two processes sharing a nonce file would hand out the same nonce.
	unlock, err := infra.CreateLockFile(b.WorkDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	// 4. Record store (WAL-mode SQLite)
	dbPath := infra.StoragePath(cfg, b.WorkDir)
	store, err := storage.NewRecordStore(dbPath)
	if err != nil {
		return err
	}
	b.Store = store
	if err := store.UpsertMetadata(ctx, "last_start", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("Failed to write start marker", slog.Any("error", err))
	}
	slog.Info("✅ Record store initialized (WAL-mode)", slog.String("path", dbPath))

	return nil
}

// BuildSession wires credentials, the REST client, the stream manager,
// execution and strategy into a Session. The session owns the store from
// here on and closes it during Stop.
func (b *Bootstrap) BuildSession() (*Session, error) {
	cfg := b.Config
	nonceDir := infra.NonceDir(cfg, b.WorkDir)

	primary, err := kraken.NewCredential(cfg.Kraken.Primary, nonceDir)
	if err != nil {
		return nil, err
	}
	var secondary *kraken.Credential
	if cfg.Kraken.Secondary.Configured() {
		secondary, err = kraken.NewCredential(cfg.Kraken.Secondary, nonceDir)
		if err != nil {
			return nil, err
		}
	}
	slog.Info("🔑 Credentials loaded",
		slog.String("primary", primary.Label()),
		slog.Bool("secondary", secondary != nil))

	limiter, err := infra.NewRateLimiter(cfg.Kraken.RateTier)
	if err != nil {
		return nil, err
	}
	restBreakerCfg := cfg.Breaker.REST.BreakerConfig("kraken-rest")
	restBreakerCfg.IsFailure = kraken.BreakerIsFailure
	rest := kraken.NewRestClient(kraken.ClientOptions{
		BaseURL: cfg.Kraken.RestURL,
		Timeout: cfg.Kraken.RequestTimeout,
		Limiter: limiter,
		Breaker: infra.NewCircuitBreaker(restBreakerCfg),
	}, primary, secondary)

	tokenBreakerCfg := cfg.Breaker.Token.BreakerConfig("kraken-ws-token")
	tokenBreakerCfg.IsFailure = kraken.BreakerIsFailure
	stream := kraken.NewStreamManager(kraken.StreamOptions{
		PublicURL:            cfg.Kraken.PublicWSURL,
		PrivateURL:           cfg.Kraken.PrivateWSURL,
		Tokens:               rest,
		TokenBreaker:         infra.NewCircuitBreaker(tokenBreakerCfg),
		TokenTTL:             cfg.Stream.TokenTTL,
		TokenRefreshMargin:   cfg.Stream.TokenRefreshMargin,
		ReconnectInterval:    cfg.Stream.ReconnectInterval,
		MaxReconnectInterval: cfg.Stream.MaxReconnectInterval,
		HeartbeatTimeout:     cfg.Stream.HeartbeatTimeout,
		PingInterval:         cfg.Stream.PingInterval,
		QueueSize:            cfg.Stream.DispatchQueueSize,
		DispatchBudget:       cfg.Stream.DispatchBudget,
		DialLimiter:          infra.NewAttemptLimiter(cfg.Stream.ConnectAttempts, cfg.Stream.ConnectWindow, 5),
	})

	exec, err := execution.CreateExecution(execution.Mode(cfg.Trading.Mode), rest)
	if err != nil {
		return nil, errors.Join(err, rest.Close())
	}

	strat, err := buildStrategy(cfg)
	if err != nil {
		return nil, errors.Join(err, rest.Close())
	}

	sess := NewSession(SessionConfigFrom(cfg, true), SessionDeps{
		REST:      rest,
		Stream:    stream,
		Execution: exec,
		Strategy:  strat,
		Recorder:  storage.NewRecorder(b.Store, 4096),
		Store:     b.Store,
		Snapshots: storage.NewSnapshotManager(filepath.Join(b.WorkDir, "snapshots")),
		Breaker:   rest.Breaker(),
	})
	return sess, nil
}

func buildStrategy(cfg *infra.Config) (strategy.Strategy, error) {
	switch cfg.Trading.Strategy {
	case "sma_cross":
		vol, err := decimal.NewFromString(cfg.Trading.OrderVolume)
		if err != nil {
			return nil, fmt.Errorf("trading.order_volume: %w", err)
		}
		slog.Info("📈 Strategy: SMA cross",
			slog.String("pair", cfg.Trading.Pair),
			slog.Int("short", cfg.Trading.ShortPeriod),
			slog.Int("long", cfg.Trading.LongPeriod))
		return strategy.NewSMACrossStrategy(cfg.Trading.Pair, cfg.Trading.ShortPeriod, cfg.Trading.LongPeriod, vol)
	default:
		slog.Info("👀 Strategy: idle (monitor only)")
		return strategy.Idle{}, nil
	}
}

// Close releases what Initialize acquired and the session did not:
// telemetry and the workspace lock.
func (b *Bootstrap) Close(ctx context.Context) error {
	var err error
	if b.shutdownTelemetry != nil {
		err = b.shutdownTelemetry(ctx)
	}
	if b.unlock != nil {
		b.unlock()
		b.unlock = nil
	}
	return err
}
