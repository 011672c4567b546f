package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tradedesk/internal/aggregator"
	"tradedesk/internal/api"
	"tradedesk/internal/domain"
	"tradedesk/internal/envelope"
	"tradedesk/internal/event"
	"tradedesk/internal/infra"
	"tradedesk/internal/infra/storage"
	"tradedesk/internal/restclient"
	"tradedesk/internal/service"
	"tradedesk/internal/ticker"
)

// Bootstrap is the process registry: it builds every component from the
// configuration and owns the single tick Manager shared by all views.
type Bootstrap struct {
	ConfigPath string

	Config     *infra.Config
	Logger     *slog.Logger
	Storage    *storage.Storage
	Downloader *infra.IconDownloader
	Cipher     *envelope.Cipher
	Session    *restclient.StaticSession
	Client     *restclient.Client
	Manager    *ticker.Manager
	Quotes     *service.QuoteService
	Views      []*aggregator.View
	Server     *api.Server

	viewConfigs map[string]infra.ViewConfig
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads the configuration and builds every component. Nothing
// connects or listens until Run.
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWith(cfg)
}

// InitializeWith builds every component from an already loaded configuration.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Info("Bootstrapping", slog.String("version", cfg.App.Version))

	// 3. Encryption envelope
	kdf, ok := envelope.ParseKDF(cfg.Encryption.KDF)
	if !ok {
		return &domain.ConfigError{Field: "encryption.kdf", Err: fmt.Errorf("unsupported kdf %q", cfg.Encryption.KDF)}
	}
	cipher, err := envelope.New(cfg.Encryption.SecretKey, envelope.WithKDF(kdf))
	if err != nil {
		return err
	}
	b.Cipher = cipher

	// 4. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	b.Logger.Info("Database initialized")

	// 5. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader(cfg.Assets.Dir, cfg.Assets.IconURLTemplate, cfg.Assets.IconSize)
	if err != nil {
		return err
	}
	b.Downloader = downloader

	// 6. REST client
	b.Session = restclient.NewStaticSession(cfg.API.Token, cfg.API.DeviceType, func(reason string) {
		b.Logger.Error("Session ended by backend; snapshots unavailable until restart", slog.String("reason", reason))
	})
	b.Client = restclient.New(restclient.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       time.Duration(cfg.API.TimeoutSec) * time.Second,
		RetryCount:    cfg.API.RetryCount,
		PositionsPath: cfg.API.PositionsPath,
		TradesPath:    cfg.API.TradesPath,
	}, cipher, b.Session, restclient.WithLogger(b.Logger))

	// 7. Tick manager (one per process)
	transport, err := NewTransport(cfg)
	if err != nil {
		return err
	}
	base, max, retries := cfg.ReconnectPolicy()
	b.Manager = ticker.NewManager(transport, ticker.Config{
		QueueSize:  cfg.Stream.QueueSize,
		BaseDelay:  base,
		MaxDelay:   max,
		MaxRetries: retries,
	}, ticker.WithLogger(b.Logger), ticker.OnStateChange(func(from, to ticker.State) {
		b.Logger.Info("Stream state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}))

	// 8. Quote board and views
	event.Warmup()
	b.Quotes = service.NewQuoteService(service.WithSettings(store))
	if err := b.Quotes.LoadFavorites(); err != nil {
		b.Logger.Warn("Failed to restore favorites", slog.Any("error", err))
	}
	b.viewConfigs = make(map[string]infra.ViewConfig, len(cfg.Views))
	apiViews := make([]api.PositionView, 0, len(cfg.Views))
	for _, vc := range cfg.Views {
		v := aggregator.NewView(vc.Name, cfg.Stream.QueueSize,
			aggregator.WithAggregatorOptions(aggregator.WithCatalog(store)),
			aggregator.WithViewLogger(b.Logger),
		)
		b.Views = append(b.Views, v)
		b.viewConfigs[vc.Name] = vc
		apiViews = append(apiViews, v)
	}

	// 9. Status API
	b.Server = api.NewServer(cfg.Status.Addr, api.Deps{
		Stream:      b.Manager,
		Quotes:      b.Quotes,
		Instruments: store,
		Views:       apiViews,
		Metrics:     infra.GlobalMetrics,
	}, b.Logger)

	b.Logger.Info("Components ready", slog.Int("views", len(b.Views)), slog.String("transport", transport.Name()))
	return nil
}

// NewTransport builds the configured tick transport.
func NewTransport(cfg *infra.Config) (ticker.Transport, error) {
	switch cfg.Stream.Transport {
	case infra.TransportWebSocket, "":
		header := make(http.Header)
		if cfg.API.Token != "" {
			token := strings.TrimSpace(cfg.API.Token)
			if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = "Bearer " + token
			}
			header.Set("Authorization", token)
		}
		return ticker.NewWebSocketTransport(ticker.WebSocketConfig{
			URL:              cfg.Stream.URL,
			Header:           header,
			SubscribeMessage: cfg.Stream.SubscribeMessage,
			PingInterval:     time.Duration(cfg.Stream.PingIntervalSec) * time.Second,
			ReadTimeout:      time.Duration(cfg.Stream.ReadTimeoutSec) * time.Second,
		}), nil
	case infra.TransportKafka:
		return ticker.NewKafkaTransport(ticker.KafkaConfig{
			Brokers: cfg.Stream.Kafka.Brokers,
			Topic:   cfg.Stream.Kafka.Topic,
			GroupID: cfg.Stream.Kafka.GroupID,
		}), nil
	case infra.TransportRedis:
		return ticker.NewRedisTransport(ticker.RedisConfig{
			Addr:     cfg.Stream.Redis.Addr,
			Password: cfg.Stream.Redis.Password,
			DB:       cfg.Stream.Redis.DB,
			Channel:  cfg.Stream.Redis.Channel,
		}), nil
	default:
		return nil, &domain.ConfigError{Field: "stream.transport", Err: fmt.Errorf("unknown transport %q", cfg.Stream.Transport)}
	}
}

// Run starts the views, attaches them and the quote board to the stream,
// seeds the views from the backend and serves the status API. It returns
// when ctx is cancelled or a component fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, v := range b.Views {
		g.Go(func() error {
			v.Run(ctx)
			return nil
		})
		v.Attach(b.Manager)
	}
	b.Quotes.Attach(ctx, b.Manager, b.Config.Stream.QueueSize)

	if err := b.Manager.Connect(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		b.SeedViews(ctx)
		b.SyncAssets(ctx)
		return nil
	})

	g.Go(func() error {
		return b.Server.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		b.Logger.Info("Shutting down gracefully...")
		for _, v := range b.Views {
			v.Detach()
		}
		if err := b.Manager.Close(); err != nil {
			b.Logger.Warn("Tick manager close failed", slog.Any("error", err))
		}
		return nil
	})

	return g.Wait()
}

// SeedViews fetches the initial snapshot of every view. A failing view is
// logged and left empty; live ticks still reach it.
func (b *Bootstrap) SeedViews(ctx context.Context) {
	for _, v := range b.Views {
		vc := b.viewConfigs[v.Name()]
		q := domain.PositionQuery{UserNames: vc.Users}
		if err := v.Seed(ctx, b.Client, q, vc.Trades); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.Logger.Error("Failed to seed view", slog.String("view", v.Name()), slog.Any("error", err))
		}
	}
}

// SyncAssets registers every instrument held in a view in the catalog and
// caches its icon. Active catalog entries still missing an icon are retried.
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	symbols := b.heldInstruments(ctx)
	symbols = append(symbols, b.iconlessInstruments(symbols)...)
	if len(symbols) == 0 {
		return
	}
	b.Logger.Info("Starting asset synchronization...", slog.Int("symbols", len(symbols)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Config.Assets.SyncConcurrency)

	for _, info := range symbols {
		g.Go(func() error {
			b.syncInstrument(ctx, info)
			return nil
		})
	}

	_ = g.Wait()
	b.Logger.Info("Asset synchronization completed")
}

func (b *Bootstrap) syncInstrument(ctx context.Context, info domain.InstrumentInfo) {
	// 1. Upsert to DB, keeping what the catalog already knows
	if existing, _ := b.Storage.GetInstrument(info.SymbolID); existing != nil {
		info.IconPath = existing.IconPath
		info.LastSyncedAt = existing.LastSyncedAt
		info.CreatedAt = existing.CreatedAt
		if info.Title == "" {
			info.Title = existing.Title
		}
		if info.ExchangeName == "" {
			info.ExchangeName = existing.ExchangeName
		}
	}
	if err := b.Storage.UpsertInstrument(&info); err != nil {
		b.Logger.Error("Failed to upsert instrument", slog.String("symbol", info.SymbolID), slog.Any("error", err))
		return
	}

	// 2. Download Icon (if missing)
	path, err := b.Downloader.DownloadIcon(ctx, info.SymbolID)
	if err != nil {
		b.Logger.Warn("Failed to download icon", slog.String("symbol", info.SymbolID), slog.Any("error", err))
		return
	}
	if path != "" && path != info.IconPath {
		if err := b.Storage.SetIconPath(info.SymbolID, path); err != nil {
			b.Logger.Warn("Failed to store icon path", slog.String("symbol", info.SymbolID), slog.Any("error", err))
		}
	}
}

// heldInstruments collects the distinct instruments across all views once
// their seed events have been applied.
func (b *Bootstrap) heldInstruments(ctx context.Context) []domain.InstrumentInfo {
	seen := make(map[string]bool)
	var out []domain.InstrumentInfo
	for _, v := range b.Views {
		if err := v.Sync(ctx); err != nil {
			return nil
		}
		for _, r := range v.Rows() {
			if seen[r.SymbolID] {
				continue
			}
			seen[r.SymbolID] = true
			out = append(out, domain.InstrumentInfo{
				SymbolID:     r.SymbolID,
				Title:        r.SymbolTitle,
				ExchangeName: r.ExchangeName,
				IsActive:     true,
			})
		}
	}
	return out
}

// iconlessInstruments returns active catalog entries without an icon that
// are not already in held.
func (b *Bootstrap) iconlessInstruments(held []domain.InstrumentInfo) []domain.InstrumentInfo {
	active, err := b.Storage.ActiveInstruments()
	if err != nil {
		b.Logger.Warn("Failed to list active instruments", slog.Any("error", err))
		return nil
	}

	seen := make(map[string]bool, len(held))
	for _, info := range held {
		seen[info.SymbolID] = true
	}
	var out []domain.InstrumentInfo
	for _, info := range active {
		if info.IconPath == "" && !seen[info.SymbolID] {
			out = append(out, info)
		}
	}
	return out
}

// Close releases resources held after Run returns.
func (b *Bootstrap) Close() error {
	if b.Storage != nil {
		return b.Storage.Close()
	}
	return nil
}
