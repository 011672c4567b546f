package app

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
	"tradedesk/internal/infra"
	"tradedesk/internal/infra/storage"
	"tradedesk/internal/service"
	"tradedesk/internal/ticker"
)

func testConfig(t *testing.T, apiURL, redisAddr, iconURL string) *infra.Config {
	t.Helper()
	dir := t.TempDir()
	yml := fmt.Sprintf(`
encryption:
  secret_key: test-secret
api:
  base_url: %s
  token: svc-token
stream:
  transport: redis
  queue_size: 64
  reconnect:
    base_delay_ms: 10
    max_delay_ms: 50
  redis:
    addr: %s
    channel: ticks
views:
  - name: desk
    users: [alice]
  - name: executions
    trades: true
storage:
  path: %s/desk.db
assets:
  dir: %s/icons
  icon_url_template: %s
status:
  addr: 127.0.0.1:0
logging:
  level: error
  dir: %s/logs
`, apiURL, redisAddr, dir, dir, iconURL, dir)

	cfg, err := infra.ParseConfig([]byte(yml))
	require.NoError(t, err)
	return cfg
}

func TestNewTransport(t *testing.T) {
	cfg := &infra.Config{}
	cfg.Stream.URL = "ws://localhost:1/ticks"
	cfg.Stream.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Stream.Redis.Addr = "localhost:6379"

	for _, name := range []string{infra.TransportWebSocket, infra.TransportKafka, infra.TransportRedis} {
		t.Run(name, func(t *testing.T) {
			cfg.Stream.Transport = name
			tr, err := NewTransport(cfg)
			require.NoError(t, err)
			assert.Equal(t, name, tr.Name())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg.Stream.Transport = "carrier-pigeon"
		_, err := NewTransport(cfg)
		var cfgErr *domain.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestInitializeWith(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "127.0.0.1:1", "http://127.0.0.1:1/%s.png")

	b := NewBootstrap("")
	require.NoError(t, b.InitializeWith(cfg))
	defer b.Close()

	assert.Equal(t, "configs/config.yaml", b.ConfigPath)
	require.Len(t, b.Views, 2)
	assert.Equal(t, "desk", b.Views[0].Name())
	assert.Equal(t, "executions", b.Views[1].Name())
	assert.Equal(t, ticker.StateDisconnected, b.Manager.State())
	assert.NotNil(t, b.Cipher)
	assert.NotNil(t, b.Client)
	assert.NotNil(t, b.Server)
	assert.NotNil(t, b.Quotes)
}

func TestInitializeWith_RestoresFavorites(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "127.0.0.1:1", "http://127.0.0.1:1/%s.png")

	store, err := storage.NewStorage(cfg.Storage.Path)
	require.NoError(t, err)
	require.NoError(t, store.SaveConfig(service.FavoritesKey, "SOL,BTC"))
	require.NoError(t, store.Close())

	b := NewBootstrap("")
	require.NoError(t, b.InitializeWith(cfg))
	defer b.Close()

	assert.Equal(t, []string{"BTC", "SOL"}, b.Quotes.Favorites())

	require.NoError(t, b.Quotes.SetFavorite("ETH", true))
	settings, err := b.Storage.LoadConfigMap()
	require.NoError(t, err)
	assert.Equal(t, "BTC,ETH,SOL", settings[service.FavoritesKey])
}

func TestInitialize_MissingConfig(t *testing.T) {
	b := NewBootstrap(t.TempDir() + "/absent.yaml")
	assert.ErrorIs(t, b.Initialize(), domain.ErrConfigNotFound)
}

func TestRun_SeedsStreamsAndSyncs(t *testing.T) {
	mr := miniredis.RunT(t)

	icons := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, image.NewRGBA(image.Rect(0, 0, 32, 32)))
	}))
	defer icons.Close()

	var b *Bootstrap
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload any
		switch r.URL.Path {
		case "/positions":
			payload = []domain.PositionRow{{
				UserName: "alice", SymbolID: "BTC", SymbolTitle: "Bitcoin",
				BuyTotalQuantity: decimal.NewFromInt(10), SellTotalQuantity: decimal.NewFromInt(3),
				Price: decimal.NewFromInt(100),
			}}
		case "/trades":
			payload = []domain.Trade{
				{UserName: "bob", SymbolID: "ETH", Side: "BUY", Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(10)},
			}
		default:
			http.NotFound(w, r)
			return
		}
		ct, err := b.Cipher.Encrypt(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"data": ct})
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL, mr.Addr(), icons.URL+"/%s.png")
	b = NewBootstrap("")
	require.NoError(t, b.InitializeWith(cfg))
	defer b.Close()

	// Catalog entries left without an icon by an earlier run
	require.NoError(t, b.Storage.UpsertInstrument(&domain.InstrumentInfo{SymbolID: "XRP", IsActive: true}))
	require.NoError(t, b.Storage.UpsertInstrument(&domain.InstrumentInfo{SymbolID: "LUNA"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	desk, executions := b.Views[0], b.Views[1]
	require.Eventually(t, func() bool { return desk.Len() == 1 && executions.Len() == 1 },
		3*time.Second, 10*time.Millisecond, "views seeded")

	require.Eventually(t, func() bool {
		mr.Publish("ticks", `[{"symbolId":"BTC","bid":109,"ask":111,"ltp":110},{"symbolId":"ETH","bid":11,"ask":11,"ltp":11}]`)
		return desk.M2MTotal("alice").Equal(decimal.NewFromInt(70)) &&
			executions.M2MTotal("bob").Equal(decimal.NewFromInt(2))
	}, 3*time.Second, 20*time.Millisecond, "ticks reach every view")

	_, ok := b.Quotes.GetQuote("ETH")
	assert.True(t, ok, "quote board attached")

	require.Eventually(t, func() bool {
		inst, err := b.Storage.GetInstrument("BTC")
		return err == nil && inst != nil && inst.IconPath != ""
	}, 3*time.Second, 10*time.Millisecond, "held instruments synced to the catalog")

	inst, err := b.Storage.GetInstrument("BTC")
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin", inst.Title)
	assert.True(t, inst.IsActive)

	require.Eventually(t, func() bool {
		inst, err := b.Storage.GetInstrument("XRP")
		return err == nil && inst != nil && inst.IconPath != ""
	}, 3*time.Second, 10*time.Millisecond, "active iconless instrument synced")
	luna, err := b.Storage.GetInstrument("LUNA")
	require.NoError(t, err)
	assert.Empty(t, luna.IconPath, "inactive instrument skipped")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, ticker.StateDisconnected, b.Manager.State())
}
