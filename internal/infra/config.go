package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradedesk/internal/domain"
)

const (
	// DefaultUserAgent is sent on outbound HTTP and websocket handshakes
	DefaultUserAgent = "tradedesk/1.0"

	TransportWebSocket = "websocket"
	TransportKafka     = "kafka"
	TransportRedis     = "redis"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Encryption struct {
		SecretKey string `yaml:"secret_key"`
		KDF       string `yaml:"kdf"` // "evp" (default) or "pbkdf2"
	} `yaml:"encryption"`

	API struct {
		BaseURL       string `yaml:"base_url"`
		Token         string `yaml:"token"`
		DeviceType    string `yaml:"device_type"`
		TimeoutSec    int    `yaml:"timeout_sec"`
		RetryCount    int    `yaml:"retry_count"`
		PositionsPath string `yaml:"positions_path"`
		TradesPath    string `yaml:"trades_path"`
	} `yaml:"api"`

	Stream struct {
		Transport        string `yaml:"transport"` // websocket, kafka, redis
		URL              string `yaml:"url"`
		SubscribeMessage string `yaml:"subscribe_message"`
		PingIntervalSec  int    `yaml:"ping_interval_sec"`
		ReadTimeoutSec   int    `yaml:"read_timeout_sec"`
		QueueSize        int    `yaml:"queue_size"`

		Reconnect struct {
			BaseDelayMS int `yaml:"base_delay_ms"`
			MaxDelayMS  int `yaml:"max_delay_ms"`
			MaxRetries  int `yaml:"max_retries"` // 0 = unlimited
		} `yaml:"reconnect"`

		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
			GroupID string   `yaml:"group_id"`
		} `yaml:"kafka"`

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"stream"`

	Views []ViewConfig `yaml:"views"`

	Storage struct {
		Path string `yaml:"path"` // empty = user config dir
	} `yaml:"storage"`

	Assets struct {
		Dir             string `yaml:"dir"`               // empty = user config dir
		IconURLTemplate string `yaml:"icon_url_template"` // %s is the lower-cased symbol
		IconSize        int    `yaml:"icon_size"`
		SyncConcurrency int    `yaml:"sync_concurrency"`
	} `yaml:"assets"`

	Status struct {
		Addr string `yaml:"addr"`
	} `yaml:"status"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// ViewConfig declares one position sheet fed by the shared tick stream.
type ViewConfig struct {
	Name   string   `yaml:"name"`
	Users  []string `yaml:"users"`
	Trades bool     `yaml:"trades"` // seed from raw trades instead of netted positions
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// A .env file next to the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", slog.Any("error", err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies env overrides and defaults, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// 보안 우선: 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	// 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tradedesk"
	}
	if c.API.DeviceType == "" {
		c.API.DeviceType = "web"
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.PositionsPath == "" {
		c.API.PositionsPath = "/positions"
	}
	if c.API.TradesPath == "" {
		c.API.TradesPath = "/trades"
	}
	if c.Stream.Transport == "" {
		c.Stream.Transport = TransportWebSocket
	}
	if c.Stream.PingIntervalSec <= 0 {
		c.Stream.PingIntervalSec = 30
	}
	if c.Stream.ReadTimeoutSec <= 0 {
		c.Stream.ReadTimeoutSec = 60
	}
	if c.Stream.QueueSize <= 0 {
		c.Stream.QueueSize = 1024
	}
	if c.Stream.Reconnect.BaseDelayMS <= 0 {
		c.Stream.Reconnect.BaseDelayMS = int(BaseDelay / time.Millisecond)
	}
	if c.Stream.Reconnect.MaxDelayMS <= 0 {
		c.Stream.Reconnect.MaxDelayMS = int(MaxDelay / time.Millisecond)
	}
	if c.Assets.IconSize <= 0 {
		c.Assets.IconSize = 24
	}
	if c.Assets.SyncConcurrency <= 0 {
		c.Assets.SyncConcurrency = 5
	}
	if c.Status.Addr == "" {
		c.Status.Addr = "localhost:8090"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Encryption.SecretKey) == "" {
		return &domain.ConfigError{Field: "encryption.secret_key", Err: domain.ErrMissingSecret}
	}
	switch c.Encryption.KDF {
	case "", "evp", "md5", "pbkdf2":
	default:
		return &domain.ConfigError{Field: "encryption.kdf", Err: fmt.Errorf("unsupported kdf %q", c.Encryption.KDF)}
	}

	if !hasPrefix(c.API.BaseURL, "http://") && !hasPrefix(c.API.BaseURL, "https://") {
		return &domain.ConfigError{Field: "api.base_url", Err: fmt.Errorf("invalid REST base URL: %q", c.API.BaseURL)}
	}

	switch c.Stream.Transport {
	case TransportWebSocket:
		if !hasPrefix(c.Stream.URL, "ws://") && !hasPrefix(c.Stream.URL, "wss://") {
			return &domain.ConfigError{Field: "stream.url", Err: fmt.Errorf("invalid stream WS URL: %q", c.Stream.URL)}
		}
	case TransportKafka:
		if len(c.Stream.Kafka.Brokers) == 0 || c.Stream.Kafka.Topic == "" {
			return &domain.ConfigError{Field: "stream.kafka", Err: errors.New("brokers and topic are required")}
		}
	case TransportRedis:
		if c.Stream.Redis.Addr == "" || c.Stream.Redis.Channel == "" {
			return &domain.ConfigError{Field: "stream.redis", Err: errors.New("addr and channel are required")}
		}
	default:
		return &domain.ConfigError{Field: "stream.transport", Err: fmt.Errorf("unknown transport %q", c.Stream.Transport)}
	}

	if c.Stream.Reconnect.MaxRetries < 0 {
		return &domain.ConfigError{Field: "stream.reconnect.max_retries", Err: errors.New("must not be negative")}
	}

	seen := make(map[string]bool, len(c.Views))
	for i, v := range c.Views {
		if v.Name == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("views[%d].name", i), Err: errors.New("view name is required")}
		}
		if seen[v.Name] {
			return &domain.ConfigError{Field: fmt.Sprintf("views[%d].name", i), Err: fmt.Errorf("duplicate view %q", v.Name)}
		}
		seen[v.Name] = true
	}

	return nil
}

// ReconnectPolicy returns the stream reconnection bounds as durations.
func (c *Config) ReconnectPolicy() (base, max time.Duration, maxRetries int) {
	return time.Duration(c.Stream.Reconnect.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Stream.Reconnect.MaxDelayMS) * time.Millisecond,
		c.Stream.Reconnect.MaxRetries
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("DESK_ENCRYPTION_KEY"); key != "" {
		cfg.Encryption.SecretKey = key
	}
	if token := os.Getenv("DESK_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if url := os.Getenv("DESK_API_BASE_URL"); url != "" {
		cfg.API.BaseURL = url
	}
	if url := os.Getenv("DESK_STREAM_URL"); url != "" {
		cfg.Stream.URL = url
	}
	if pass := os.Getenv("DESK_REDIS_PASSWORD"); pass != "" {
		cfg.Stream.Redis.Password = pass
	}
}
