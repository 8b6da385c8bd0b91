// Package config loads the process configuration from an optional YAML file
// overlaid with environment variables, mirroring how the venue collector is
// deployed (env-only in containers, YAML for local runs).
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MarketMapping ties a market category to its venue stream parameters.
type MarketMapping struct {
	WSURL    string `yaml:"ws_url"`
	InstType string `yaml:"inst_type"`
	Suffix   string `yaml:"suffix"`
}

// MarketMappings is the fixed venue-specific routing table. The spot market
// uses its own stream endpoint; all margined futures share the mix endpoint.
var MarketMappings = map[string]MarketMapping{
	"spot":  {WSURL: "wss://ws.bitget.com/spot/v1/stream", InstType: "SP", Suffix: "_SPBL"},
	"usdtm": {WSURL: "wss://ws.bitget.com/mix/v1/stream", InstType: "UMCBL", Suffix: "_UMCBL"},
	"coinm": {WSURL: "wss://ws.bitget.com/mix/v1/stream", InstType: "DMCBL", Suffix: "_DMCBL"},
	"usdcm": {WSURL: "wss://ws.bitget.com/mix/v1/stream", InstType: "CMCBL", Suffix: "_CMCBL"},
}

// ProductTypes maps market categories to the venue's REST productType values.
var ProductTypes = map[string]string{
	"usdtm": "USDT-FUTURES",
	"coinm": "COIN-FUTURES",
	"usdcm": "USDC-FUTURES",
}

// RedisConfig configures the cache/stream sink.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	PoolSize     int           `yaml:"pool_size"`
	StreamMaxLen int64         `yaml:"stream_maxlen"`
	OrderbookTTL time.Duration `yaml:"orderbook_ttl"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// ClickHouseConfig configures the analytical store sink. The store itself is
// external; only its liveness probe and bulk-insert surface are used here.
type ClickHouseConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BatchSize int    `yaml:"batch_size"`
}

// Configured reports whether an analytical store host was provided.
func (c ClickHouseConfig) Configured() bool { return c.Host != "" }

// BitgetConfig holds venue REST/credential settings.
type BitgetConfig struct {
	RESTBaseURL string `yaml:"rest_base_url"`
	APIKey      string `yaml:"api_key"`
	SecretKey   string `yaml:"secret_key"`
	Passphrase  string `yaml:"passphrase"`
	MaxRPS      int    `yaml:"max_rps"`
	MaxBurst    int    `yaml:"max_burst"`
}

// SystemConfig holds symbol-selection and pipeline tunables.
type SystemConfig struct {
	MarketTypes         []string      `yaml:"market_types"`
	MinVolume24h        float64       `yaml:"min_volume_24h"`
	MaxSymbolsPerMarket int           `yaml:"max_symbols_per_market"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	BatchInterval       time.Duration `yaml:"batch_interval"`
	Debounce            time.Duration `yaml:"debounce"`
}

// TLSConfig carries certificate material for the sink and upstream dials.
type TLSConfig struct {
	CACerts  string `yaml:"ca_certs"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Verify   bool   `yaml:"verify"`
}

// ClientConfig builds a *tls.Config from the configured material. Returns nil
// when nothing beyond system defaults is requested and verification is on.
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	if t.CACerts == "" && t.CertFile == "" && t.Verify {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: !t.Verify} //nolint:gosec // operator opt-out
	if t.CACerts != "" {
		pem, err := os.ReadFile(t.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read CA certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", t.CACerts)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// HTTPConfig configures the control-plane listener.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// Config is the root configuration object.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Bitget     BitgetConfig     `yaml:"bitget"`
	System     SystemConfig     `yaml:"system"`
	TLS        TLSConfig        `yaml:"tls"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// Default returns the built-in configuration before file/env overlays.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6380,
			PoolSize:     20,
			StreamMaxLen: 50000,
			OrderbookTTL: 30 * time.Second,
			DedupWindow:  3600 * time.Second,
		},
		ClickHouse: ClickHouseConfig{
			Port:      8123,
			Database:  "trading",
			Username:  "default",
			BatchSize: 1000,
		},
		Bitget: BitgetConfig{
			RESTBaseURL: "https://api.bitget.com",
			MaxRPS:      8,
			MaxBurst:    10,
		},
		System: SystemConfig{
			MarketTypes:         []string{"spot", "usdtm"},
			MinVolume24h:        1_000_000,
			MaxSymbolsPerMarket: 30,
			HealthInterval:      30 * time.Second,
			BatchInterval:       50 * time.Millisecond,
			Debounce:            25 * time.Millisecond,
		},
		TLS:  TLSConfig{Verify: true},
		HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8000},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Redis.Host, "REDIS_HOST")
	envInt(&c.Redis.Port, "REDIS_PORT")
	envStr(&c.Redis.Password, "REDIS_PASSWORD")

	envStr(&c.ClickHouse.Host, "CLICKHOUSE_HOST")
	envInt(&c.ClickHouse.Port, "CLICKHOUSE_PORT")
	envStr(&c.ClickHouse.Username, "CLICKHOUSE_USER")
	envStr(&c.ClickHouse.Password, "CLICKHOUSE_PASSWORD")

	envStr(&c.Bitget.APIKey, "BITGET_API_KEY")
	envStr(&c.Bitget.SecretKey, "BITGET_SECRET_KEY")
	envStr(&c.Bitget.Passphrase, "BITGET_PASSPHRASE")

	envStr(&c.TLS.CACerts, "SSL_CA_CERTS")
	envStr(&c.TLS.CertFile, "SSL_CERT_FILE")
	envStr(&c.TLS.KeyFile, "SSL_KEY_FILE")
	if v := os.Getenv("SSL_VERIFY"); v != "" {
		c.TLS.Verify = v == "true"
	}

	envStr(&c.HTTP.Host, "HTTP_HOST")
	envInt(&c.HTTP.Port, "HTTP_PORT")
}

// Validate rejects configuration contradictions at startup.
func (c *Config) Validate() error {
	if len(c.System.MarketTypes) == 0 {
		return fmt.Errorf("config: no market types configured")
	}
	for _, m := range c.System.MarketTypes {
		if _, ok := MarketMappings[m]; !ok {
			return fmt.Errorf("config: unsupported market category %q", m)
		}
	}
	if c.Redis.StreamMaxLen <= 0 {
		return fmt.Errorf("config: stream_maxlen must be positive")
	}
	if c.Bitget.MaxRPS < 1 {
		return fmt.Errorf("config: max_rps must be >= 1")
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
