package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	Log struct {
		Level       string `yaml:"level"`
		Format      string `yaml:"format"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Server struct {
		Addr      string `yaml:"addr"`
		TokenHash string `yaml:"token_hash"`
	} `yaml:"server"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Venue struct {
		Endpoint        string   `yaml:"endpoint"`
		TimeoutSeconds  int      `yaml:"timeout_seconds"`
		PendingStatuses []string `yaml:"pending_statuses"`
	} `yaml:"venue"`
	Payout struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"payout"`
	Orders struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"orders"`
	Detector struct {
		IntervalSeconds     int64 `yaml:"interval_seconds"`
		StaleAfterSeconds   int64 `yaml:"stale_after_seconds"`
		SessionRetrySeconds int64 `yaml:"session_retry_seconds"`
		ReconcileBatch      int   `yaml:"reconcile_batch"`
	} `yaml:"detector"`
	Executor struct {
		IntervalSeconds        int64  `yaml:"interval_seconds"`
		LeaseSeconds           int64  `yaml:"lease_seconds"`
		TransferTimeoutSeconds int64  `yaml:"transfer_timeout_seconds"`
		WorkerID               string `yaml:"worker_id"`
	} `yaml:"executor"`
	Relay struct {
		AMQPURL         string `yaml:"amqp_url"`
		Exchange        string `yaml:"exchange"`
		IntervalSeconds int64  `yaml:"interval_seconds"`
		Batch           int    `yaml:"batch"`
		SettleSeconds   int64  `yaml:"settle_seconds"`
	} `yaml:"relay"`
	Feed struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"feed"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "pgx", "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required")
		}
	case "memory":
	default:
		return errors.New("db.driver must be one of pgx, postgres, memory")
	}
	if c.Orders.MaxRetries < 1 {
		return errors.New("orders.max_retries must be positive")
	}
	if c.Executor.TransferTimeoutSeconds >= c.Executor.LeaseSeconds {
		return errors.New("executor.transfer_timeout_seconds must be shorter than executor.lease_seconds")
	}
	return nil
}

func (c *Config) DetectorInterval() time.Duration {
	return time.Duration(c.Detector.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Detector.StaleAfterSeconds) * time.Second
}

func (c *Config) SessionRetry() time.Duration {
	return time.Duration(c.Detector.SessionRetrySeconds) * time.Second
}

func (c *Config) ExecutorInterval() time.Duration {
	return time.Duration(c.Executor.IntervalSeconds) * time.Second
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.Executor.LeaseSeconds) * time.Second
}

func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Executor.TransferTimeoutSeconds) * time.Second
}

func (c *Config) VenueTimeout() time.Duration {
	return time.Duration(c.Venue.TimeoutSeconds) * time.Second
}

func (c *Config) RelayInterval() time.Duration {
	return time.Duration(c.Relay.IntervalSeconds) * time.Second
}

func (c *Config) RelaySettle() time.Duration {
	return time.Duration(c.Relay.SettleSeconds) * time.Second
}

func (c *Config) FeedInterval() time.Duration {
	return time.Duration(c.Feed.IntervalSeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "pgx"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Venue.TimeoutSeconds <= 0 {
		cfg.Venue.TimeoutSeconds = 60
	}
	if len(cfg.Venue.PendingStatuses) == 0 {
		cfg.Venue.PendingStatuses = []string{"pending", "pending_payment", "to_pay", "unpaid", "trading"}
	}
	if cfg.Orders.MaxRetries == 0 {
		cfg.Orders.MaxRetries = 3
	}
	if cfg.Detector.IntervalSeconds <= 0 {
		cfg.Detector.IntervalSeconds = 30
	}
	if cfg.Detector.StaleAfterSeconds <= 0 {
		cfg.Detector.StaleAfterSeconds = 300
	}
	if cfg.Detector.SessionRetrySeconds <= 0 {
		cfg.Detector.SessionRetrySeconds = 30
	}
	if cfg.Detector.ReconcileBatch <= 0 {
		cfg.Detector.ReconcileBatch = 10
	}
	if cfg.Executor.IntervalSeconds <= 0 {
		cfg.Executor.IntervalSeconds = 15
	}
	if cfg.Executor.LeaseSeconds <= 0 {
		cfg.Executor.LeaseSeconds = 300
	}
	if cfg.Executor.TransferTimeoutSeconds <= 0 {
		cfg.Executor.TransferTimeoutSeconds = 120
	}
	if cfg.Relay.Exchange == "" {
		cfg.Relay.Exchange = "autopay.events"
	}
	if cfg.Relay.IntervalSeconds <= 0 {
		cfg.Relay.IntervalSeconds = 2
	}
	if cfg.Relay.Batch <= 0 {
		cfg.Relay.Batch = 100
	}
	if cfg.Relay.SettleSeconds <= 0 {
		cfg.Relay.SettleSeconds = 2
	}
	if cfg.Feed.IntervalSeconds <= 0 {
		cfg.Feed.IntervalSeconds = 2
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SERVER_TOKEN_HASH"); v != "" {
		cfg.Server.TokenHash = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("VENUE_ENDPOINT"); v != "" {
		cfg.Venue.Endpoint = v
	}
	if v := os.Getenv("VENUE_TIMEOUT_SECONDS"); v != "" {
		cfg.Venue.TimeoutSeconds = atoiOr(cfg.Venue.TimeoutSeconds, v)
	}
	if v := os.Getenv("VENUE_PENDING_STATUSES"); v != "" {
		cfg.Venue.PendingStatuses = splitCommaList(v)
	}
	if v := os.Getenv("PAYOUT_ENDPOINT"); v != "" {
		cfg.Payout.Endpoint = v
	}
	if v := os.Getenv("PAYOUT_API_KEY"); v != "" {
		cfg.Payout.APIKey = v
	}
	if v := os.Getenv("ORDERS_MAX_RETRIES"); v != "" {
		cfg.Orders.MaxRetries = atoiOr(cfg.Orders.MaxRetries, v)
	}
	if v := os.Getenv("DETECTOR_INTERVAL_SECONDS"); v != "" {
		cfg.Detector.IntervalSeconds = atoi64Or(cfg.Detector.IntervalSeconds, v)
	}
	if v := os.Getenv("DETECTOR_STALE_AFTER_SECONDS"); v != "" {
		cfg.Detector.StaleAfterSeconds = atoi64Or(cfg.Detector.StaleAfterSeconds, v)
	}
	if v := os.Getenv("EXECUTOR_INTERVAL_SECONDS"); v != "" {
		cfg.Executor.IntervalSeconds = atoi64Or(cfg.Executor.IntervalSeconds, v)
	}
	if v := os.Getenv("EXECUTOR_LEASE_SECONDS"); v != "" {
		cfg.Executor.LeaseSeconds = atoi64Or(cfg.Executor.LeaseSeconds, v)
	}
	if v := os.Getenv("EXECUTOR_TRANSFER_TIMEOUT_SECONDS"); v != "" {
		cfg.Executor.TransferTimeoutSeconds = atoi64Or(cfg.Executor.TransferTimeoutSeconds, v)
	}
	if v := os.Getenv("EXECUTOR_WORKER_ID"); v != "" {
		cfg.Executor.WorkerID = v
	}
	if v := os.Getenv("RELAY_AMQP_URL"); v != "" {
		cfg.Relay.AMQPURL = v
	}
	if v := os.Getenv("RELAY_EXCHANGE"); v != "" {
		cfg.Relay.Exchange = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
