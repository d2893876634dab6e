// Package config loads ordercore's runtime configuration from the
// environment, the same way the teacher loads its exchange credentials: a
// single .env read at process start, then flat os.Getenv lookups with typed
// defaults. No reflection-based binding.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the Order Management Core needs to start.
type Config struct {
	ClientID string
	DBPath   string

	BrokerBaseURL string
	BrokerAPIKey  string
	BrokerSecret  string

	ScriptMasterSnapshotPath string
	RulesDir                 string // directory of <strategy_name>.json Adjustment Engine rule files

	WatcherPollInterval    time.Duration
	RiskHeartbeatInterval  time.Duration
	AdjustmentTickInterval time.Duration
	ConsumerPollInterval   time.Duration
	IntentRecoveryTimeout  time.Duration
	BrokerCallTimeout      time.Duration
	OrderRetention         time.Duration

	RiskDailyMaxLoss  float64
	RiskCooldownAfter time.Duration

	HTTPListenAddr    string
	MetricsListenAddr string

	JWTSigningKey     string
	AdminUsername     string
	AdminPasswordHash string // bcrypt hash
	AdminTOTPSecret   string // base32 TOTP seed, pquerna/otp/totp
}

// Load reads a .env file at path (if present; a missing file is not an
// error, matching godotenv.Load's own semantics of layering over whatever is
// already in the environment) and then builds a Config from the process
// environment with defaults applied.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	}

	cfg := &Config{
		ClientID:                 getenv("OMC_CLIENT_ID", "default"),
		DBPath:                   getenv("OMC_DB_PATH", "ordercore.db"),
		BrokerBaseURL:            getenv("OMC_BROKER_BASE_URL", ""),
		BrokerAPIKey:             getenv("OMC_BROKER_API_KEY", ""),
		BrokerSecret:             getenv("OMC_BROKER_SECRET", ""),
		ScriptMasterSnapshotPath: getenv("OMC_SCRIPTMASTER_PATH", "scriptmaster.json"),
		RulesDir:                 getenv("OMC_RULES_DIR", "rules"),
		WatcherPollInterval:      getenvDuration("OMC_WATCHER_POLL_INTERVAL", time.Second),
		RiskHeartbeatInterval:    getenvDuration("OMC_RISK_HEARTBEAT_INTERVAL", 5*time.Second),
		AdjustmentTickInterval:   getenvDuration("OMC_ADJUSTMENT_TICK_INTERVAL", 2*time.Second),
		ConsumerPollInterval:     getenvDuration("OMC_CONSUMER_POLL_INTERVAL", time.Second),
		IntentRecoveryTimeout:    getenvDuration("OMC_INTENT_RECOVERY_TIMEOUT", 5*time.Minute),
		BrokerCallTimeout:        getenvDuration("OMC_BROKER_CALL_TIMEOUT", 10*time.Second),
		OrderRetention:           getenvDuration("OMC_ORDER_RETENTION", 72*time.Hour),
		RiskDailyMaxLoss:         getenvFloat("OMC_RISK_DAILY_MAX_LOSS", -1000),
		RiskCooldownAfter:        getenvDuration("OMC_RISK_COOLDOWN_AFTER", 15*time.Minute),
		HTTPListenAddr:           getenv("OMC_HTTP_LISTEN_ADDR", ":8080"),
		MetricsListenAddr:        getenv("OMC_METRICS_LISTEN_ADDR", ":9090"),
		JWTSigningKey:            getenv("OMC_JWT_SIGNING_KEY", ""),
		AdminUsername:            getenv("OMC_ADMIN_USERNAME", "admin"),
		AdminPasswordHash:        getenv("OMC_ADMIN_PASSWORD_HASH", ""),
		AdminTOTPSecret:          getenv("OMC_ADMIN_TOTP_SECRET", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("OMC_CLIENT_ID must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("OMC_DB_PATH must not be empty")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
