package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level runtime configuration. Everything is driven by
// environment variables; there is no config file and no persisted state.
type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	RiskConfig      RiskConfig      `json:"risk"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	NotifierConfig  NotifierConfig  `json:"notifier"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`

	// Symbols is the allow-list of trading pairs the manager is permitted
	// to touch. Positions on other symbols are ignored.
	Symbols []string `json:"symbols"`
}

// ExchangeConfig holds Binance Futures connectivity settings.
type ExchangeConfig struct {
	APIKey            string        `json:"api_key"`
	APISecret         string        `json:"api_secret"`
	TestNet           bool          `json:"testnet"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	MinRequestSpacing time.Duration `json:"min_request_spacing"`
	PriceStream       bool          `json:"price_stream"`
	CandleInterval    string        `json:"candle_interval"`
	CandleLimit       int           `json:"candle_limit"`
}

// RiskConfig holds every tunable of the risk engine. Defaults mirror the
// production values; each one can be overridden individually.
type RiskConfig struct {
	MinStopLoss           float64           `json:"min_stop_loss"`           // 0.015 = 1.5% minimum implied loss
	MaxStopLoss           float64           `json:"max_stop_loss"`           // 0.05  = 5% maximum implied loss
	VolatilityMultiplier  float64           `json:"volatility_multiplier"`   // ATR multiplier for the base stop
	PartialTrigger        float64           `json:"partial_trigger"`         // partial stop at this fraction of the stop distance
	PartialStopFraction   float64           `json:"partial_stop_fraction"`   // fraction of the position closed by the partial stop
	ATRPeriod             int               `json:"atr_period"`
	SRLookback            int               `json:"sr_lookback"`
	TakeProfitLevels      []TakeProfitLevel `json:"take_profit_levels"`
	TPVolatilityScaling   bool              `json:"tp_volatility_scaling"`
	DustFraction          float64           `json:"dust_fraction"`           // remaining/initial below this counts as closed
	TechnicalTTL          time.Duration     `json:"technical_ttl"`           // max age of cached technical levels
	MarginWarnThreshold   float64           `json:"margin_warn_threshold"`   // warn above this margin ratio
	MarginDeriskThreshold float64           `json:"margin_derisk_threshold"` // halve positions above this ratio
}

// TakeProfitLevel is one rung of the take-profit ladder.
type TakeProfitLevel struct {
	Profit float64 `json:"profit"` // profit as a fraction of entry price
	Close  float64 `json:"close"`  // fraction of the detected quantity to close
}

// SchedulerConfig holds the periods of the four manager loops.
type SchedulerConfig struct {
	DetectInterval  time.Duration `json:"detect_interval"`
	LevelInterval   time.Duration `json:"level_interval"`
	MarginInterval  time.Duration `json:"margin_interval"`
	ReportInterval  time.Duration `json:"report_interval"`
	ShutdownGrace   time.Duration `json:"shutdown_grace"`
}

// NotifierConfig holds Telegram delivery settings.
type NotifierConfig struct {
	Token     string        `json:"token"`
	ChatID    string        `json:"chat_id"`
	QueueSize int           `json:"queue_size"`
	Attempts  int           `json:"attempts"`
	Backoff   time.Duration `json:"backoff"`
}

// ServerConfig holds the control API listener settings.
type ServerConfig struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	APIKeys []string `json:"api_keys"` // accepted X-API-KEY values
}

type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Load builds the configuration from the environment.
func Load() *Config {
	cfg := &Config{
		ExchangeConfig: ExchangeConfig{
			APIKey:            os.Getenv("EXCHANGE_API_KEY"),
			APISecret:         os.Getenv("EXCHANGE_API_SECRET"),
			TestNet:           getEnvBoolOrDefault("EXCHANGE_TESTNET", false),
			RequestTimeout:    getEnvDurationOrDefault("EXCHANGE_REQUEST_TIMEOUT", 10*time.Second),
			MinRequestSpacing: getEnvDurationOrDefault("EXCHANGE_MIN_REQUEST_SPACING", 100*time.Millisecond),
			PriceStream:       getEnvBoolOrDefault("PRICE_STREAM_ENABLED", false),
			CandleInterval:    getEnvOrDefault("CANDLE_INTERVAL", "15m"),
			CandleLimit:       getEnvIntOrDefault("CANDLE_LIMIT", 50),
		},
		RiskConfig: RiskConfig{
			MinStopLoss:           getEnvFloatOrDefault("MIN_STOP_LOSS", 0.015),
			MaxStopLoss:           getEnvFloatOrDefault("MAX_STOP_LOSS", 0.05),
			VolatilityMultiplier:  getEnvFloatOrDefault("VOLATILITY_MULTIPLIER", 1.5),
			PartialTrigger:        getEnvFloatOrDefault("PARTIAL_TRIGGER", 0.4),
			PartialStopFraction:   getEnvFloatOrDefault("PARTIAL_STOP_FRACTION", 0.3),
			ATRPeriod:             getEnvIntOrDefault("ATR_PERIOD", 14),
			SRLookback:            getEnvIntOrDefault("SR_LOOKBACK", 20),
			TPVolatilityScaling:   getEnvBoolOrDefault("TP_VOLATILITY_SCALING", false),
			DustFraction:          getEnvFloatOrDefault("DUST_FRACTION", 0.05),
			TechnicalTTL:          getEnvDurationOrDefault("TECHNICAL_TTL", time.Hour),
			MarginWarnThreshold:   getEnvFloatOrDefault("MARGIN_WARN_THRESHOLD", 0.70),
			MarginDeriskThreshold: getEnvFloatOrDefault("MARGIN_DERISK_THRESHOLD", 0.85),
			TakeProfitLevels: []TakeProfitLevel{
				{Profit: getEnvFloatOrDefault("TP1_PROFIT", 0.0025), Close: getEnvFloatOrDefault("TP1_CLOSE", 0.50)},
				{Profit: getEnvFloatOrDefault("TP2_PROFIT", 0.0030), Close: getEnvFloatOrDefault("TP2_CLOSE", 0.30)},
				{Profit: getEnvFloatOrDefault("TP3_PROFIT", 0.0035), Close: getEnvFloatOrDefault("TP3_CLOSE", 0.20)},
			},
		},
		SchedulerConfig: SchedulerConfig{
			DetectInterval: getEnvDurationOrDefault("DETECT_INTERVAL", 30*time.Second),
			LevelInterval:  getEnvDurationOrDefault("LEVEL_CHECK_INTERVAL", 10*time.Second),
			MarginInterval: getEnvDurationOrDefault("MARGIN_CHECK_INTERVAL", 60*time.Second),
			ReportInterval: getEnvDurationOrDefault("REPORT_INTERVAL", 6*time.Hour),
			ShutdownGrace:  getEnvDurationOrDefault("SHUTDOWN_GRACE", 30*time.Second),
		},
		NotifierConfig: NotifierConfig{
			Token:     os.Getenv("NOTIFIER_TOKEN"),
			ChatID:    os.Getenv("NOTIFIER_CHAT_ID"),
			QueueSize: getEnvIntOrDefault("NOTIFIER_QUEUE_SIZE", 100),
			Attempts:  getEnvIntOrDefault("NOTIFIER_ATTEMPTS", 3),
			Backoff:   getEnvDurationOrDefault("NOTIFIER_BACKOFF", 2*time.Second),
		},
		ServerConfig: ServerConfig{
			Host:    getEnvOrDefault("API_HOST", "0.0.0.0"),
			Port:    getEnvIntOrDefault("API_PORT", 8080),
			APIKeys: splitList(os.Getenv("API_KEYS")),
		},
		LoggingConfig: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Symbols: splitList(getEnvOrDefault("SYMBOLS", "BNBUSDT,ETHUSDT")),
	}

	return cfg
}

// Validate checks the settings that have no sane default. A non-nil error
// is fatal at startup (exit code 1).
func (c *Config) Validate() error {
	if c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.APISecret == "" {
		return fmt.Errorf("config: EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must list at least one trading pair")
	}
	if c.RiskConfig.MinStopLoss <= 0 || c.RiskConfig.MaxStopLoss <= c.RiskConfig.MinStopLoss {
		return fmt.Errorf("config: stop-loss bounds invalid (min=%v max=%v)",
			c.RiskConfig.MinStopLoss, c.RiskConfig.MaxStopLoss)
	}
	if c.RiskConfig.PartialTrigger <= 0 || c.RiskConfig.PartialTrigger >= 1 {
		return fmt.Errorf("config: PARTIAL_TRIGGER must be in (0,1)")
	}
	if c.RiskConfig.PartialStopFraction <= 0 || c.RiskConfig.PartialStopFraction >= 1 {
		return fmt.Errorf("config: PARTIAL_STOP_FRACTION must be in (0,1)")
	}
	total := 0.0
	for i, lvl := range c.RiskConfig.TakeProfitLevels {
		if lvl.Profit <= 0 || lvl.Close <= 0 {
			return fmt.Errorf("config: take-profit level %d invalid", i+1)
		}
		total += lvl.Close
	}
	if total > 1.0001 {
		return fmt.Errorf("config: take-profit close fractions sum to %.4f (> 1)", total)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
