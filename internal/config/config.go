// Package config loads the engine's runtime configuration. It follows the
// same layering the teacher's configuration loader used: a .env file for
// local development, an optional YAML overlay, then environment variables
// decoded with envdecode taking final precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/infrastructure/utils"
)

// Config is the complete set of knobs the CLI surface (§6) exposes by
// environment variable.
type Config struct {
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	MockMode     bool   `env:"MOCK_MODE,default=false"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`

	IncomingDir   string `env:"INCOMING_DIR,default=incoming"`
	ProcessedDir  string `env:"PROCESSED_DIR,default=processed"`
	ProjectsDir   string `env:"PROJECTS_DIR,default=projects"`
	DataDir       string `env:"DATA_DIR,default=data"`
	DeadLetterDir string `env:"DEAD_LETTER_DIR,default=dead-letter"`
	LogDir        string `env:"LOG_DIR,default=logs"`

	RateLimitRPM      int     `env:"RATE_LIMIT_RPM,default=60"`
	RateLimitBurst    int     `env:"RATE_LIMIT_BURST,default=60"`
	RateLimitJitter   float64 `env:"RATE_LIMIT_JITTER,default=0.2"`
	MaxConcurrency    int     `env:"MAX_CONCURRENCY,default=4"`
	MaxWaiting        int     `env:"MAX_WAITING,default=50"`
	PoolMinSize       int     `env:"POOL_MIN_SIZE,default=2"`
	PoolMaxSize       int     `env:"POOL_MAX_SIZE,default=8"`
	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT,default=5m"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT,default=10s"`

	APITimeout         time.Duration `env:"API_TIMEOUT,default=120s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL,default=60s"`
	MaxRetries         int           `env:"MAX_RETRIES,default=3"`
	LLMCallMaxRetries  int           `env:"LLM_CALL_MAX_RETRIES,default=3"`
	MaxStaleRecoveries int           `env:"MAX_STALE_RECOVERIES,default=3"`

	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD,default=5"`
	CircuitResetTimeout     time.Duration `env:"CIRCUIT_RESET_TIMEOUT,default=30s"`
	CircuitSuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD,default=2"`

	StableWriteDelay time.Duration `env:"STABLE_WRITE_DELAY,default=2s"`
	StablePollPeriod time.Duration `env:"STABLE_POLL_PERIOD,default=100ms"`

	MetricsAddr string `env:"METRICS_ADDR"`

	FallbackChainRaw string `env:"FALLBACK_CHAIN,default=gemini-pro,gemini-flash,gemini-flash-lite"`
	StrictModelsRaw  string `env:"STRICT_MODELS,default=gemini-flash-lite"`

	FallbackChain []string
	StrictModels  []string

	AudioEnabled bool `env:"AUDIO_ENABLED,default=false"`
}

// Load assembles the Config the teacher's way: dotenv, then an optional
// YAML file, then environment variables via envdecode as the final,
// authoritative layer.
func Load() (*Config, error) {
	_ = godotenv.Load()

	if err := loadYAMLOverlay(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, svcerrors.ConfigInvalid("environment", err)
		}
	}

	if cfg.GeminiAPIKey == "" && !cfg.MockMode {
		return nil, svcerrors.ConfigMissing("GEMINI_API_KEY")
	}

	normalize(cfg)
	return cfg, nil
}

// loadYAMLOverlay applies configs/config.yaml (or CONFIG_FILE) as env-var
// overrides, tolerating its absence entirely.
func loadYAMLOverlay() error {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return svcerrors.ConfigInvalid(path, err)
	}

	overlay := map[string]string{}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return svcerrors.ConfigInvalid(path, err)
	}
	for k, v := range overlay {
		if _, already := os.LookupEnv(k); !already {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 60
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.PoolMaxSize < cfg.PoolMinSize {
		cfg.PoolMaxSize = cfg.PoolMinSize
	}
	cfg.FallbackChain = splitCSV(cfg.FallbackChainRaw)
	if len(cfg.FallbackChain) == 0 {
		cfg.FallbackChain = []string{"gemini-pro", "gemini-flash", "gemini-flash-lite"}
	}
	cfg.StrictModels = splitCSV(cfg.StrictModelsRaw)
}

func splitCSV(raw string) []string {
	return utils.TrimEmpty(utils.SplitTrim(raw, ","))
}

// IsStrictModel reports whether model requires the strict degradation prompt.
func (c *Config) IsStrictModel(model string) bool {
	for _, m := range c.StrictModels {
		if m == model {
			return true
		}
	}
	return false
}
