package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config holds all runtime settings. Everything is overridable from the
// environment; defaults are tuned for a single-node deployment.
type Config struct {
	Env      string `env:"CARSCOUT_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage.
	DBPath    string `env:"DB_PATH" envDefault:"carscout.db"`
	BlobDir   string `env:"BLOB_DIR" envDefault:"data/blobs"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// HTTP API.
	APIAddr string `env:"API_ADDR" envDefault:"127.0.0.1:8090"`

	// Scraping.
	PerSourceConcurrency int           `env:"PER_SOURCE_CONCURRENCY" envDefault:"2" validate:"gte=1"`
	ScrapeTickBucket     time.Duration `env:"SCRAPE_TICK_BUCKET" envDefault:"1m"`
	SourceErrorThreshold float64       `env:"SOURCE_ERROR_THRESHOLD" envDefault:"0.5" validate:"gt=0,lte=1"`

	// Queue / workers.
	WorkerFanout      int           `env:"WORKER_FANOUT" envDefault:"4" validate:"gte=1"`
	StageDeadline     time.Duration `env:"STAGE_DEADLINE" envDefault:"60s"`
	MaxStageRetries   int           `env:"MAX_STAGE_RETRIES" envDefault:"5" validate:"gte=1"`
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"500ms"`

	// LLM escalation.
	LLMAPIKey     string        `env:"LLM_API_KEY"`
	LLMModel      string        `env:"LLM_MODEL" envDefault:"claude-3-5-haiku-latest"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"20s"`
	PromptVersion string        `env:"LLM_PROMPT_VERSION" envDefault:"v2"`

	// Telegram delivery.
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	PublicChannel    string `env:"TELEGRAM_PUBLIC_CHANNEL" envDefault:"@CarScoutBG"`

	// Channel delivery policy.
	ChannelPostRate      int           `env:"CHANNEL_POST_RATE" envDefault:"20" validate:"gte=1"`
	DiversityWindow      time.Duration `env:"DIVERSITY_WINDOW" envDefault:"6h"`
	DiversityCapPerModel int           `env:"DIVERSITY_CAP_PER_MODEL" envDefault:"3" validate:"gte=1"`

	// Alerts.
	FreeAlertDelay   time.Duration `env:"FREE_ALERT_DELAY" envDefault:"30m"`
	FreeDailyCap     int           `env:"FREE_DAILY_CAP" envDefault:"10"`
	PremiumDailyCap  int           `env:"PREMIUM_DAILY_CAP" envDefault:"50"`
	NotifyRatePerSec int           `env:"NOTIFY_RATE_PER_SEC" envDefault:"25" validate:"gte=1"`

	// Approval gates.
	ScoreThreshold      float64 `env:"SCORE_THRESHOLD" envDefault:"7.5"`
	SampleThreshold     int     `env:"SAMPLE_THRESHOLD" envDefault:"30" validate:"gte=1"`
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0.6" validate:"gte=0,lte=1"`

	// Seller identity. Rotating the salt orphans every known seller, so it is
	// set once per deployment and never changed.
	PhoneHashSalt string `env:"PHONE_HASH_SALT" envDefault:"carscout-dev-salt"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.StageDeadline < c.LLMTimeout {
		return fmt.Errorf("stage deadline %s shorter than llm timeout %s", c.StageDeadline, c.LLMTimeout)
	}
	return nil
}

// Default returns a Config with all defaults applied and no environment input.
// Used by tests and tooling.
func Default() *Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(err)
	}
	return &cfg
}
