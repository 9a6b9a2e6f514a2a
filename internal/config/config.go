package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Database *dbConfig
	Redis    *redisConfig
	Service  *svcConfig
	Pipeline *pipelineConfig
	OCR      *ocrConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"lexflow"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type redisConfig struct {
	Address     string        `envconfig:"REDIS_ADDRESS" default:"localhost:6379"`
	Password    string        `envconfig:"REDIS_PASSWORD" default:""`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	SnapshotTTL time.Duration `envconfig:"REDIS_SNAPSHOT_TTL" default:"24h"`
}

type svcConfig struct {
	Address         string `envconfig:"LEXFLOW_ADDRESS" default:":8080"`
	MetricsAddress  string `envconfig:"LEXFLOW_METRICS_ADDRESS" default:":8081"`
	LogLevel        string `envconfig:"LEXFLOW_LOG_LEVEL" default:"info"`
	MigrationFolder string `envconfig:"LEXFLOW_MIGRATIONS_FOLDER" default:"pkg/migrations/sql"`
}

type pipelineConfig struct {
	WorkerCount       int           `envconfig:"PIPELINE_WORKER_COUNT" default:"4"`
	ClaimBatchSize    int           `envconfig:"PIPELINE_CLAIM_BATCH_SIZE" default:"10"`
	ClaimInterval     time.Duration `envconfig:"PIPELINE_CLAIM_INTERVAL" default:"1s"`
	MaxProcessingTime time.Duration `envconfig:"PIPELINE_MAX_PROCESSING_TIME" default:"10m"`
	SweepInterval     time.Duration `envconfig:"PIPELINE_SWEEP_INTERVAL" default:"1m"`
	RetryBaseDelay    time.Duration `envconfig:"PIPELINE_RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay     time.Duration `envconfig:"PIPELINE_RETRY_MAX_DELAY" default:"5m"`
	DefaultMaxRetries int           `envconfig:"PIPELINE_DEFAULT_MAX_RETRIES" default:"3"`
	FanInPolicy       string        `envconfig:"PIPELINE_FANIN_POLICY" default:"abort"`
	BreakerThreshold  float64       `envconfig:"PIPELINE_BREAKER_THRESHOLD" default:"0.5"`
	BreakerWindow     int           `envconfig:"PIPELINE_BREAKER_WINDOW" default:"20"`
	BreakerCooldown   time.Duration `envconfig:"PIPELINE_BREAKER_COOLDOWN" default:"30s"`
}

type ocrConfig struct {
	ProviderURL         string        `envconfig:"OCR_PROVIDER_URL" default:"http://localhost:9090"`
	RequestTimeout      time.Duration `envconfig:"OCR_REQUEST_TIMEOUT" default:"30s"`
	PollInitialDelay    time.Duration `envconfig:"OCR_POLL_INITIAL_DELAY" default:"5s"`
	PollInterval        time.Duration `envconfig:"OCR_POLL_INTERVAL" default:"10s"`
	PollMaxWait         time.Duration `envconfig:"OCR_POLL_MAX_WAIT" default:"30m"`
	PollMode            string        `envconfig:"OCR_POLL_MODE" default:"requeue"`
	MinConfidence       float64       `envconfig:"OCR_MIN_CONFIDENCE" default:"0.5"`
	PartialResultPolicy string        `envconfig:"OCR_PARTIAL_RESULT_POLICY" default:"accept"`
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDefault returns a configuration populated only with defaults,
// without reading the environment. Used by tests.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Redis:    &redisConfig{Address: "localhost:6379", SnapshotTTL: 24 * time.Hour},
		Service:  &svcConfig{Address: ":8080", MetricsAddress: ":8081", LogLevel: "info"},
		Pipeline: &pipelineConfig{
			WorkerCount:       4,
			ClaimBatchSize:    10,
			ClaimInterval:     time.Second,
			MaxProcessingTime: 10 * time.Minute,
			SweepInterval:     time.Minute,
			RetryBaseDelay:    5 * time.Second,
			RetryMaxDelay:     5 * time.Minute,
			DefaultMaxRetries: 3,
			FanInPolicy:       "abort",
			BreakerThreshold:  0.5,
			BreakerWindow:     20,
			BreakerCooldown:   30 * time.Second,
		},
		OCR: &ocrConfig{
			PollInitialDelay:    5 * time.Second,
			PollInterval:        10 * time.Second,
			PollMaxWait:         30 * time.Minute,
			PollMode:            "requeue",
			MinConfidence:       0.5,
			PartialResultPolicy: "accept",
			RequestTimeout:      30 * time.Second,
		},
	}
}
