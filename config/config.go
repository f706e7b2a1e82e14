package config

import (
	"time"

	"github.com/caarlos0/env/v6"
)

// Search back ends
const (
	BackendOpenSearch    = "opensearch"
	BackendElasticsearch = "elasticsearch"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	MetricsExporter string        `env:"METRICS_EXPORTER"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"60s"`

	EncryptionKey string `env:"ENCRYPTION_KEY" envDefault:"secret"`

	// Search endpoint
	OpenSearchURL  string        `env:"OPENSEARCH_URL" envDefault:"http://127.0.0.1:9200"`
	Backend        string        `env:"BACKEND" envDefault:"opensearch"`
	AWSRegion      string        `env:"AWS_REGION" envDefault:"us-east-1"`
	SearchService  string        `env:"SEARCH_SERVICE"`
	SignRequests   bool          `env:"SIGN_REQUESTS" envDefault:"true"`
	SearchAPIKey   string        `env:"SEARCH_API_KEY"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Export behaviour
	PageSize      int           `env:"PAGE_SIZE" envDefault:"1000"`
	SortField     string        `env:"SORT_FIELD" envDefault:"_id"`
	FetchRetries  int           `env:"FETCH_RETRIES" envDefault:"3"`
	Budget        time.Duration `env:"BUDGET" envDefault:"900s"`
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"5m"`
	StagingDir    string        `env:"STAGING_DIR"`
	OutputBucket  string        `env:"OUTPUT_BUCKET"`
	KeyPrefix     string        `env:"KEY_PREFIX"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	Schedule      []string      `env:"SCHEDULE" envSeparator:";"`

	// Object store
	S3Endpoint        string `env:"S3_ENDPOINT" envDefault:"https://s3.amazonaws.com"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3Region          string `env:"S3_REGION"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3SessionToken    string `env:"S3_SESSION_TOKEN"`
	S3UseSSL          bool   `env:"S3_USE_SSL" envDefault:"true"`
	S3ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`
	S3CreateBucket    bool   `env:"S3_CREATE_BUCKET" envDefault:"false"`

	// Optional checkpoint store and task queue
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDatabase int    `env:"REDIS_DATABASE" envDefault:"0"`

	// Optional run ledger
	PostgresURL string `env:"POSTGRES_URL"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// S3RegionOrDefault returns the object store region, falling back to the AWS region
func (c *Config) S3RegionOrDefault() string {
	if c.S3Region != "" {
		return c.S3Region
	}
	return c.AWSRegion
}
