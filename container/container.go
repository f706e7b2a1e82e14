package container

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/foresturquhart/searchexport/config"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/storage"
	"github.com/foresturquhart/searchexport/storage/elastic"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Container struct {
	Config   *config.Config
	S3       *storage.S3
	Redis    *storage.Redis    // nil unless REDIS_ADDR is set
	Postgres *storage.Postgres // nil unless POSTGRES_URL is set
	Worker   tasks.Client      // set once a worker is running

	credentials aws.CredentialsProvider
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	// Resolve AWS credentials for request signing
	if cfg.Backend == config.BackendOpenSearch && cfg.SignRequests {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws configuration: %w", err)
		}
		c.credentials = awsCfg.Credentials
	}

	// Initialize object store client
	s3Client, err := storage.NewS3(&storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		Region:          cfg.S3RegionOrDefault(),
		SecretAccessKey: cfg.S3SecretAccessKey,
		SessionToken:    cfg.S3SessionToken,
		UseSSL:          cfg.S3UseSSL,
		ForcePathStyle:  cfg.S3ForcePathStyle,
		CreateBucket:    cfg.S3CreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3: %w", err)
	}
	c.S3 = s3Client

	// Initialize redis client
	if cfg.RedisAddr != "" {
		redisClient, err := storage.NewRedis(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDatabase,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		c.Redis = redisClient
	}

	// Initialize postgres client
	if cfg.PostgresURL != "" {
		postgresClient, err := storage.NewPostgres(cfg.PostgresURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		c.Postgres = postgresClient
	}

	return c, nil
}

// ClientConfig returns the search client settings derived from the configuration
func (c *Container) ClientConfig() models.ClientConfig {
	return models.ClientConfig{
		Endpoint:            c.Config.OpenSearchURL,
		Region:              c.Config.AWSRegion,
		Service:             c.Config.SearchService,
		CredentialsProvider: c.credentials,
		RequestTimeout:      c.Config.RequestTimeout,
		SortField:           c.Config.SortField,
		APIKey:              c.Config.SearchAPIKey,
	}
}

// NewSearchClient opens a fresh search client session for the configured back end
func (c *Container) NewSearchClient() (models.SearchClient, error) {
	switch c.Config.Backend {
	case config.BackendOpenSearch:
		return storage.NewOpenSearch(c.ClientConfig())
	case config.BackendElasticsearch:
		return elastic.NewElastic(c.ClientConfig())
	default:
		return nil, fmt.Errorf("unsupported search backend %q", c.Config.Backend)
	}
}

// Migrate applies the run ledger migrations when a ledger is configured
func (c *Container) Migrate() error {
	if c.Postgres == nil {
		return nil
	}
	return c.Postgres.Migrate()
}

// Close gracefully shuts down all container resources
func (c *Container) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
		}
	}

	if c.Postgres != nil {
		c.Postgres.Close()
	}
}
