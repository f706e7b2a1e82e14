package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NDJSONContentType is the content type of uploaded exports
const NDJSONContentType = "application/x-ndjson"

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	Region          string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool
	ForcePathStyle  bool
	CreateBucket    bool
}

type S3 struct {
	client *minio.Client
	config *S3Config
}

func NewS3(config *S3Config) (*S3, error) {
	parsedEndpoint, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}

	if parsedEndpoint.Host == "" {
		// Bare host names parse as a path
		parsedEndpoint, err = url.Parse("//" + config.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint url: %w", err)
		}
	}

	if parsedEndpoint.Scheme == "" {
		if config.UseSSL {
			parsedEndpoint.Scheme = "https"
		} else {
			parsedEndpoint.Scheme = "http"
		}
	} else {
		config.UseSSL = parsedEndpoint.Scheme == "https"
	}
	config.Endpoint = parsedEndpoint.Scheme + "://" + parsedEndpoint.Host

	bucketLookup := minio.BucketLookupAuto
	if config.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(parsedEndpoint.Host, &minio.Options{
		Creds:        s3Credentials(config),
		Secure:       config.UseSSL,
		Region:       config.Region,
		BucketLookup: bucketLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &S3{
		client: client,
		config: config,
	}, nil
}

// s3Credentials uses static keys when configured and otherwise the usual AWS chain:
// environment, shared credentials file, then the instance or function role.
func s3Credentials(config *S3Config) *credentials.Credentials {
	if config.AccessKeyID != "" {
		return credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, config.SessionToken)
	}

	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

// EnsureBucket creates the bucket when bucket creation is enabled and it does not exist
func (s *S3) EnsureBucket(ctx context.Context, bucket string) error {
	if !s.config.CreateBucket {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return uploadError(fmt.Sprintf("check bucket '%s'", bucket), err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{
			Region: s.config.Region,
		})
		if err != nil {
			return uploadError(fmt.Sprintf("create bucket '%s'", bucket), err)
		}
	}

	return nil
}

// UploadFile puts the file at path as a single object and checks that the store
// acknowledged every byte
func (s *S3) UploadFile(ctx context.Context, bucket, key, path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", utils.Classify(models.ClassStorageWrite, "stat staging file", err)
	}

	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}

	info, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType: NDJSONContentType,
	})
	if err != nil {
		return "", uploadError(fmt.Sprintf("upload object '%s' to bucket '%s'", key, bucket), err)
	}

	if info.Size != stat.Size() {
		return "", utils.Classify(models.ClassUpload, "upload", fmt.Errorf("%w: sent %d bytes, stored %d", utils.ErrUploadMismatch, stat.Size(), info.Size))
	}

	return ObjectURL(bucket, key), nil
}

// ObjectURL returns the s3:// location of an object
func ObjectURL(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

func uploadError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return utils.Classify(models.ClassAuthorization, op, err)
	}
	return utils.Classify(models.ClassUpload, op, err)
}
