// Package storage holds model artifacts on the local filesystem or in an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/loqalabs/loqa-sound/internal/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: not found")

// BlobStore is a flat key/value view of an object store. Keys use forward
// slashes regardless of backend.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("storage: s3 bucket is required")
		}
		return NewS3(newS3Client(cfg), cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

func newS3Client(cfg config.StorageConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "loqa-sound config",
		}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}))
	}
	return s3.New(opts)
}
