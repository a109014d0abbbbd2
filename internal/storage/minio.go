// Package storage resolves object-storage media URIs into fetchable URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

// Scheme marks media stored in the configured object store.
const Scheme = "s3"

// ErrInvalidURI is returned for s3:// URIs without an object key.
var ErrInvalidURI = errors.New("invalid object uri")

// MinioResolver presigns s3://bucket/key URIs against an S3-compatible store.
// Presigned URLs are cached in Redis for half their lifetime when a cache is
// configured.
type MinioResolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	cache  *cache.Cache
	logger *zap.Logger
}

// NewMinioResolver creates a resolver. Presigning is local, so no request is
// made to the store here.
func NewMinioResolver(cfg *config.StorageConfig, c *cache.Cache) (*MinioResolver, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &MinioResolver{
		client: client,
		bucket: cfg.Bucket,
		ttl:    ttl,
		cache:  c,
		logger: logging.WithComponent("storage"),
	}, nil
}

// Resolve returns a fetchable URL for uri. Non-s3 URIs are returned as is.
func (r *MinioResolver) Resolve(ctx context.Context, uri string) (string, error) {
	bucket, key, ok, err := ParseObjectURI(uri, r.bucket)
	if err != nil {
		return "", err
	}
	if !ok {
		return uri, nil
	}

	cacheKey := "presign:" + cache.HashKey(bucket, key)
	if cached, err := r.cache.Get(ctx, cacheKey); err == nil {
		return cached, nil
	}

	u, err := r.client.PresignedGetObject(ctx, bucket, key, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", uri, err)
	}
	signed := u.String()

	if err := r.cache.Set(ctx, cacheKey, signed, r.ttl/2); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		r.logger.Debug("Failed to cache presigned url", zap.String("uri", uri), zap.Error(err))
	}
	return signed, nil
}

// ParseObjectURI splits s3://bucket/key. A URI of the form s3:///key uses
// defaultBucket. ok is false for URIs of any other scheme.
func ParseObjectURI(uri, defaultBucket string) (bucket, key string, ok bool, err error) {
	u, perr := url.Parse(uri)
	if perr != nil || u.Scheme != Scheme {
		return "", "", false, nil
	}

	bucket = u.Host
	if bucket == "" {
		bucket = defaultBucket
	}
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", true, fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return bucket, key, true, nil
}
