package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"docbatch/internal/circuitbreaker"
	appconfig "docbatch/internal/config"
	"docbatch/internal/metrics"
)

// S3Sink uploads archives to an S3-compatible bucket
type S3Sink struct {
	client         *s3.Client
	bucket         string
	prefix         string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	policy         RetryPolicy
}

// NewS3Sink creates a new S3-compatible archive sink
func NewS3Sink(ctx context.Context, cfg *appconfig.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker, policy RetryPolicy) (*S3Sink, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	cfgOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	// Static credentials (typical for MinIO, R2 and many S3-compatible providers)
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})

	return &S3Sink{
		client:         client,
		bucket:         cfg.S3Bucket,
		prefix:         strings.Trim(cfg.S3Prefix, "/"),
		circuitBreaker: cb,
		metrics:        m,
		policy:         policy,
	}, nil
}

// Key returns the object key an archive named name is stored under.
func (s *S3Sink) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// PutArchive uploads data and returns its s3:// URL.
func (s *S3Sink) PutArchive(ctx context.Context, name string, data []byte) (location string, err error) {
	start := time.Now()
	defer func() { observe(s.metrics, "s3", start, err) }()

	if name == "" || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	key := s.Key(name)

	err = s.circuitBreaker.Do(func() error {
		return s.policy.retry(ctx, isRetryableError, func(ctx context.Context) error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				ContentType:   aws.String("application/zip"),
			})
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// nonRetryableCodes are S3 error codes that will not change on retry.
var nonRetryableCodes = map[string]bool{
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"InvalidBucketName":     true,
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return !nonRetryableCodes[apiErr.ErrorCode()]
	}

	// Network issues, throttling, etc.
	return true
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (s *S3Sink) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(checkCtx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	return nil
}
