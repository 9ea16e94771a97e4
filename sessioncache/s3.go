package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

const fallbackRegion = "us-east-1"

// S3Params ...
type S3Params struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps one object per fingerprint under a bucket prefix, so machines
// without a shared disk can still resume each other's uploads.
// The object's LastModified is the entry's creation time.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	ttl    time.Duration
	logger log.Logger
	now    func() time.Time
}

// NewS3Store loads AWS configuration and returns a store backed by the given bucket.
// If no region is configured the bucket's region is looked up.
func NewS3Store(ctx context.Context, params S3Params, ttl time.Duration, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.Region == "" {
		cfg.Region = fallbackRegion
		region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(cfg), params.Bucket)
		if err != nil {
			return nil, fmt.Errorf("determine region of bucket %s: %w", params.Bucket, err)
		}
		logger.Debugf("Bucket %s is in region %s", params.Bucket, region)
		cfg.Region = region
	}

	return newS3Store(s3.NewFromConfig(cfg), params.Bucket, params.Prefix, ttl, logger), nil
}

func newS3Store(client s3API, bucket, prefix string, ttl time.Duration, logger log.Logger) *S3Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Get ...
func (s *S3Store) Get(ctx context.Context, fingerprint string) (string, bool) {
	if err := validateFingerprint(fingerprint); err != nil {
		s.logger.Warnf("Session cache lookup skipped: %s", err)
		return "", false
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err != nil {
		if !isNotFound(err) {
			s.logger.Warnf("Failed to get session cache entry: %s", err)
		}
		return "", false
	}
	defer out.Body.Close() //nolint:errcheck

	if out.LastModified != nil && expired(*out.LastModified, s.now(), s.ttl) {
		s.logger.Debugf("Session cache entry %s expired", fingerprint)
		if err := s.Clear(ctx, fingerprint); err != nil {
			s.logger.Warnf("Failed to remove expired session cache entry: %s", err)
		}
		return "", false
	}

	body, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Warnf("Failed to read session cache entry: %s", err)
		return "", false
	}

	sessionURL := strings.TrimSpace(string(body))
	return sessionURL, sessionURL != ""
}

// Set ...
func (s *S3Store) Set(ctx context.Context, fingerprint, sessionURL string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(fingerprint)),
		Body:        strings.NewReader(sessionURL),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("put session cache entry: %w", err)
	}
	return nil
}

// Clear ...
func (s *S3Store) Clear(ctx context.Context, fingerprint string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete session cache entry: %w", err)
	}
	return nil
}

func (s *S3Store) key(fingerprint string) string {
	if s.prefix == "" {
		return fingerprint
	}
	return path.Join(s.prefix, fingerprint)
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return true
		}
	}
	return false
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}
