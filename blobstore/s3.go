package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// S3 stores blobs as objects in an S3 bucket, for deployments that keep
// room imagery alongside other course material in a bucket.
//
// # Authentication
//
// The client uses the AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	log    logrus.FieldLogger
}

// S3Config holds S3 blob store configuration.
type S3Config struct {
	// Region is the AWS region (optional, defaults to us-east-1).
	Region string

	// Bucket is the S3 bucket name.
	Bucket string

	// Prefix is prepended to every blob key (optional).
	Prefix string

	// Logger receives structured store events. Defaults to the
	// standard logger.
	Logger logrus.FieldLogger
}

// DefaultS3Config returns a default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region: "us-east-1",
		Bucket: "cluebox-room-images",
	}
}

// NewS3 creates an S3-backed blob store.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	// If no credentials provided in env, use anonymous
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    cfg.Logger.WithField("component", "blobstore-s3"),
	}, nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

// retryPolicy bounds transient-failure retries for one S3 call. Image
// blobs are small, so a short exponential backoff is enough.
func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}

// Put stores data under key, silently replacing any prior object.
func (s *S3) Put(ctx context.Context, key, data string) error {
	_, span := tracer.Start(ctx, "blobstore.S3.Put")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	op := func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
			Body:   bytes.NewReader([]byte(data)),
		})
		return err
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}

	s.log.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("stored blob in s3")
	return nil
}

// Get returns the bytes stored under key, or ErrNotFound when the
// object does not exist.
func (s *S3) Get(ctx context.Context, key string) (string, error) {
	_, span := tracer.Start(ctx, "blobstore.S3.Get")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return "", err
	}

	op := func() (string, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				// Missing objects are a terminal outcome, not a
				// transient failure.
				return "", backoff.Permanent(ErrNotFound)
			}
			return "", err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := backoff.RetryWithData(op, retryPolicy(ctx))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get object %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key. S3 deletes are already
// idempotent; deleting a missing object succeeds.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "blobstore.S3.Delete")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	op := func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		return err
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// Compile-time interface check
var _ Store = (*S3)(nil)
