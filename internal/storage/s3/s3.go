// Package s3 implements the S3-compatible storage driver for training media.
// It supports AWS S3, MinIO, and other S3-compatible services via a
// configurable endpoint. Authentication uses either the default AWS credential
// chain (recommended for EC2/EKS with IAM roles) or static key/secret.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/storage"
)

func init() {
	storage.Register("s3", func(cfg *appconfig.Config) (storage.Store, error) {
		return New(&cfg.Storage.S3)
	})
}

// S3Store implements the Store interface on an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// New creates an S3-compatible storage driver.
//
// Authentication methods:
//   - "default" or empty: AWS default credential chain (env vars, shared
//     config, IAM role, IMDS)
//   - "static": explicit access key and secret key
func New(cfg *appconfig.S3StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case "default":
		// Default credential chain needs no extra configuration.
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default' or 'static')", authMethod)
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible services (MinIO etc.) need path-style addressing.
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Upload stores an object under key.
func (s *S3Store) Upload(ctx context.Context, key string, reader io.Reader) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("failed to read data: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload to S3: %w", err)
	}
	return int64(len(data)), nil
}

// Download retrieves an object from S3.
func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

// Delete removes one object. S3 DeleteObject succeeds for missing keys, which
// is exactly the idempotency the deletion jobs need.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// DeletePrefix lists and batch-deletes every object under prefix.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("failed to delete %s under prefix %s: %s",
				aws.ToString(first.Key), prefix, aws.ToString(first.Message))
		}
		deleted += len(objects)
	}

	return deleted, nil
}

// Exists reports whether an object is present at key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}
