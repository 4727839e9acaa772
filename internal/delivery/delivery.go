// Package delivery uploads finished PDFs to S3-compatible object storage.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/observability"
)

const pdfContentType = "application/pdf"

// ErrNotConfigured is returned when the R2 access keys are missing.
var ErrNotConfigured = errors.New("delivery: object storage credentials missing")

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink uploads files.
type Sink interface {
	Upload(ctx context.Context, path, key string) error
}

// S3Sink writes objects into one bucket.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	logger *zap.Logger
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink wraps an existing client.
func NewS3Sink(client PutObjectAPI, bucket string, logger *zap.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, logger: logger.Named("delivery")}
}

// NewR2Sink builds a client for the bucket described by cfg using static
// credentials, path-style addressing and the "auto" region R2 expects.
func NewR2Sink(ctx context.Context, cfg config.R2Config) (*S3Sink, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	endpoint := NormalizeEndpoint(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	logger := observability.GetLogger()
	logger.Info("Initializing R2 client.", zap.String("endpoint", endpoint), zap.String("bucket", cfg.Bucket))
	return NewS3Sink(client, cfg.Bucket, logger), nil
}

// NormalizeEndpoint adds the https scheme to bare host names.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.HasPrefix(endpoint, "http") {
		return endpoint
	}
	return "https://" + endpoint
}

// Upload stores the file at path under key with a PDF content type.
func (s *S3Sink) Upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("local file %s not found: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	s.logger.Info("Uploading to object storage.", zap.String("key", key), zap.Int64("size", info.Size()))

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(pdfContentType),
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Info("Upload complete.", zap.String("key", key))
	return nil
}
