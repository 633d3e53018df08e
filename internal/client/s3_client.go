package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
)

// StorageClient defines the object storage operations used for generated images
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	PublicURL(key string) string
	Close() error
}

// S3Client implements StorageClient for S3-compatible stores (MinIO, R2, AWS)
type S3Client struct {
	s3Client  *s3.Client
	bucket    string
	region    string
	endpoint  string
	publicURL string

	mu          sync.Mutex
	bucketReady bool
}

// NewS3Client creates a new object storage client
func NewS3Client(ctx context.Context, cfg *config.StorageConfig) (*S3Client, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("storage configuration incomplete")
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Client{
		s3Client:  s3Client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  endpoint,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Upload stores an object and returns its public URL
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if err := c.ensureBucket(ctx); err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to object storage: %w", err)
	}

	return c.PublicURL(key), nil
}

// PublicURL returns the URL clients use to fetch key
func (c *S3Client) PublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
}

// Close releases pooled connections
func (c *S3Client) Close() error {
	if closer, ok := c.s3Client.Options().HTTPClient.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Client) IsConfigured() bool {
	return c.s3Client != nil && c.bucket != ""
}

// ensureBucket creates the bucket on first use. Failures are not remembered.
func (c *S3Client) ensureBucket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucketReady {
		return nil
	}

	if _, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err == nil {
		c.bucketReady = true
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}
	if c.region != "" && c.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}

	if _, err := c.s3Client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	} else {
		log.Printf("Created bucket %s", c.bucket)
	}

	c.bucketReady = true
	return nil
}

func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
