package plansync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ProviderConfig configures the S3 snapshot provider.
type S3ProviderConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"-" yaml:"secret_access_key,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"` // Key prefix for all objects
	UsePathStyle    bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`

	// MaxRetries is the max retry attempts per S3 operation (default: 3).
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Priority orders this back-end in the fallback chain; lower is tried
	// first. Default: 10
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// S3Provider stores one snapshot object per user in S3 or an S3-compatible
// service.
type S3Provider struct {
	client  *s3.Client
	config  S3ProviderConfig
	codec   *SnapshotCodec
	retryer *Retryer
}

// NewS3Provider creates an S3-backed provider.
func NewS3Provider(cfg S3ProviderConfig, codec *SnapshotCodec) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 provider: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if codec == nil {
		codec = NewSnapshotCodec(true, nil)
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 provider: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Provider{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		codec:  codec,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3Provider) Name() string { return "s3" }

// Probe writes a fixed placeholder object, exercising both credentials and
// bucket write access in one round trip. The placeholder is overwritten on
// every probe.
func (s *S3Provider) Probe(ctx context.Context) error {
	return s.Save(ctx, probeKey, Snapshot{})
}

func (s *S3Provider) Save(ctx context.Context, userID string, snap Snapshot) error {
	data, err := s.codec.Encode(snap)
	if err != nil {
		return err
	}
	key := s.objectKey(userID)
	return s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("s3 put object failed: %w", err)
		}
		return nil
	})
}

func (s *S3Provider) Load(ctx context.Context, userID string) (Snapshot, error) {
	key := s.objectKey(userID)

	var data []byte
	err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrSnapshotNotFound
			}
			return fmt.Errorf("s3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("s3 read body failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(data)
}

func (s *S3Provider) Close() error { return nil }

func (s *S3Provider) objectKey(userID string) string {
	return s.config.Prefix + userID + ".snapshot"
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

var _ Provider = (*S3Provider)(nil)
