package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes the upload destination.
type S3Config struct {
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string // S3-compatible endpoint; enables path-style addressing
	MaxRetries int
}

// uploader is the subset of manager.Uploader used here.
type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 uploads archives to a bucket.
type S3 struct {
	up     uploader
	bucket string
	prefix string
}

// NewS3 loads the default AWS credential chain and builds an uploader.
// With a custom endpoint, AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY are used
// as static credentials when both are set.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts,
			awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		accessKey, secretKey := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if accessKey != "" && secretKey != "" {
			awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
	})
	return newS3(up, cfg), nil
}

func newS3(up uploader, cfg S3Config) *S3 {
	return &S3{up: up, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
}

// Key returns the object key an upload of localPath is stored under.
func (s *S3) Key(localPath string) string {
	return path.Join(s.prefix, filepath.Base(localPath))
}

// Upload stores localPath under the configured prefix, recording the
// BLAKE3 checksum as object metadata. It returns the s3:// URL.
func (s *S3) Upload(ctx context.Context, localPath, blake3Sum string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	key := s.Key(localPath)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if blake3Sum != "" {
		in.Metadata = map[string]string{"blake3": blake3Sum}
	}
	if _, err := s.up.Upload(ctx, in); err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", s.bucket, key, err)
	}
	slog.Info("uploaded archive", "bucket", s.bucket, "key", key)
	return "s3://" + s.bucket + "/" + key, nil
}
