package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/markdave123-py/contextai/internal/core"
)

// objectAPI is the subset of *s3.Client the store uses.
type objectAPI interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Options struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Namespace    string
	PollInterval time.Duration
}

// S3Store keeps each key as a JSON object under <namespace>/<key>.json.
// S3 has no change feed, so Watch polls the object's ETag.
type S3Store struct {
	api      objectAPI
	uploader *manager.Uploader
	bucket   string
	prefix   string
	interval time.Duration
}

func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func NewS3Store(api objectAPI, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	slog.Info("s3 store ready", "bucket", opts.Bucket, "namespace", opts.Namespace)
	return &S3Store{
		api:      api,
		uploader: manager.NewUploader(api),
		bucket:   opts.Bucket,
		prefix:   opts.Namespace + "/",
		interval: interval,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key + ".json"
}

func isMissing(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := s.get(ctx, key)
	return v, err
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, string, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.api.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if isMissing(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, aws.ToString(resp.ETag), nil
}

func (s *S3Store) Set(ctx context.Context, key string, value []byte) error {
	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

func (s *S3Store) etag(ctx context.Context, key string) (string, error) {
	ctxHead, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := s.api.HeadObject(ctxHead, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if isMissing(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	last, tag, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Change, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := s.etag(ctx, key)
			if err != nil {
				slog.Warn("s3: poll failed", "key", key, "error", err)
				continue
			}
			if current == tag || current == "" {
				continue
			}

			value, newTag, err := s.get(ctx, key)
			if err != nil {
				slog.Warn("s3: fetch after change failed", "key", key, "error", err)
				continue
			}
			if value == nil {
				continue
			}
			c := core.Change{Key: key, Old: last, New: value}
			last, tag = value, newTag

			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *S3Store) Close() error {
	return nil
}

var _ core.KVStore = (*S3Store)(nil)
