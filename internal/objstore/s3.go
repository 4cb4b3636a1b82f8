package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	conf "github.com/trunov/imgpipe/internal/config"
)

// UploadResult identifies an uploaded object at the destination.
type UploadResult struct {
	ID       string // version id, falling back to the etag
	Ref      string // object key at the destination
	Location string
	Action   string
}

// S3 talks to one bucket of any S3-compatible service (MinIO, R2, B2).
type S3 struct {
	Bucket string
	Prefix string

	MaxRetries     int
	RetryBaseDelay time.Duration
	PresignTTL     time.Duration

	S3Client  *s3.Client
	Uploader  *manager.Uploader
	Presigner *s3.PresignClient
}

func New(ctx context.Context, cfg *conf.BucketConfig) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3{
		Bucket:         cfg.BucketName,
		Prefix:         cfg.Prefix,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		PresignTTL:     cfg.PresignTTL,
		S3Client:       client,
		Uploader:       manager.NewUploader(client),
		Presigner:      s3.NewPresignClient(client),
	}, nil
}

// Ensure checks the bucket is reachable, creating it when create is set.
func (s *S3) Ensure(ctx context.Context, create bool) error {
	_, err := s.S3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err == nil {
		log.Info().Str("bucket", s.Bucket).Msg("bucket connected")
		return nil
	}

	var notFound *types.NotFound
	if !errors.As(err, &notFound) || !create {
		return fmt.Errorf("bucket %s: %w", s.Bucket, err)
	}

	log.Warn().Str("bucket", s.Bucket).Msg("bucket not found, creating")
	if _, err := s.S3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.Bucket)}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.Bucket, err)
	}
	return nil
}

// List returns up to limit keys under the configured prefix that sort after
// startAfter. more is false once the listing is exhausted.
func (s *S3) List(ctx context.Context, startAfter string, limit int) (keys []string, more bool, err error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.Bucket),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if s.Prefix != "" {
		in.Prefix = aws.String(s.Prefix)
	}
	if startAfter != "" {
		in.StartAfter = aws.String(startAfter)
	}

	out, err := s.S3Client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, false, fmt.Errorf("list %s after %q: %w", s.Bucket, startAfter, err)
	}

	keys = make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if k := aws.ToString(obj.Key); k != "" {
			keys = append(keys, k)
		}
	}
	return keys, aws.ToBool(out.IsTruncated), nil
}

func (s *S3) Download(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %q: %w", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, "", fmt.Errorf("failed to read body for %q: %w", key, err)
	}

	return buf.Bytes(), aws.ToString(out.ContentType), nil
}

// Get returns the object bytes.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.Download(ctx, key)
	return data, err
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Upload puts payload at key, retrying transient failures with backoff until
// MaxRetries is spent or ctx is done.
func (s *S3) Upload(ctx context.Context, key, contentType string, payload []byte) (UploadResult, error) {
	var (
		out     *manager.UploadOutput
		err     error
		attempt int
	)

	for {
		attempt++
		out, err = s.Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		})
		if err == nil {
			break
		}

		// retry?
		if attempt > s.MaxRetries || ctx.Err() != nil {
			return UploadResult{}, fmt.Errorf("upload %q after %d attempts: %w", key, attempt, err)
		}

		timer := time.NewTimer(s.backoffDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return UploadResult{}, fmt.Errorf("upload %q: %w", key, ctx.Err())
		}
	}

	id := aws.ToString(out.VersionID)
	if id == "" {
		id = aws.ToString(out.ETag)
	}
	return UploadResult{
		ID:       id,
		Ref:      key,
		Location: out.Location,
		Action:   "upload",
	}, nil
}

// PresignGet returns a time-limited download URL for key.
func (s *S3) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := s.Presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}
	return req.URL, nil
}

// backoffDelay doubles from RetryBaseDelay with +-5% jitter.
func (s *S3) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int63n(jitter))
}
