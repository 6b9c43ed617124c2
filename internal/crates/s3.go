package crates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
)

// S3Options configures the S3 client behind an S3Store.
type S3Options struct {
	Region          string
	Endpoint        string // for MinIO, Localstack, etc.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps crates as objects under <prefix>/<crate id>.
type S3Store struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	reservations *reservations
}

// NewS3Client builds an S3 client from the options, falling back to the default
// credential chain when no static keys are set.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error
	if opts.Region != "" {
		configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(provider))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Store creates a store on top of an existing client and checks that the bucket is reachable.
func NewS3Store(ctx context.Context, node uuid.UUID, client *s3.Client, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 crate store: bucket is required")
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}

	return &S3Store{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		prefix:       prefix,
		reservations: newReservations(node),
	}, nil
}

func (s *S3Store) key(crate uuid.UUID) string {
	if s.prefix == "" {
		return crate.String()
	}
	return path.Join(s.prefix, crate.String())
}

func (s *S3Store) Reserve(_ context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error) {
	return s.reservations.reserve(request)
}

func (s *S3Store) Push(ctx context.Context, crate uuid.UUID, r io.Reader) error {
	reservation, err := s.reservations.take(crate)
	if err != nil {
		return err
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(crate)),
		Body:   &sizeCheckingReader{r: r, expected: reservation.Size},
	})
	if err != nil {
		return fmt.Errorf("failed to upload crate %s: %w", crate, err)
	}
	return nil
}

func (s *S3Store) Pull(ctx context.Context, crate uuid.UUID) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(crate)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, crate)
		}
		return nil, fmt.Errorf("failed to get crate %s: %w", crate, err)
	}
	return out.Body, nil
}

func (s *S3Store) Discard(ctx context.Context, crate uuid.UUID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(crate)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete crate %s: %w", crate, err)
	}
	return nil
}
