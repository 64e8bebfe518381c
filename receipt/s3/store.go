package s3

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	aws_s3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/code-payments/flipchat-iap/receipt"
)

const DefaultKey = "receipts/appstore.validated_receipt"

type Config struct {
	// Endpoint overrides the S3 endpoint, e.g. for LocalStack.
	Endpoint string
	Region   string
	Bucket   string
	Key      string

	// AccessKey and SecretKey select static credentials. When empty, the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// Store keeps the receipt snapshot as a single S3 object.
type Store struct {
	client *aws_s3.Client
	bucket string
	key    string
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load aws config")
	}

	client := aws_s3.NewFromConfig(awsCfg, func(o *aws_s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewStoreWithClient(client, cfg.Bucket, cfg.Key), nil
}

func NewStoreWithClient(client *aws_s3.Client, bucket, key string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		key:    key,
	}
}

func (s *Store) Save(ctx context.Context, data []byte) error {
	if data == nil {
		return errors.New("data cannot be nil")
	}

	_, err := s.client.PutObject(ctx, &aws_s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to upload snapshot to S3")
	}

	log.Debugf("Uploaded receipt snapshot to s3://%s/%s", s.bucket, s.key)
	return nil
}

func (s *Store) Load(ctx context.Context) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &aws_s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, receipt.ErrNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to download snapshot from S3")
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read snapshot data")
	}
	return data, nil
}

func (s *Store) Remove(ctx context.Context) error {
	_, err := s.client.DeleteObject(ctx, &aws_s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to delete snapshot from S3")
	}
	return nil
}

// EnsureBucket creates the store's bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &aws_s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucket(ctx, &aws_s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return pkgerrors.Wrap(err, "failed to create bucket")
	}
	return nil
}
