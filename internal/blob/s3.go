package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket and endpoint of an S3-compatible store.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend stores blobs as objects keyed by content digest.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Backend builds a backend from the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must be set")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Backend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Backend(client s3API, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(loc Locator) (string, error) {
	h, err := digestOf(loc)
	if err != nil {
		return "", err
	}
	return b.prefix + h[:2] + "/" + h, nil
}

func (b *S3Backend) Put(ctx context.Context, data []byte) (Locator, error) {
	loc := LocatorFor(data)
	key, err := b.key(loc)
	if err != nil {
		return "", err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"writer": "simple-forensics",
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", b.bucket, key, err)
	}
	return loc, nil
}

func (b *S3Backend) Get(ctx context.Context, loc Locator) ([]byte, error) {
	key, err := b.key(loc)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("get object %s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

func (b *S3Backend) Delete(ctx context.Context, loc Locator) error {
	key, err := b.key(loc)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", b.bucket, key, err)
	}
	return nil
}
