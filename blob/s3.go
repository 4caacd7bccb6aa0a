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
	"github.com/aws/smithy-go"

	harvest "github.com/fieldlabs/harvest"
)

// S3 stores blobs in AWS S3 (or any S3-compatible endpoint the default
// credential chain points at).
type S3 struct {
	client *s3.Client
}

// NewS3 builds an S3 store using the default credential chain.
func NewS3(ctx context.Context, region string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(cfg)}, nil
}

// Get reads an object.
func (s *S3) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading object body: %v", harvest.ErrTransient, err)
	}
	return data, nil
}

// Put writes an object.
func (s *S3) Put(ctx context.Context, bucket, key string, data []byte, mediaType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if mediaType != "" {
		in.ContentType = aws.String(mediaType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classifyS3Error(err, bucket, key)
	}
	return nil
}

func classifyS3Error(err error, bucket, key string) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: blob %s/%s", harvest.ErrNotFound, bucket, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return fmt.Errorf("%w: blob %s/%s: %v", harvest.ErrAuthDenied, bucket, key, err)
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: blob %s/%s", harvest.ErrNotFound, bucket, key)
		}
	}
	return fmt.Errorf("%w: s3 %s/%s: %v", harvest.ErrTransient, bucket, key, err)
}
