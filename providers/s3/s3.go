// Package s3bucket keeps record ciphertext in an S3 bucket, one object per content
// reference.
package s3bucket

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// objectClient is the part of the S3 API the store uses (allows mocking).
type objectClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ blob.Store = (*Store)(nil)

type Store struct {
	client objectClient
	bucket string
	prefix string
}

type Config struct {
	Bucket string
	// Prefix is prepended to every object key, e.g. "records/".
	Prefix string
	Region string
	// AWSConfig overrides Region when set.
	AWSConfig *aws.Config
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		if awsConfig, err = config.LoadDefaultConfig(ctx, opts...); err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", vaulterr.ErrBlobUnavailable, err)
		}
	}
	return &Store{client: s3.NewFromConfig(awsConfig), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) key(ref string) string {
	return s.prefix + ref
}

// Put uploads data under its reference. Uploads are conditional on the key being absent,
// so an existing object is never overwritten.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	ref := blob.Ref(data)
	sum := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(s.key(ref)),
		Body:           bytes.NewReader(data),
		ContentLength:  aws.Int64(int64(len(data))),
		ContentType:    aws.String("application/octet-stream"),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		IfNoneMatch:    aws.String("*"),
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return ref, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload s3://%s/%s: %w", vaulterr.ErrBlobUnavailable, s.bucket, s.key(ref), err)
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := blob.ValidateRef(ref); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: blob '%s'", vaulterr.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: failed to fetch s3://%s/%s: %w", vaulterr.ErrBlobUnavailable, s.bucket, s.key(ref), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read s3://%s/%s: %w", vaulterr.ErrBlobUnavailable, s.bucket, s.key(ref), err)
	}
	if err := blob.Verify(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}
