package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/envelope-pipeline/internal/pipeline"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3StoreConfig configures the S3-backed envelope store.
type S3StoreConfig struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint (MinIO and other compatible stores).
	Endpoint     string
	UsePathStyle bool
	// AccessKey and SecretKey are optional static credentials; the default
	// credential chain is used when empty.
	AccessKey string
	SecretKey string
}

// S3Store persists envelope sets as JSON objects in an S3-compatible bucket.
// The objects hold only envelopes; plaintext never reaches the store.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3StoreWithClient(client, cfg), nil
}

// newS3StoreWithClient wires an explicit client, used by tests.
func newS3StoreWithClient(client s3API, cfg S3StoreConfig) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Store) PutSet(ctx context.Context, set *pipeline.ChunkedEnvelopeSet) error {
	if set == nil || set.SetID == "" {
		return fmt.Errorf("store: set id is required")
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("store: encoding set: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(set.SetID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("store: putting set %s: %w", set.SetID, err)
	}
	return nil
}

func (s *S3Store) GetSet(ctx context.Context, setID string) (*pipeline.ChunkedEnvelopeSet, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(setID)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrSetNotFound, setID)
		}
		return nil, fmt.Errorf("store: getting set %s: %w", setID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: reading set %s: %w", setID, err)
	}

	var set pipeline.ChunkedEnvelopeSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("store: decoding set %s: %w", setID, err)
	}
	return &set, nil
}

func (s *S3Store) DeleteSet(ctx context.Context, setID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(setID)),
	})
	if err != nil {
		return fmt.Errorf("store: deleting set %s: %w", setID, err)
	}
	return nil
}

func (s *S3Store) ListSets(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var ids []string
	for {
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("store: listing sets: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			base := path.Base(key)
			if strings.HasSuffix(base, ".json") {
				ids = append(ids, strings.TrimSuffix(base, ".json"))
			}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}
	return ids, nil
}

func (s *S3Store) objectKey(setID string) string {
	if s.prefix == "" {
		return setID + ".json"
	}
	return s.prefix + "/" + setID + ".json"
}

// isNoSuchKey classifies a missing-object error from the S3 API.
func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
