// Package s3 stores batch uploads in an AWS S3 (or S3-compatible) bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/storage"
)

// ErrBucketNotFound means the configured bucket does not exist.
var ErrBucketNotFound = errors.New("s3 bucket not found")

// API is the subset of *s3.Client used here.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client implements storage.Client on an S3 bucket.
//
// Thread-safe: All operations are safe for concurrent use.
type Client struct {
	api    API
	bucket string
	prefix string

	bucketMu sync.Mutex
	bucketOK bool
}

// New creates an S3 client from config. Empty static credentials fall back to
// the default AWS credential chain (env, shared config, IMDS). SDK retries are
// disabled: every probe and write is a single attempt.
func New(ctx context.Context, cfg config.S3Config, prefix string, httpClient *nethttp.Client) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, config.ErrMissingBucket
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithAPI(api, cfg.Bucket, prefix), nil
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(api API, bucket, prefix string) *Client {
	return &Client{api: api, bucket: bucket, prefix: prefix}
}

// Kind implements storage.Client.
func (c *Client) Kind() string { return storage.KindS3 }

// Bucket returns the S3 bucket name.
func (c *Client) Bucket() string { return c.bucket }

func (c *Client) objectKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.prefix, "/") + "/" + key
}

// checkBucket confirms the bucket exists. Only success is remembered, so a
// transient failure is retried on the next call.
func (c *Client) checkBucket(ctx context.Context) error {
	c.bucketMu.Lock()
	defer c.bucketMu.Unlock()
	if c.bucketOK {
		return nil
	}

	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, c.bucket)
		}
		return err
	}
	c.bucketOK = true
	return nil
}

// Exists issues a HeadObject for key, after checking the bucket once.
// HEAD responses carry no error code, so a missing bucket would otherwise
// answer 404 like a missing key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.checkBucket(ctx); err != nil {
		return false, &storage.ProbeError{Key: key, Err: err}
	}

	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, &storage.ProbeError{Key: key, Err: err}
}

// Write stores obj with a single PutObject.
func (c *Client) Write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	if err := storage.Rewind(obj); err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}

	body := storage.NewProgressReader(obj.Body, obj.Size, progress)
	body.Start()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.objectKey(obj.Key)),
		Body:          body,
		ContentLength: aws.Int64(obj.Size),
		Metadata:      make(map[string]string, len(obj.Metadata)),
	}
	for k, v := range obj.Metadata {
		input.Metadata[k] = storage.HeaderSafe(v)
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	out, err := c.api.PutObject(ctx, input)
	if err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}

	return &storage.WriteResult{
		Key:       obj.Key,
		Size:      obj.Size,
		ETag:      strings.Trim(aws.ToString(out.ETag), `"`),
		VersionID: aws.ToString(out.VersionId),
		StoredAt:  time.Now().UTC(),
	}, nil
}

// isNotFound reports a 404. For HeadObject that means a missing key only
// once checkBucket has passed. A NoSuchBucket code, seen on requests that
// return an error body, is never treated as a missing key.
func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}

	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		case "NoSuchBucket":
			return false
		}
	}

	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == nethttp.StatusNotFound
}
