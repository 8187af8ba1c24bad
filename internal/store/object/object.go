// Package object implements the S3-compatible (R2) tier. It provides the raw
// object capability set used by the snapshot engine, an append-only record
// log for backup_only sync, and a full store adapter so the object tier can
// stand in as the sync peer when no external database is configured.
package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/flowslide/tiersync/internal/store"
)

// Config carries the R2 connection settings. All four fields must be set.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string

	// OpsPerSecond caps the request rate to the object store. Defaults to 20.
	OpsPerSecond int
}

// Complete reports whether all required fields are present.
func (c Config) Complete() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Endpoint != "" && c.Bucket != ""
}

// Missing lists the unset required field names (env-style, for InvalidConfig
// error payloads).
func (c Config) Missing() []string {
	var out []string
	if c.AccessKeyID == "" {
		out = append(out, "R2_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		out = append(out, "R2_SECRET_ACCESS_KEY")
	}
	if c.Endpoint == "" {
		out = append(out, "R2_ENDPOINT")
	}
	if c.Bucket == "" {
		out = append(out, "R2_BUCKET_NAME")
	}
	return out
}

// Client is a stateless, rate-limited wrapper over the S3 API implementing
// store.ObjectStore.
type Client struct {
	s3      *s3.Client
	bucket  string
	limiter *rate.Limiter
}

// New builds a Client for the given R2 endpoint and bucket.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Complete() {
		return nil, fmt.Errorf("incomplete object store config, missing %s", strings.Join(cfg.Missing(), ", "))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		// R2 requires path-style addressing.
		o.UsePathStyle = true
	})

	ops := cfg.OpsPerSecond
	if ops <= 0 {
		ops = 20
	}
	return &Client{
		s3:      client,
		bucket:  cfg.Bucket,
		limiter: rate.NewLimiter(rate.Limit(ops), ops),
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return store.Retryable(err)
	}
	return nil
}

// PutObject uploads body under key. Re-uploading identical content is a no-op
// from the reader's perspective, keeping the operation idempotent.
func (c *Client) PutObject(ctx context.Context, key string, body []byte) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return wrapS3Err(fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

// GetObject downloads the object at key, or store.ErrNotFound.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, wrapS3Err(fmt.Errorf("get object %s: %w", key, err))
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapS3Err(fmt.Errorf("read object %s: %w", key, err))
	}
	return body, nil
}

// ListObjects returns all keys under prefix, paging through the bucket.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapS3Err(fmt.Errorf("list objects %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// DeleteObject removes the object at key. Deleting an absent key succeeds.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapS3Err(fmt.Errorf("delete object %s: %w", key, err))
	}
	return nil
}

// Ping checks bucket reachability with a one-key listing.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return store.Retryable(fmt.Errorf("object store unreachable: %w", err))
	}
	return nil
}

// wrapS3Err classifies throttling and connectivity failures as retryable.
func wrapS3Err(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "slowdown"),
		strings.Contains(msg, "throttl"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return store.Retryable(err)
	}
	return err
}
