package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps minio-go for the backup subsystem's one touch point with the
// core: storing and retrieving backup archives (spec §3).
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient creates an S3 client from configuration.
func NewClient(cfg *Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// Upload stores a backup archive under backupID's key.
func (c *Client) Upload(ctx context.Context, backupID string, reader io.Reader, size int64) error {
	key := BackupKey(backupID)
	_, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{ContentType: "application/zstd"})
	if err != nil {
		return fmt.Errorf("failed to upload backup to s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// Download returns a reader over the backup archive. Caller closes it.
func (c *Client) Download(ctx context.Context, backupID string) (io.ReadCloser, error) {
	key := BackupKey(backupID)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download backup from s3://%s/%s: %w", c.bucket, key, err)
	}
	return obj, nil
}

// PresignedDownloadURL generates a time-limited URL for downloading a backup
// archive without exposing store credentials to the caller (spec §3, §9
// design note on the backup subsystem's single touch point).
func (c *Client) PresignedDownloadURL(ctx context.Context, backupID string, expiry time.Duration) (string, error) {
	key := BackupKey(backupID)

	reqParams := make(url.Values)
	reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", backupID+".tar.zst"))

	presigned, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL for s3://%s/%s: %w", c.bucket, key, err)
	}
	return presigned.String(), nil
}

// Exists reports whether a backup archive is present in the store.
func (c *Client) Exists(ctx context.Context, backupID string) (bool, error) {
	key := BackupKey(backupID)
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check backup existence at s3://%s/%s: %w", c.bucket, key, err)
	}
	return true, nil
}

// Delete removes a backup archive from the store.
func (c *Client) Delete(ctx context.Context, backupID string) error {
	key := BackupKey(backupID)
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup from s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// EnsureBucket creates the configured bucket if it doesn't already exist.
func (c *Client) EnsureBucket(ctx context.Context, region string) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", c.bucket, err)
		}
	}
	return nil
}
