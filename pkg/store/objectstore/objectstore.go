// Package objectstore adapts MinIO as the artifact blob store. Every
// scan's artifacts live under scans/{scanId}/ so deletion can purge by
// prefix.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/surfscan/surfscan/pkg/models"
)

// Client wraps a MinIO client bound to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	log    *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Client{mc: mc, bucket: bucket, log: slog.Default()}, nil
}

// Put stores data under key with the given content type.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get reads the full object at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// RemoveScan best-effort deletes every blob under the scan's prefix.
// Individual failures are logged and skipped; the DB delete proceeds
// regardless, so orphan blobs are the acceptable failure mode rather
// than scans pointing at purged artifacts.
func (c *Client) RemoveScan(ctx context.Context, scanID string) {
	prefix := models.ScanPrefix(scanID)
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			c.log.Warn("list artifacts failed", "scan_id", scanID, "error", obj.Err)
			return
		}
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			c.log.Warn("artifact delete failed", "scan_id", scanID, "key", obj.Key, "error", err)
		}
	}
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.bucket)
	return err
}
