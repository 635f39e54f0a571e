// Package artifacts mirrors result files to durable object storage once
// a term completes.
package artifacts

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSStore uploads artifacts to a Google Cloud Storage bucket. It
// implements pipeline.ArtifactStore.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCSStore creates a GCS client and verifies the bucket is reachable
// so bad configuration fails at startup rather than mid-run.
func NewGCSStore(ctx context.Context, bucket string, logger *zap.Logger) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}

	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

// Save writes data to the named object, overwriting any previous version.
func (g *GCSStore) Save(ctx context.Context, objectName string, data []byte) error {
	wc := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("closing gcs writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("write gcs object %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize gcs object %s: %w", objectName, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

// NoopStore discards artifacts. Used when no bucket is configured.
type NoopStore struct{}

// Save does nothing.
func (NoopStore) Save(context.Context, string, []byte) error { return nil }

// Close does nothing.
func (NoopStore) Close() error { return nil }
