package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores each key as an object in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewGCS opens a Cloud Storage client for bucket. Keys are stored under prefix.
// When STORAGE_EMULATOR_HOST is set the client connects without credentials.
func NewGCS(ctx context.Context, bucket, prefix string, logger *slog.Logger, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("bucket name required")
	}
	if os.Getenv("STORAGE_EMULATOR_HOST") != "" {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, logger: logger, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + key)
}

func (g *GCS) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Get reads an object.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := g.object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		g.retryOptions(ctx, "get", key)...,
	)
	if notFound {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Put writes an object.
func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	err := retry.Do(
		func() error {
			w := g.object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		g.retryOptions(ctx, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Object saved", "bucket", g.bucket, "key", key, "bytes", len(data))
	return nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	notFound := false
	err := retry.Do(
		func() error {
			if deleteErr := g.object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(deleteErr)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		g.retryOptions(ctx, "delete", key)...,
	)
	if notFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Exists checks object attributes without downloading the content.
func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := g.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// List iterates the objects under prefix.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{
		Prefix: g.prefix + prefix,
	})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name[len(g.prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
