//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store against Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string // optional key prefix
}

// NewGCSStore builds the client using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.prefix + cleaned, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	objPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w := s.client.Bucket(s.bucket).Object(objPath).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("artifacts: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifacts: gcs commit %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	objPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(objPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	objPath, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objPath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	objPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(objPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", key, err)
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
