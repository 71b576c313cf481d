package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds a Store from environment variables.
//
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3" or "gcs"
//   - DATA_DIR: base directory for the fs backend (default "data")
//
// For s3:
//   - ARTIFACT_S3_BUCKET (required)
//   - ARTIFACT_S3_REGION or AWS_REGION (default "us-east-1")
//   - ARTIFACT_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - ARTIFACT_S3_PREFIX (optional)
//
// For gcs (requires the gcp build tag):
//   - ARTIFACT_GCS_BUCKET (required)
//   - ARTIFACT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type %q", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "artifacts"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: ARTIFACT_S3_BUCKET is required for s3 storage")
	}

	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
	})
}
