package fsapi

import (
	"context"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// S3Backend optionally serves the shared model directory from an
// S3-compatible object store instead of local disk, for cloud hosts that
// mount a persistent bucket rather than persistent local disk. It is
// additive: nothing in the File System API requires it, and local disk
// remains the default. Grounded on internal/runner/minio_local.go and
// s3.go, which wire the same client for studio job artifact storage.
type S3Backend struct {
	client *minio.Client
	bucket string
}

// NewS3Backend dials an S3-compatible endpoint. Returns an error wrapping
// KindInternal on a malformed endpoint/credential pair; callers treat a
// non-nil error as "fall back to local disk", never as fatal.
func NewS3Backend(endpoint, accessKey, secretKey, bucket string, useTLS bool) (*S3Backend, *apperrors.Error) {
	cli, errGo := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("endpoint", endpoint).With("stack", stack.Trace().TrimRuntime())
	}
	return &S3Backend{client: cli, bucket: bucket}, nil
}

// FetchModel downloads objectKey from the configured bucket into
// destLocalPath, used to populate the shared model directory on demand
// instead of (or before) symlinking it into an app's tree.
func (s *S3Backend) FetchModel(ctx context.Context, objectKey, destLocalPath string) *apperrors.Error {
	if errGo := s.client.FGetObject(ctx, s.bucket, objectKey, filepath.Clean(destLocalPath), minio.GetObjectOptions{}); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("bucket", s.bucket).With("key", objectKey).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// PutModel uploads a local file into the shared bucket, used when an app's
// install script produces a model artifact worth sharing across apps.
func (s *S3Backend) PutModel(ctx context.Context, objectKey, srcLocalPath string) *apperrors.Error {
	if _, errGo := s.client.FPutObject(ctx, s.bucket, objectKey, srcLocalPath, minio.PutObjectOptions{}); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("bucket", s.bucket).With("key", objectKey).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
