// Package objectstore stores document blobs in S3-compatible object storage
// (MinIO). Blob paths follow
// knowledge_bases/{kb_id}/documents/{document_id}/{basename}.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Config holds the connection settings for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path         string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store is the blob storage surface the pipeline and service depend on.
type Store interface {
	Upload(ctx context.Context, data []byte, kbID, filename, documentID, contentType string) (string, string, error)
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Delete(ctx context.Context, objectPath string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	Stat(ctx context.Context, objectPath string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error)
	PresignedGet(ctx context.Context, objectPath string, ttl time.Duration, responseHeaders map[string]string) (string, error)
	PresignedPut(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
}

// MinioStore implements Store over a MinIO (or any S3-compatible) endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ Store = (*MinioStore)(nil)

// New creates a MinIO-backed store and ensures the bucket exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, kberrors.ConfigError("object store endpoint is required", nil)
	}
	if cfg.Bucket == "" {
		return nil, kberrors.ConfigError("object store bucket is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, kberrors.ConfigError("failed to create object store client", err)
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureBucket creates the bucket if missing. Creation racing another process
// is tolerated.
func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeBackendUnavailable, "failed to check bucket", err)
	}
	if exists {
		return nil
	}

	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
	if err != nil {
		if exists, checkErr := s.client.BucketExists(ctx, s.bucket); checkErr == nil && exists {
			return nil
		}
		return kberrors.New(kberrors.ErrCodeBackendUnavailable, "failed to create bucket", err)
	}
	s.logger.Info("created object store bucket", slog.String("bucket", s.bucket))
	return nil
}

// ObjectPath builds the canonical blob path for a document. The filename is
// reduced to its basename so caller-supplied paths cannot escape the prefix.
func ObjectPath(kbID, documentID, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return path.Join("knowledge_bases", kbID, "documents", documentID, base)
}

// KBPrefix is the blob prefix owned by a knowledge base.
func KBPrefix(kbID string) string {
	return path.Join("knowledge_bases", kbID) + "/"
}

// DocumentPrefix is the blob prefix owned by one document.
func DocumentPrefix(kbID, documentID string) string {
	return path.Join("knowledge_bases", kbID, "documents", documentID) + "/"
}

// Upload stores data and returns the object path and etag.
func (s *MinioStore) Upload(ctx context.Context, data []byte, kbID, filename, documentID, contentType string) (string, string, error) {
	objectPath := ObjectPath(kbID, documentID, filename)
	if contentType == "" {
		contentType = guessContentType(filename)
	}

	info, err := s.client.PutObject(ctx, s.bucket, objectPath,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", kberrors.New(kberrors.ErrCodeBackendUnavailable, "failed to upload object", err).
			WithDetail("path", objectPath)
	}

	s.logger.Debug("uploaded blob",
		slog.String("path", objectPath),
		slog.Int("size", len(data)))
	return objectPath, info.ETag, nil
}

// Download fetches an object's bytes.
func (s *MinioStore) Download(ctx context.Context, objectPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError("failed to open object", objectPath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapError("failed to read object", objectPath, err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *MinioStore) Delete(ctx context.Context, objectPath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{})
	if err != nil {
		return s.wrapError("failed to delete object", objectPath, err)
	}
	return nil
}

// DeleteByPrefix removes every object under prefix and returns the count.
func (s *MinioStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	count := 0
	for obj := range objects {
		if obj.Err != nil {
			return count, s.wrapError("failed to list objects", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return count, s.wrapError("failed to delete object", obj.Key, err)
		}
		count++
	}
	return count, nil
}

// Exists reports whether the object is present.
func (s *MinioStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError("failed to stat object", objectPath, err)
	}
	return true, nil
}

// Stat returns object metadata.
func (s *MinioStore) Stat(ctx context.Context, objectPath string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		return nil, s.wrapError("failed to stat object", objectPath, err)
	}
	return &ObjectInfo{
		Path:         objectPath,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// List returns objects under prefix.
func (s *MinioStore) List(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	})

	var infos []ObjectInfo
	for obj := range objects {
		if obj.Err != nil {
			return nil, s.wrapError("failed to list objects", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			Path:         obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return infos, nil
}

// PresignedGet returns a time-limited download URL. responseHeaders become
// response-* query overrides (e.g. content-disposition).
func (s *MinioStore) PresignedGet(ctx context.Context, objectPath string, ttl time.Duration, responseHeaders map[string]string) (string, error) {
	params := make(url.Values, len(responseHeaders))
	for k, v := range responseHeaders {
		key := strings.ToLower(k)
		if !strings.HasPrefix(key, "response-") {
			key = "response-" + key
		}
		params.Set(key, v)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, ttl, params)
	if err != nil {
		return "", s.wrapError("failed to presign download", objectPath, err)
	}
	return u.String(), nil
}

// PresignedPut returns a time-limited upload URL.
func (s *MinioStore) PresignedPut(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectPath, ttl)
	if err != nil {
		return "", s.wrapError("failed to presign upload", objectPath, err)
	}
	return u.String(), nil
}

func (s *MinioStore) wrapError(msg, objectPath string, err error) error {
	if isNotFound(err) {
		return kberrors.NotFoundError(kberrors.ErrCodeBlobMissing, "blob", objectPath)
	}
	return kberrors.New(kberrors.ErrCodeBackendUnavailable,
		fmt.Sprintf("%s: %v", msg, err), err).
		WithDetail("path", objectPath)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404
	}
	return false
}

func guessContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
