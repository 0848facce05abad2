package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrStorage wraps every failure reported by the object store.
var ErrStorage = errors.New("storage error")

// Storage provides an S3-compatible storage backend using MinIO.
// Objects are addressed by key and served publicly from publicURL.
type Storage struct {
	client     *minio.Client
	bucketName string
	publicURL  string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, publicURL string) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + endpoint
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
		publicURL:  strings.TrimRight(publicURL, "/"),
	}, nil
}

// Put uploads data under key and returns the public URL of the object.
func (s *Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to put %s: %v", ErrStorage, key, err)
	}

	return PublicURL(s.publicURL, s.bucketName, key), nil
}

// Load retrieves the object stored under key and returns a reader.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load %s: %v", ErrStorage, key, err)
	}

	// GetObject is lazy; Stat surfaces missing objects now rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("%w: failed to stat %s: %v", ErrStorage, key, err)
	}

	return obj, nil
}

// Delete removes the object stored under key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", ErrStorage, key, err)
	}

	return nil
}

// Ping reports whether the bucket is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucketName); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return nil
}

// PublicURL joins the public base URL, bucket and key, escaping each key segment.
func PublicURL(base, bucket, key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.TrimRight(base, "/") + "/" + path.Join(bucket, strings.Join(segments, "/"))
}
