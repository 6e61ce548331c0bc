package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erikvanbrakel/depot/models"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	tarballContentType = "application/gzip"
	readmeContentType  = "text/markdown; charset=utf-8"

	// DefaultTimeout bounds a single object upload or delete.
	DefaultTimeout = 10 * time.Second
)

var ErrObjectNotFound = errors.New("object does not exist")

type blobStore struct {
	bucket  *blob.Bucket
	baseURL string
	timeout time.Duration
	logger  logrus.FieldLogger

	// guard wraps every remote mutation, see breaker.go
	guard func(func() error) error
}

func (s *blobStore) StorePackage(ctx context.Context, version models.PackageVersion, tarball []byte, readme []byte) (*Transaction, error) {
	tx := newTransaction(s, s.logger)

	tarballPath := TarballPath(version)
	if err := s.writeObject(ctx, tarballPath, tarball, tarballContentType); err != nil {
		return nil, fmt.Errorf("storing tarball for %s: %w", version, err)
	}
	tx.record(tarballPath)

	if readme != nil {
		readmePath := ReadmePath(version)
		if err := s.writeObject(ctx, readmePath, readme, readmeContentType); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("storing readme for %s: %w", version, err)
		}
		tx.record(readmePath)
	}

	return tx, nil
}

func (s *blobStore) writeObject(ctx context.Context, path string, data []byte, contentType string) error {
	s.logger.WithField("path", path).Info("saving object")

	return s.guard(func() error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		return s.bucket.WriteAll(ctx, path, data, &blob.WriterOptions{ContentType: contentType})
	})
}

func (s *blobStore) DeleteObject(ctx context.Context, path string) error {
	s.logger.WithField("path", path).Info("deleting object")

	return s.guard(func() error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := s.bucket.Delete(ctx, path)
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return err
	})
}

func (s *blobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	exists, err := s.bucket.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrObjectNotFound
	}

	return s.bucket.ReadAll(ctx, path)
}

func (s *blobStore) Exists(ctx context.Context, path string) (bool, error) {
	return s.bucket.Exists(ctx, path)
}

func (s *blobStore) TarballLocation(version models.PackageVersion) string {
	return joinURL(s.baseURL, TarballPath(version))
}

func (s *blobStore) ReadmeLocation(version models.PackageVersion) string {
	return joinURL(s.baseURL, ReadmePath(version))
}

func (s *blobStore) Close() error {
	return s.bucket.Close()
}

func unguarded(fn func() error) error {
	return fn()
}

func newBlobStore(bucket *blob.Bucket, baseURL string, timeout time.Duration, logger logrus.FieldLogger) *blobStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &blobStore{
		bucket:  bucket,
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger.WithField("component", "storage"),
		guard:   unguarded,
	}
}
