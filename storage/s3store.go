package storage

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/erikvanbrakel/depot/app"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob/s3blob"
)

func s3Session(options app.S3Options, timeout time.Duration) (*session.Session, error) {
	config := &aws.Config{
		Region:      aws.String(options.Region),
		Credentials: credentials.NewStaticCredentials(options.AccessKey, options.SecretKey, ""),
		HTTPClient:  &http.Client{Timeout: timeout},
	}
	if options.Endpoint != "" {
		config.Endpoint = aws.String(options.Endpoint)
	}
	if options.PathStyle {
		config.S3ForcePathStyle = aws.Bool(true)
	}
	return session.NewSession(config)
}

// NewS3Store stores objects in an S3 bucket. Writes and deletes are guarded
// by a circuit breaker so an unreachable bucket fails publishes fast.
func NewS3Store(ctx context.Context, options app.S3Options, timeout time.Duration, logger logrus.FieldLogger) (Store, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sess, err := s3Session(options, timeout)
	if err != nil {
		return nil, err
	}

	logrus.Infof("Using S3 storage with bucket %s in %s", options.Bucket, options.Region)

	bucket, err := s3blob.OpenBucket(ctx, sess, options.Bucket, nil)
	if err != nil {
		return nil, err
	}

	s := newBlobStore(bucket, options.BaseURL, timeout, logger)
	s.guard = newBreaker().call
	return s, nil
}

// New opens the store selected by options.Strategy.
func New(ctx context.Context, options app.StorageOptions, logger logrus.FieldLogger) (Store, error) {
	switch options.Strategy {
	case app.StorageS3:
		return NewS3Store(ctx, options.S3, options.Timeout, logger)
	default:
		return NewFilesystemStore(options.Local, options.Timeout, logger)
	}
}
