package storage

import (
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob/memblob"
)

// NewFakeStore returns an in-memory store, for tests and local experiments.
func NewFakeStore(baseURL string, logger logrus.FieldLogger) Store {
	bucket := memblob.OpenBucket(nil)
	return newBlobStore(bucket, baseURL, 0, logger)
}
