package storage

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/erikvanbrakel/depot/app"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob/fileblob"
)

func NewFilesystemStore(options app.FileSystemOptions, timeout time.Duration, logger logrus.FieldLogger) (Store, error) {
	basePath := options.BasePath
	if !strings.HasSuffix(basePath, string(os.PathSeparator)) {
		basePath = basePath + string(os.PathSeparator)
	}

	logrus.Infof("Using filesystem storage with basepath %s", basePath)

	for _, dir := range []string{"tarballs", "readmes"} {
		if err := os.MkdirAll(basePath+dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	bucket, err := fileblob.OpenBucket(basePath, nil)
	if err != nil {
		return nil, err
	}
	return newBlobStore(bucket, options.URL, timeout, logger), nil
}
