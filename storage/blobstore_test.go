package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/models"
	"github.com/facebookgo/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel
	return logger
}

func version(t *testing.T, group, name, v string) models.PackageVersion {
	pv, err := models.NewPackageVersion(group, name, v)
	require.NoError(t, err)
	return pv
}

func TestPaths(t *testing.T) {
	v := version(t, "My_Group", "Json_Parser", "1.2.3")

	assert.Equal(t, "tarballs/my-group_json-parser_1.2.3.tar.gz", TarballPath(v))
	assert.Equal(t, "readmes/my-group_json-parser_1.2.3.md", ReadmePath(v))
}

func TestLocations(t *testing.T) {
	s := NewFakeStore("https://cdn.example.com/packages/", quietLogger())
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")
	assert.Equal(t, "https://cdn.example.com/packages/tarballs/elba_json_0.1.0.tar.gz", s.TarballLocation(v))
	assert.Equal(t, "https://cdn.example.com/packages/readmes/elba_json_0.1.0.md", s.ReadmeLocation(v))
}

func TestStorePackageWithReadme(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore("http://localhost", quietLogger())
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")
	tx, err := s.StorePackage(ctx, v, []byte("tarball"), []byte("# json"))
	require.NoError(t, err)
	assert.Equal(t, []string{TarballPath(v), ReadmePath(v)}, tx.Paths())

	tx.Commit()
	tx.Rollback()

	data, err := s.GetObject(ctx, TarballPath(v))
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(data))

	data, err = s.GetObject(ctx, ReadmePath(v))
	require.NoError(t, err)
	assert.Equal(t, "# json", string(data))
}

func TestStorePackageWithoutReadme(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore("http://localhost", quietLogger())
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")
	tx, err := s.StorePackage(ctx, v, []byte("tarball"), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.Equal(t, []string{TarballPath(v)}, tx.Paths())

	exists, err := s.Exists(ctx, ReadmePath(v))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUncommittedTransactionDeletesObjects(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore("http://localhost", quietLogger())
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")

	publish := func() error {
		tx, err := s.StorePackage(ctx, v, []byte("tarball"), []byte("readme"))
		if err != nil {
			return err
		}
		defer tx.Rollback()

		return errors.New("index push rejected")
	}
	require.Error(t, publish())

	for _, path := range []string{TarballPath(v), ReadmePath(v)} {
		exists, err := s.Exists(ctx, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}

	_, err := s.GetObject(ctx, TarballPath(v))
	assert.Equal(t, ErrObjectNotFound, err)
}

func TestRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore("http://localhost", quietLogger())
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")
	tx, err := s.StorePackage(ctx, v, []byte("tarball"), nil)
	require.NoError(t, err)

	tx.Rollback()
	tx.Rollback()
	assert.False(t, tx.Committed())
}

func TestDeleteMissingObject(t *testing.T) {
	s := NewFakeStore("http://localhost", quietLogger())
	defer s.Close()

	assert.NoError(t, s.DeleteObject(context.Background(), "tarballs/missing.tar.gz"))
}

func TestFilesystemStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFilesystemStore(app.FileSystemOptions{BasePath: dir, URL: "http://localhost:8080/storage"}, 0, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	v := version(t, "elba", "json", "0.1.0")
	tx, err := s.StorePackage(ctx, v, []byte("tarball"), nil)
	require.NoError(t, err)
	tx.Commit()

	data, err := os.ReadFile(filepath.Join(dir, "tarballs", "elba_json_0.1.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(data))
	assert.Equal(t, "http://localhost:8080/storage/tarballs/elba_json_0.1.0.tar.gz", s.TarballLocation(v))
}

func TestFailedReadmeWriteRollsBackTarball(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore("http://localhost", quietLogger()).(*blobStore)
	defer s.Close()

	writes := 0
	s.guard = func(fn func() error) error {
		writes++
		if writes == 2 {
			return errors.New("connection reset")
		}
		return fn()
	}

	v := version(t, "elba", "json", "0.1.0")
	_, err := s.StorePackage(ctx, v, []byte("tarball"), []byte("readme"))
	require.Error(t, err)

	exists, err := s.Exists(ctx, TarballPath(v))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker()
	boom := errors.New("boom")

	for i := 0; i < breakerThreshold; i++ {
		assert.Equal(t, boom, b.call(func() error { return boom }))
	}

	called := false
	err := b.call(func() error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, ErrBucketUnavailable))
	assert.False(t, called)
}

func TestBreakerRecoversAfterBackOff(t *testing.T) {
	clk := clock.NewMock()
	b := newBreakerWithClock(clk)
	boom := errors.New("boom")

	for i := 0; i < breakerThreshold; i++ {
		_ = b.call(func() error { return boom })
	}
	assert.Equal(t, ErrBucketUnavailable, b.call(func() error { return nil }))

	clk.Add(10 * time.Second)

	calls := 0
	ok := func() error {
		calls++
		return nil
	}
	require.NoError(t, b.call(ok))
	require.NoError(t, b.call(ok))
	assert.Equal(t, 2, calls)
	assert.False(t, b.cb.Tripped())
}
