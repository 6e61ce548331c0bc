package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver"
	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/models"
	"github.com/erikvanbrakel/depot/search"
	"github.com/erikvanbrakel/depot/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]bool
	err     error
}

func (f *fakeIndex) UpdatePackage(ctx context.Context, version models.PackageVersion, dependencies []models.DependencyReq) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	if f.entries == nil {
		f.entries = make(map[string]bool)
	}
	f.entries[version.String()] = false
	return nil
}

func (f *fakeIndex) YankPackage(ctx context.Context, version models.PackageVersion, yanked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.entries[version.String()] = yanked
	return nil
}

func (f *fakeIndex) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	catalog *catalog.Memory
	store   storage.Store
	index   *fakeIndex
	search  *search.Worker
	service *RegistryService
	rs      app.RequestScope
}

func newFixture(t *testing.T) *fixture {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	f := &fixture{
		catalog: catalog.NewMemoryCatalog(),
		store:   storage.NewFakeStore("http://localhost/storage", logger),
		index:   &fakeIndex{},
		search:  search.NewWorker(),
		rs:      app.NewRequestScope(time.Now(), logger, nil),
	}
	t.Cleanup(func() {
		f.search.Close()
		f.store.Close()
	})

	f.catalog.AddUser("alice", "alice-token")
	f.catalog.AddUser("bob", "bob-token")
	f.service = NewRegistryService(f.catalog, f.store, f.index, f.search, 2)
	return f
}

func version(t *testing.T, group, name, v string) models.PackageVersion {
	pv, err := models.NewPackageVersion(group, name, v)
	require.NoError(t, err)
	return pv
}

func publishRequest(v models.PackageVersion, token string, keywords ...string) PublishRequest {
	return PublishRequest{
		Version: v,
		Info:    models.PackageInfo{Description: "test package", Keywords: keywords},
		Readme:  "# " + v.Name.Name,
		Token:   token,
		Tarball: []byte("tarball of " + v.String()),
	}
}

func reason(err error) app.Reason {
	if human, ok := app.AsHuman(err); ok {
		return human.Reason
	}
	return ""
}

func (f *fixture) searchFor(t *testing.T, query string) []string {
	names, err := f.service.Search(context.Background(), f.rs, query)
	require.NoError(t, err)
	var keys []string
	for _, n := range names {
		keys = append(keys, n.Key())
	}
	return keys
}

// assertNotPublished checks that nothing of v is visible anywhere.
func (f *fixture) assertNotPublished(t *testing.T, v models.PackageVersion) {
	t.Helper()
	ctx := context.Background()

	_, err := f.catalog.LookupVersion(ctx, v)
	assert.True(t, errors.Is(err, catalog.ErrNotFound), "catalog still has %s", v)

	for _, path := range []string{storage.TarballPath(v), storage.ReadmePath(v)} {
		exists, err := f.store.Exists(ctx, path)
		require.NoError(t, err)
		assert.False(t, exists, "store still has %s", path)
	}

	_, indexed := f.index.entries[v.String()]
	assert.False(t, indexed, "index still has %s", v)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token", "parser")))

	row, err := f.catalog.LookupVersion(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, []string{"parser"}, row.Info.Keywords)
	assert.Equal(t, "# json", row.Readme)

	data, err := f.store.GetObject(ctx, storage.TarballPath(v))
	require.NoError(t, err)
	assert.Equal(t, "tarball of elba/json#0.1.0", string(data))

	exists, err := f.store.Exists(ctx, storage.ReadmePath(v))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Contains(t, f.index.entries, "elba/json#0.1.0")
	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "parser"))
	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "jsno"))
}

func TestPublishBackportKeepsLatestKeywords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "elba", "json", "1.0.0"), "alice-token", "serializer")))
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "elba", "json", "0.9.1"), "alice-token", "parser")))

	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "serializer"))
	assert.Empty(t, f.searchFor(t, "parser"))

	// a rebuild from the catalog agrees with the live index
	fresh := search.NewWorker()
	defer fresh.Close()
	f.service.search = fresh
	require.NoError(t, f.service.RebuildSearch(ctx))

	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "serializer"))
	assert.Empty(t, f.searchFor(t, "parser"))
}

func TestPublishWithoutReadme(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	req := publishRequest(v, "alice-token")
	req.Readme = ""
	require.NoError(t, f.service.Publish(ctx, f.rs, req))

	exists, err := f.store.Exists(ctx, storage.ReadmePath(v))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPublishDependencyNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	req := publishRequest(v, "alice-token", "parser")
	req.Dependencies = []models.DependencyReq{
		{Name: models.PackageName{Group: "elba", Name: "unpublished"}, VersionReq: "^1.0"},
	}

	err := f.service.Publish(ctx, f.rs, req)
	assert.Equal(t, app.DependencyNotFound, reason(err))

	f.assertNotPublished(t, v)
	assert.Empty(t, f.searchFor(t, "json"))
	assert.Empty(t, f.searchFor(t, "parser"))
}

func TestPublishWithDependency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	core := version(t, "elba", "core", "1.0.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(core, "alice-token")))

	v := version(t, "elba", "json", "0.1.0")
	req := publishRequest(v, "alice-token")
	req.Dependencies = []models.DependencyReq{{Name: core.Name, VersionReq: "^1.0"}}
	require.NoError(t, f.service.Publish(ctx, f.rs, req))

	metadata, err := f.service.GetVersion(ctx, f.rs, v)
	require.NoError(t, err)
	require.Len(t, metadata.Dependencies, 1)
	assert.Equal(t, "elba/core", metadata.Dependencies[0].Name.Key())
	assert.Equal(t, "http://localhost/storage/tarballs/elba_json_0.1.0.tar.gz", metadata.Location)
}

func TestPublishIndexFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.index.fail(errors.New("push rejected: non-fast-forward"))

	v := version(t, "elba", "json", "0.1.0")
	err := f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token", "parser"))
	require.Error(t, err)
	_, human := app.AsHuman(err)
	assert.False(t, human)

	f.assertNotPublished(t, v)
	assert.Empty(t, f.searchFor(t, "parser"))
}

func TestPublishIndexFailureRestoresPreviousSearchEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v1 := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v1, "alice-token", "parser")))

	f.index.fail(errors.New("push rejected"))
	v2 := version(t, "elba", "json", "0.2.0")
	require.Error(t, f.service.Publish(ctx, f.rs, publishRequest(v2, "alice-token", "serializer")))

	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "parser"))
	assert.Empty(t, f.searchFor(t, "serializer"))
	f.assertNotPublished(t, v2)
}

func TestPublishRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token")))

	selfDep := publishRequest(version(t, "elba", "xml", "0.1.0"), "alice-token")
	selfDep.Dependencies = []models.DependencyReq{{Name: models.PackageName{Group: "Elba", Name: "XML"}, VersionReq: "*"}}

	emptyReq := publishRequest(version(t, "elba", "xml", "0.1.0"), "alice-token")
	emptyReq.Dependencies = []models.DependencyReq{{Name: v.Name, VersionReq: " "}}

	empty := publishRequest(version(t, "elba", "xml", "0.1.0"), "alice-token")
	empty.Tarball = nil

	build := publishRequest(v, "alice-token")
	build.Version.Semver = semver.MustParse("0.1.0+build.5")

	tests := []struct {
		tag    string
		req    PublishRequest
		reason app.Reason
	}{
		{"existing version", publishRequest(v, "alice-token"), app.AlreadyExists},
		{"existing version with different casing", publishRequest(version(t, "ELBA", "Json", "0.1.0"), "alice-token"), app.AlreadyExists},
		{"unknown token", publishRequest(version(t, "elba", "json", "0.2.0"), "nope"), app.UserNotFound},
		{"missing token", publishRequest(version(t, "elba", "json", "0.2.0"), ""), app.TokenNotFound},
		{"not an owner", publishRequest(version(t, "elba", "json", "0.2.0"), "bob-token"), app.NoPermission},
		{"new package in foreign group", publishRequest(version(t, "elba", "xml", "0.1.0"), "bob-token"), app.NoPermission},
		{"self dependency", selfDep, app.InvalidManifest},
		{"empty requirement", emptyReq, app.InvalidManifest},
		{"empty tarball", empty, app.InvalidFormat},
		{"build metadata", build, app.InvalidManifest},
	}
	for _, test := range tests {
		t.Run(test.tag, func(t *testing.T) {
			err := f.service.Publish(ctx, f.rs, test.req)
			assert.Equal(t, test.reason, reason(err))
		})
	}

	// bob can still start his own group
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "bob", "xml", "0.1.0"), "bob-token")))
}

func TestYank(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token")))

	yank := YankRequest{Version: v, Yanked: true, Token: "alice-token"}
	unyank := YankRequest{Version: v, Yanked: false, Token: "alice-token"}

	assert.Equal(t, app.NotYanked, reason(f.service.Yank(ctx, f.rs, unyank)))

	require.NoError(t, f.service.Yank(ctx, f.rs, yank))
	assert.True(t, f.index.entries[v.String()])
	assert.Equal(t, app.AlreadyYanked, reason(f.service.Yank(ctx, f.rs, yank)))

	row, err := f.catalog.LookupVersion(ctx, v)
	require.NoError(t, err)
	assert.True(t, row.Yanked)

	require.NoError(t, f.service.Yank(ctx, f.rs, unyank))
	assert.False(t, f.index.entries[v.String()])
}

func TestYankRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token")))

	tests := []struct {
		tag    string
		req    YankRequest
		reason app.Reason
	}{
		{"unknown token", YankRequest{Version: v, Yanked: true, Token: "nope"}, app.UserNotFound},
		{"missing token", YankRequest{Version: v, Yanked: true}, app.TokenNotFound},
		{"unknown package", YankRequest{Version: version(t, "elba", "xml", "0.1.0"), Yanked: true, Token: "alice-token"}, app.PackageNotFound},
		{"unknown version", YankRequest{Version: version(t, "elba", "json", "9.0.0"), Yanked: true, Token: "alice-token"}, app.PackageNotFound},
		{"not an owner", YankRequest{Version: v, Yanked: true, Token: "bob-token"}, app.NoPermission},
	}
	for _, test := range tests {
		t.Run(test.tag, func(t *testing.T) {
			assert.Equal(t, test.reason, reason(f.service.Yank(ctx, f.rs, test.req)))
		})
	}
}

func TestYankIndexFailureRollsBackCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := version(t, "elba", "json", "0.1.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v, "alice-token")))

	f.index.fail(errors.New("push rejected"))
	require.Error(t, f.service.Yank(ctx, f.rs, YankRequest{Version: v, Yanked: true, Token: "alice-token"}))

	row, err := f.catalog.LookupVersion(ctx, v)
	require.NoError(t, err)
	assert.False(t, row.Yanked)
}

func TestRebuildSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "elba", "json", "0.1.0"), "alice-token", "parser")))
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "elba", "json", "0.2.0"), "alice-token", "serializer")))
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(version(t, "elba", "xml", "1.0.0"), "alice-token")))

	fresh := search.NewWorker()
	defer fresh.Close()
	f.service.search = fresh
	require.NoError(t, f.service.RebuildSearch(ctx))

	n, err := fresh.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"elba/json"}, f.searchFor(t, "serializer"))
	assert.Empty(t, f.searchFor(t, "parser"))
}

func TestReadQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v1 := version(t, "Elba", "Json", "0.1.0")
	v2 := version(t, "elba", "json", "0.2.0")
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v1, "alice-token")))
	require.NoError(t, f.service.Publish(ctx, f.rs, publishRequest(v2, "alice-token")))
	require.NoError(t, f.service.Yank(ctx, f.rs, YankRequest{Version: v1, Yanked: true, Token: "alice-token"}))

	groups, err := f.service.ListGroups(ctx, f.rs)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Elba", groups[0].Name.Group)

	names, err := f.service.ListPackages(ctx, f.rs, models.GroupName{Group: "elba"})
	require.NoError(t, err)
	assert.Equal(t, []models.PackageName{{Group: "Elba", Name: "Json"}}, names)

	_, err = f.service.ListPackages(ctx, f.rs, models.GroupName{Group: "nope"})
	assert.Equal(t, app.PackageNotFound, reason(err))

	metadata, err := f.service.GetPackage(ctx, f.rs, v2.Name)
	require.NoError(t, err)
	assert.Equal(t, []VersionSummary{{Version: "0.1.0", Yanked: true}, {Version: "0.2.0", Yanked: false}}, metadata.Versions)
	require.Len(t, metadata.Owners, 1)
	assert.Equal(t, "alice", metadata.Owners[0].Name)

	readme, err := f.service.GetReadme(ctx, f.rs, v2)
	require.NoError(t, err)
	assert.Equal(t, "# json", readme)

	location, err := f.service.Download(ctx, f.rs, v2)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/storage/tarballs/elba_json_0.2.0.tar.gz", location)

	row, err := f.service.GetVersion(ctx, f.rs, v2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Downloads)

	_, err = f.service.Download(ctx, f.rs, version(t, "elba", "json", "3.0.0"))
	assert.Equal(t, app.PackageNotFound, reason(err))
}
