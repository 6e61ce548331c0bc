// Package catalog is the relational record of users, groups, packages and
// versions. All writes happen inside Serializable units of work; the
// coordinator runs every other publish step from inside such a unit so that a
// failure anywhere rolls the catalog back.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/blang/semver"
	"github.com/erikvanbrakel/depot/models"
)

var ErrNotFound = errors.New("not found in catalog")

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Group struct {
	ID      int64            `json:"-"`
	Name    models.GroupName `json:"name"`
	OwnerID int64            `json:"-"`
}

type Package struct {
	ID      int64              `json:"-"`
	GroupID int64              `json:"-"`
	Name    models.PackageName `json:"name"`
}

type Version struct {
	ID        int64                 `json:"-"`
	PackageID int64                 `json:"-"`
	Version   models.PackageVersion `json:"-"`
	Info      models.PackageInfo    `json:"info"`
	Readme    string                `json:"-"`
	Yanked    bool                  `json:"yanked"`
	Downloads int64                 `json:"downloads"`
	CreatedAt time.Time             `json:"created_at"`
}

// ResolvedDependency is a dependency whose package exists in the catalog.
type ResolvedDependency struct {
	PackageID int64
	Req       models.DependencyReq
}

// PackageKeywords is what the search index needs to know about a package.
type PackageKeywords struct {
	Name     models.PackageName
	Keywords []string
}

// Tx is one serializable unit of work. Lookups return an error wrapping
// ErrNotFound when the row does not exist.
type Tx interface {
	LookupUserByToken(ctx context.Context, token string) (*User, error)
	// FindOrCreateGroup returns the group, creating it owned by creator when
	// it does not exist yet.
	FindOrCreateGroup(ctx context.Context, name models.GroupName, creator *User) (group *Group, created bool, err error)
	// FindOrCreatePackage returns the package, creating it with creator as
	// its first owner when it does not exist yet.
	FindOrCreatePackage(ctx context.Context, group *Group, name models.PackageName, creator *User) (pkg *Package, created bool, err error)
	IsOwner(ctx context.Context, pkg *Package, user *User) (bool, error)
	LookupPackage(ctx context.Context, name models.PackageName) (*Package, error)
	LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error)
	VersionExists(ctx context.Context, pkg *Package, version semver.Version) (bool, error)
	// LatestVersion returns the highest version published for pkg. ok is
	// false when the package has no versions yet.
	LatestVersion(ctx context.Context, pkg *Package) (latest semver.Version, ok bool, err error)
	ResolveDependencyID(ctx context.Context, name models.PackageName) (int64, error)
	InsertVersion(ctx context.Context, pkg *Package, version models.PackageVersion, info models.PackageInfo, readme string) (*Version, error)
	InsertDependencies(ctx context.Context, version *Version, dependencies []ResolvedDependency) error
	InsertAuthors(ctx context.Context, version *Version, authors []string) error
	InsertKeywords(ctx context.Context, version *Version, keywords []string) error
	SetYanked(ctx context.Context, version *Version, yanked bool) error
}

type Catalog interface {
	// Serializable runs fn in a serializable transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	Serializable(ctx context.Context, fn func(tx Tx) error) error

	ListGroups(ctx context.Context) ([]Group, error)
	ListPackages(ctx context.Context, group models.GroupName) ([]Package, error)
	ListVersions(ctx context.Context, name models.PackageName) ([]Version, error)
	LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error)
	ListDependencies(ctx context.Context, version models.PackageVersion) ([]models.DependencyReq, error)
	ListOwners(ctx context.Context, name models.PackageName) ([]User, error)
	LookupReadme(ctx context.Context, version models.PackageVersion) (string, error)
	IncreaseDownload(ctx context.Context, version models.PackageVersion) error
	// SearchDocuments returns every package with the keywords of its
	// highest version.
	SearchDocuments(ctx context.Context) ([]PackageKeywords, error)

	Close() error
}
