// Package storage stores package tarballs and readmes in a blob bucket.
//
// The bucket is either a local directory or an S3 bucket; the object layout is
// the same for both:
//
//	tarballs/{group}_{name}_{semver}.tar.gz
//	readmes/{group}_{name}_{semver}.md
//
// where group and name are normalized.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/erikvanbrakel/depot/models"
)

type Store interface {
	// StorePackage writes the tarball and, when readme is not nil, the readme.
	// The returned Transaction deletes both again unless it is committed.
	StorePackage(ctx context.Context, version models.PackageVersion, tarball []byte, readme []byte) (*Transaction, error)
	DeleteObject(ctx context.Context, path string) error
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	TarballLocation(version models.PackageVersion) string
	ReadmeLocation(version models.PackageVersion) string
	Close() error
}

func objectName(version models.PackageVersion) string {
	return fmt.Sprintf("%s_%s_%s",
		version.Name.NormalizedGroup(),
		version.Name.NormalizedName(),
		version.Semver.String(),
	)
}

func TarballPath(version models.PackageVersion) string {
	return "tarballs/" + objectName(version) + ".tar.gz"
}

func ReadmePath(version models.PackageVersion) string {
	return "readmes/" + objectName(version) + ".md"
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}
