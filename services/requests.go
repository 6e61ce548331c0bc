package services

import (
	"time"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/models"
)

type PublishRequest struct {
	Version      models.PackageVersion
	Info         models.PackageInfo
	Readme       string
	Dependencies []models.DependencyReq
	Token        string
	Tarball      []byte
}

// Validate checks everything that does not need the catalog.
func (r PublishRequest) Validate() error {
	if r.Token == "" {
		return app.Human(app.TokenNotFound, "an access token is required to publish")
	}
	if len(r.Tarball) == 0 {
		return app.Human(app.InvalidFormat, "the package tarball is empty")
	}
	if len(r.Version.Semver.Build) > 0 {
		return app.Human(app.InvalidManifest, "version %s carries build metadata", r.Version.Semver)
	}

	seen := make(map[string]bool, len(r.Dependencies))
	for _, d := range r.Dependencies {
		if err := d.Validate(); err != nil {
			return app.Human(app.InvalidManifest, "invalid dependency: %v", err)
		}
		if d.Name.Same(r.Version.Name) {
			return app.Human(app.InvalidManifest, "package %s depends on itself", r.Version.Name)
		}
		if seen[d.Name.Key()] {
			return app.Human(app.InvalidManifest, "dependency %s is listed more than once", d.Name)
		}
		seen[d.Name.Key()] = true
	}
	return nil
}

func (r PublishRequest) readme() []byte {
	if r.Readme == "" {
		return nil
	}
	return []byte(r.Readme)
}

type YankRequest struct {
	Version models.PackageVersion
	Yanked  bool
	Token   string
}

func (r YankRequest) Validate() error {
	if r.Token == "" {
		return app.Human(app.TokenNotFound, "an access token is required to yank")
	}
	return nil
}

type VersionSummary struct {
	Version string `json:"version"`
	Yanked  bool   `json:"yanked"`
}

type PackageMetadata struct {
	Name     models.PackageName `json:"name"`
	Owners   []catalog.User     `json:"owners"`
	Versions []VersionSummary   `json:"versions"`
}

type VersionMetadata struct {
	Name         models.PackageName     `json:"name"`
	Version      string                 `json:"version"`
	Info         models.PackageInfo     `json:"info"`
	Dependencies []models.DependencyReq `json:"dependencies"`
	Yanked       bool                   `json:"yanked"`
	Downloads    int64                  `json:"downloads"`
	CreatedAt    time.Time              `json:"created_at"`
	Location     string                 `json:"location"`
}
