package services

import (
	"context"
	"errors"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/models"
)

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return app.Human(app.PackageNotFound, format, args...)
	}
	return err
}

func (s *RegistryService) ListGroups(ctx context.Context, rs app.RequestScope) ([]catalog.Group, error) {
	groups, err := s.catalog.ListGroups(ctx)
	if groups == nil && err == nil {
		groups = []catalog.Group{}
	}
	return groups, err
}

func (s *RegistryService) ListPackages(ctx context.Context, rs app.RequestScope, group models.GroupName) ([]models.PackageName, error) {
	packages, err := s.catalog.ListPackages(ctx, group)
	if err != nil {
		return nil, notFound(err, "group %s not found", group)
	}

	names := make([]models.PackageName, 0, len(packages))
	for _, p := range packages {
		names = append(names, p.Name)
	}
	return names, nil
}

func (s *RegistryService) GetPackage(ctx context.Context, rs app.RequestScope, name models.PackageName) (*PackageMetadata, error) {
	versions, err := s.catalog.ListVersions(ctx, name)
	if err != nil {
		return nil, notFound(err, "package %s not found", name)
	}
	owners, err := s.catalog.ListOwners(ctx, name)
	if err != nil {
		return nil, notFound(err, "package %s not found", name)
	}

	metadata := &PackageMetadata{
		Name:     name,
		Owners:   owners,
		Versions: make([]VersionSummary, 0, len(versions)),
	}
	for _, v := range versions {
		metadata.Name = v.Version.Name
		metadata.Versions = append(metadata.Versions, VersionSummary{
			Version: v.Version.Semver.String(),
			Yanked:  v.Yanked,
		})
	}
	return metadata, nil
}

func (s *RegistryService) GetVersion(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (*VersionMetadata, error) {
	v, err := s.catalog.LookupVersion(ctx, version)
	if err != nil {
		return nil, notFound(err, "version %s not found", version)
	}
	deps, err := s.catalog.ListDependencies(ctx, version)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = []models.DependencyReq{}
	}

	return &VersionMetadata{
		Name:         v.Version.Name,
		Version:      v.Version.Semver.String(),
		Info:         v.Info,
		Dependencies: deps,
		Yanked:       v.Yanked,
		Downloads:    v.Downloads,
		CreatedAt:    v.CreatedAt,
		Location:     s.store.TarballLocation(version),
	}, nil
}

func (s *RegistryService) GetReadme(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (string, error) {
	readme, err := s.catalog.LookupReadme(ctx, version)
	if err != nil {
		return "", notFound(err, "version %s not found", version)
	}
	return readme, nil
}

// Download counts a download of version and returns where the tarball can be
// fetched from.
func (s *RegistryService) Download(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (string, error) {
	if err := s.catalog.IncreaseDownload(ctx, version); err != nil {
		return "", notFound(err, "version %s not found", version)
	}
	return s.store.TarballLocation(version), nil
}
