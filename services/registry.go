package services

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/models"
	"github.com/erikvanbrakel/depot/search"
	"github.com/erikvanbrakel/depot/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type packageIndex interface {
	UpdatePackage(ctx context.Context, version models.PackageVersion, dependencies []models.DependencyReq) error
	YankPackage(ctx context.Context, version models.PackageVersion, yanked bool) error
}

type searchIndex interface {
	Index(ctx context.Context, doc search.Document) (search.Undo, error)
	Search(ctx context.Context, query string) ([]models.PackageName, error)
	Rebuild(ctx context.Context, docs []search.Document) error
}

// RegistryService publishes and yanks packages across the catalog, the object
// store, the search index and the package index. There is no transaction
// spanning all four: the catalog transaction wraps the other steps, the
// stored objects and the search entry are compensated on failure, and the
// package index is pushed last because a push cannot be taken back.
type RegistryService struct {
	catalog catalog.Catalog
	store   storage.Store
	index   packageIndex
	search  searchIndex
	sem     *semaphore.Weighted
}

func NewRegistryService(c catalog.Catalog, store storage.Store, index packageIndex, search searchIndex, concurrency int) *RegistryService {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 4
	}
	return &RegistryService{
		catalog: c,
		store:   store,
		index:   index,
		search:  search,
		sem:     semaphore.NewWeighted(int64(concurrency)),
	}
}

func (s *RegistryService) Publish(ctx context.Context, rs app.RequestScope, req PublishRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	v := req.Version
	log := rs.WithField("package", v.String())

	// set while this package's search entry differs from the committed state
	var undo search.Undo
	revertSearch := func() {
		if undo == nil {
			return
		}
		if err := undo(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Error("failed to revert search index")
		}
		undo = nil
	}

	err := s.catalog.Serializable(ctx, func(tx catalog.Tx) error {
		revertSearch()

		user, err := tx.LookupUserByToken(ctx, req.Token)
		if errors.Is(err, catalog.ErrNotFound) {
			return app.Human(app.UserNotFound, "no user owns the given access token")
		} else if err != nil {
			return err
		}

		group, _, err := tx.FindOrCreateGroup(ctx, v.Name.GroupName(), user)
		if err != nil {
			return err
		}

		pkg, created, err := tx.FindOrCreatePackage(ctx, group, v.Name, user)
		if err != nil {
			return err
		}
		if created {
			if group.OwnerID != user.ID {
				return app.Human(app.NoPermission, "only the owner of group %s can create packages in it", group.Name)
			}
		} else {
			owner, err := tx.IsOwner(ctx, pkg, user)
			if err != nil {
				return err
			}
			if !owner {
				return app.Human(app.NoPermission, "you are not an owner of package %s", pkg.Name)
			}
		}

		exists, err := tx.VersionExists(ctx, pkg, v.Semver)
		if err != nil {
			return err
		}
		if exists {
			return app.Human(app.AlreadyExists, "version %s of package %s already exists", v.Semver, pkg.Name)
		}

		// search shows the keywords of the highest version, so a backport
		// leaves the search entry alone
		latest, hasVersions, err := tx.LatestVersion(ctx, pkg)
		if err != nil {
			return err
		}
		searchable := !hasVersions || v.Semver.GT(latest)

		resolved := make([]catalog.ResolvedDependency, 0, len(req.Dependencies))
		for _, d := range req.Dependencies {
			id, err := tx.ResolveDependencyID(ctx, d.Name)
			if errors.Is(err, catalog.ErrNotFound) {
				return app.Human(app.DependencyNotFound, "dependency %s has not been published", d.Name)
			} else if err != nil {
				return err
			}
			resolved = append(resolved, catalog.ResolvedDependency{PackageID: id, Req: d})
		}

		row, err := tx.InsertVersion(ctx, pkg, v, req.Info, req.Readme)
		if err != nil {
			return err
		}
		if err := tx.InsertDependencies(ctx, row, resolved); err != nil {
			return err
		}
		if err := tx.InsertAuthors(ctx, row, req.Info.Authors); err != nil {
			return err
		}
		if err := tx.InsertKeywords(ctx, row, req.Info.Keywords); err != nil {
			return err
		}

		storeTx, err := s.store.StorePackage(ctx, v, req.Tarball, req.readme())
		if err != nil {
			return fmt.Errorf("storing package: %w", err)
		}
		defer storeTx.Rollback()

		if searchable {
			undo, err = s.search.Index(ctx, search.Document{Name: v.Name, Keywords: req.Info.Keywords})
			if err != nil {
				return fmt.Errorf("indexing package for search: %w", err)
			}
		}

		if err := s.index.UpdatePackage(ctx, v, req.Dependencies); err != nil {
			revertSearch()
			return fmt.Errorf("updating index: %w", err)
		}

		storeTx.Commit()
		return nil
	})
	if err != nil {
		// the catalog did not commit, so nothing may stay searchable
		revertSearch()
		return err
	}

	log.Info("package published")
	return nil
}

func (s *RegistryService) Yank(ctx context.Context, rs app.RequestScope, req YankRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	v := req.Version

	err := s.catalog.Serializable(ctx, func(tx catalog.Tx) error {
		user, err := tx.LookupUserByToken(ctx, req.Token)
		if errors.Is(err, catalog.ErrNotFound) {
			return app.Human(app.UserNotFound, "no user owns the given access token")
		} else if err != nil {
			return err
		}

		pkg, err := tx.LookupPackage(ctx, v.Name)
		if errors.Is(err, catalog.ErrNotFound) {
			return app.Human(app.PackageNotFound, "package %s not found", v.Name)
		} else if err != nil {
			return err
		}

		row, err := tx.LookupVersion(ctx, v)
		if errors.Is(err, catalog.ErrNotFound) {
			return app.Human(app.PackageNotFound, "version %s not found", v)
		} else if err != nil {
			return err
		}

		owner, err := tx.IsOwner(ctx, pkg, user)
		if err != nil {
			return err
		}
		if !owner {
			return app.Human(app.NoPermission, "you are not an owner of package %s", pkg.Name)
		}

		if req.Yanked && row.Yanked {
			return app.Human(app.AlreadyYanked, "version %s is already yanked", v)
		}
		if !req.Yanked && !row.Yanked {
			return app.Human(app.NotYanked, "version %s is not yanked", v)
		}

		if err := tx.SetYanked(ctx, row, req.Yanked); err != nil {
			return err
		}
		if err := s.index.YankPackage(ctx, v, req.Yanked); err != nil {
			return fmt.Errorf("updating index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rs.WithFields(logrus.Fields{"package": v.String(), "yanked": req.Yanked}).Info("package yank state changed")
	return nil
}

func (s *RegistryService) Search(ctx context.Context, rs app.RequestScope, query string) ([]models.PackageName, error) {
	names, err := s.search.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []models.PackageName{}
	}
	return names, nil
}

// RebuildSearch replaces the search index with the packages in the catalog.
func (s *RegistryService) RebuildSearch(ctx context.Context) error {
	packages, err := s.catalog.SearchDocuments(ctx)
	if err != nil {
		return fmt.Errorf("loading search documents: %w", err)
	}

	docs := make([]search.Document, 0, len(packages))
	for _, p := range packages {
		docs = append(docs, search.Document{Name: p.Name, Keywords: p.Keywords})
	}
	return s.search.Rebuild(ctx, docs)
}
