package index

import (
	"context"

	"github.com/erikvanbrakel/depot/models"
	"github.com/erikvanbrakel/depot/worker"
)

// Worker serializes all access to a Repository. A call that was accepted runs
// to completion even if the caller's context is cancelled afterwards, so the
// working copy is never left half written.
type Worker struct {
	repo   *Repository
	serial *worker.Serial
}

func NewWorker(repo *Repository) *Worker {
	return &Worker{repo: repo, serial: worker.NewSerial(16)}
}

func (w *Worker) UpdatePackage(ctx context.Context, version models.PackageVersion, dependencies []models.DependencyReq) error {
	return w.serial.Do(ctx, func() error {
		return w.repo.UpdatePackage(context.WithoutCancel(ctx), version, dependencies)
	})
}

func (w *Worker) YankPackage(ctx context.Context, version models.PackageVersion, yanked bool) error {
	return w.serial.Do(ctx, func() error {
		return w.repo.YankPackage(context.WithoutCancel(ctx), version, yanked)
	})
}

func (w *Worker) Entries(ctx context.Context, name models.PackageName) ([]Entry, error) {
	var entries []Entry
	err := w.serial.Do(ctx, func() error {
		var err error
		entries, err = w.repo.Entries(name)
		return err
	})
	return entries, err
}

func (w *Worker) Close() {
	w.serial.Close()
}
