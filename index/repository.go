// Package index maintains the package index: a git repository with one file
// per package, holding one JSON line per published version.
//
// Every mutation starts from the remote state. The working copy is fetched and
// hard reset to the remote branch, the package file is rewritten, committed
// and pushed. A rejected push is an error and is never retried or rebased; the
// next operation resets the working copy again.
//
// A Repository must only be used by one goroutine at a time; see Worker.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/models"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sirupsen/logrus"
)

const (
	remoteName     = "origin"
	DefaultTimeout = 30 * time.Second
)

// Locator returns the download URL written into an entry.
type Locator func(models.PackageVersion) string

type Repository struct {
	repo    *git.Repository
	options app.IndexOptions
	auth    transport.AuthMethod
	locate  Locator
	logger  logrus.FieldLogger
}

// Open opens the working copy at options.LocalPath, cloning the remote when
// there is no usable repository there, and resets it to the remote branch.
func Open(ctx context.Context, options app.IndexOptions, locate Locator, logger logrus.FieldLogger) (*Repository, error) {
	if options.Branch == "" {
		options.Branch = "master"
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}

	r := &Repository{
		options: options,
		locate:  locate,
		logger:  logger.WithField("component", "index"),
	}
	if options.Username != "" {
		r.auth = &http.BasicAuth{Username: options.Username, Password: options.Password}
	}

	repo, err := git.PlainOpen(options.LocalPath)
	if err != nil {
		r.logger.WithError(err).Infof("cloning index from %s into %s", options.RemoteURL, options.LocalPath)

		if err := os.RemoveAll(options.LocalPath); err != nil {
			return nil, fmt.Errorf("removing index working copy: %w", err)
		}
		repo, err = r.clone(ctx)
		if err != nil {
			return nil, fmt.Errorf("cloning index: %w", err)
		}
	}
	r.repo = repo

	if err := r.fetchAndReset(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) clone(ctx context.Context) (*git.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, r.options.Timeout)
	defer cancel()

	return git.PlainCloneContext(ctx, r.options.LocalPath, false, &git.CloneOptions{
		URL:           r.options.RemoteURL,
		Auth:          r.auth,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.options.Branch),
		SingleBranch:  true,
		Tags:          git.NoTags,
	})
}

// fetchAndReset makes the local branch, HEAD and the working tree match the
// remote branch, dropping local commits and untracked files.
func (r *Repository) fetchAndReset(ctx context.Context) error {
	branch := r.options.Branch
	localRef := plumbing.NewBranchReferenceName(branch)
	remoteRef := plumbing.NewRemoteReferenceName(remoteName, branch)

	// drop commits left by a rejected push so they are not offered as haves
	if ref, err := r.repo.Reference(remoteRef, true); err == nil {
		if err := r.repo.Storer.SetReference(plumbing.NewHashReference(localRef, ref.Hash())); err != nil {
			return err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.options.Timeout)
	defer cancel()

	err := r.repo.FetchContext(fetchCtx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+%s:%s", localRef, remoteRef))},
		Auth:       r.auth,
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching index: %w", err)
	}

	ref, err := r.repo.Reference(remoteRef, true)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", remoteRef, err)
	}

	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(localRef, ref.Hash())); err != nil {
		return err
	}
	if err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, localRef)); err != nil {
		return err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning index: %w", err)
	}
	return nil
}

// entryPath is the slash separated path of a package file inside the
// repository.
func entryPath(name models.PackageName) string {
	return path.Join(name.NormalizedGroup(), name.NormalizedName())
}

func (r *Repository) read(rel string) ([]Entry, bool, error) {
	data, err := os.ReadFile(filepath.Join(r.options.LocalPath, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entries, skipped, err := readEntries(bytes.NewReader(data))
	if err != nil {
		return nil, true, fmt.Errorf("reading %s: %w", rel, err)
	}
	if skipped > 0 {
		r.logger.WithField("file", rel).Warnf("skipped %d malformed index lines", skipped)
	}
	return entries, true, nil
}

func (r *Repository) write(rel string, entries []Entry) error {
	file := filepath.Join(r.options.LocalPath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := writeEntries(&buf, entries); err != nil {
		return err
	}
	return os.WriteFile(file, buf.Bytes(), 0o644)
}

// UpdatePackage adds the entry for version, replacing an existing entry for
// the same version, and pushes the change.
func (r *Repository) UpdatePackage(ctx context.Context, version models.PackageVersion, dependencies []models.DependencyReq) error {
	if err := r.fetchAndReset(ctx); err != nil {
		return err
	}

	rel := entryPath(version.Name)
	entries, _, err := r.read(rel)
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if !e.Is(version) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, newEntry(version, dependencies, r.locate(version)))

	if err := r.write(rel, kept); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return r.commitAndPush(ctx, fmt.Sprintf("Updating package %q", version.String()), rel)
}

// YankPackage sets the yanked flag of the entry for version and pushes the
// change. It fails with a *NotFoundError when there is no such entry.
func (r *Repository) YankPackage(ctx context.Context, version models.PackageVersion, yanked bool) error {
	if err := r.fetchAndReset(ctx); err != nil {
		return err
	}

	rel := entryPath(version.Name)
	entries, exists, err := r.read(rel)
	if err != nil {
		return err
	}
	if !exists {
		return &NotFoundError{Version: version, File: true}
	}

	found := false
	for i := range entries {
		if entries[i].Is(version) {
			entries[i].Yanked = yanked
			found = true
		}
	}
	if !found {
		return &NotFoundError{Version: version}
	}

	if err := r.write(rel, entries); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}

	action := "Yanking"
	if !yanked {
		action = "Unyanking"
	}
	return r.commitAndPush(ctx, fmt.Sprintf("%s package %q", action, version.String()), rel)
}

// Entries returns the entries of a package as of the last synchronization.
func (r *Repository) Entries(name models.PackageName) ([]Entry, error) {
	entries, _, err := r.read(entryPath(name))
	return entries, err
}

func (r *Repository) commitAndPush(ctx context.Context, message, rel string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Add(rel); err != nil {
		return fmt.Errorf("staging %s: %w", rel, err)
	}

	status, err := wt.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		r.logger.WithField("file", rel).Debug("index unchanged, nothing to push")
		return nil
	}

	signature := &object.Signature{
		Name:  r.options.BotName,
		Email: r.options.BotEmail,
		When:  time.Now(),
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: signature, Committer: signature})
	if err != nil {
		return fmt.Errorf("committing %s: %w", rel, err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, r.options.Timeout)
	defer cancel()

	ref := plumbing.NewBranchReferenceName(r.options.Branch)
	err = r.repo.PushContext(pushCtx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing index: %w", err)
	}

	r.logger.WithFields(logrus.Fields{"commit": hash.String(), "file": rel}).Info(message)
	return nil
}
