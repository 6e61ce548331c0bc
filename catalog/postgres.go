package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/blang/semver"
	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/models"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres is a Catalog backed by PostgreSQL. Every unit of work is one
// serializable transaction on a pooled connection.
type Postgres struct {
	db         *sql.DB
	maxRetries int
	logger     logrus.FieldLogger
}

func NewPostgresCatalog(ctx context.Context, options app.DatabaseOptions, logger logrus.FieldLogger) (*Postgres, error) {
	db, err := sql.Open("postgres", options.URL)
	if err != nil {
		return nil, err
	}

	conns := options.MaxOpenConns
	if conns <= 0 {
		conns = runtime.NumCPU() * 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	p := &Postgres{
		db:         db,
		maxRetries: options.MaxRetries,
		logger:     logger.WithField("component", "catalog"),
	}
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates missing tables.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// AddUser registers a user that authenticates with token.
func (p *Postgres) AddUser(ctx context.Context, name, token string) (User, error) {
	u := User{Name: name}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `INSERT INTO users (name) VALUES ($1) RETURNING id`, name).Scan(&u.ID); err != nil {
		return u, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_tokens (token, user_id) VALUES ($1, $2) ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id`,
		token, u.ID); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

func (p *Postgres) Serializable(ctx context.Context, fn func(tx Tx) error) error {
	return retrySerializable(newRetryBackOff(), p.maxRetries, p.logger, func() error {
		return p.serializable(ctx, fn)
	})
}

func (p *Postgres) serializable(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&postgresTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.WithError(rbErr).Error("rolling back transaction")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, owner_id FROM package_groups ORDER BY normalized`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name.Group, &g.OwnerID); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (p *Postgres) ListPackages(ctx context.Context, group models.GroupName) ([]Package, error) {
	var groupID int64
	err := p.db.QueryRowContext(ctx, `SELECT id FROM package_groups WHERE normalized = $1`, group.Normalized()).Scan(&groupID)
	if err != nil {
		return nil, notFound(err, "group %s", group)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, p.group_id, g.name, p.name
		FROM packages p JOIN package_groups g ON g.id = p.group_id
		WHERE p.group_id = $1
		ORDER BY p.normalized`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		var pkg Package
		if err := rows.Scan(&pkg.ID, &pkg.GroupID, &pkg.Name.Group, &pkg.Name.Name); err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func (p *Postgres) ListVersions(ctx context.Context, name models.PackageName) ([]Version, error) {
	pkg, err := lookupPackage(ctx, p.db, name)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+versionColumns+versionFrom+` WHERE v.package_id = $1`, pkg.ID)
	if err != nil {
		return nil, err
	}
	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range versions {
		if err := loadVersionLists(ctx, p.db, &versions[i]); err != nil {
			return nil, err
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version.Semver.LT(versions[j].Version.Semver) })
	return versions, nil
}

func (p *Postgres) LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error) {
	return lookupVersion(ctx, p.db, version)
}

func (p *Postgres) ListDependencies(ctx context.Context, version models.PackageVersion) ([]models.DependencyReq, error) {
	v, err := lookupVersion(ctx, p.db, version)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT g.name, p.name, d.version_req
		FROM version_dependencies d
		JOIN packages p ON p.id = d.package_id
		JOIN package_groups g ON g.id = p.group_id
		WHERE d.version_id = $1
		ORDER BY g.normalized, p.normalized`, v.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deps := []models.DependencyReq{}
	for rows.Next() {
		var d models.DependencyReq
		if err := rows.Scan(&d.Name.Group, &d.Name.Name, &d.VersionReq); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (p *Postgres) ListOwners(ctx context.Context, name models.PackageName) ([]User, error) {
	pkg, err := lookupPackage(ctx, p.db, name)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email
		FROM package_owners o JOIN users u ON u.id = o.user_id
		WHERE o.package_id = $1
		ORDER BY u.id`, pkg.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) LookupReadme(ctx context.Context, version models.PackageVersion) (string, error) {
	v, err := lookupVersion(ctx, p.db, version)
	if err != nil {
		return "", err
	}
	return v.Readme, nil
}

func (p *Postgres) IncreaseDownload(ctx context.Context, version models.PackageVersion) error {
	v, err := lookupVersion(ctx, p.db, version)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `UPDATE versions SET downloads = downloads + 1 WHERE id = $1`, v.ID)
	return err
}

func (p *Postgres) SearchDocuments(ctx context.Context) ([]PackageKeywords, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, g.name, p.name
		FROM packages p JOIN package_groups g ON g.id = p.group_id
		ORDER BY g.normalized, p.normalized`)
	if err != nil {
		return nil, err
	}
	var (
		ids  []int64
		docs []PackageKeywords
	)
	for rows.Next() {
		var (
			id  int64
			doc PackageKeywords
		)
		if err := rows.Scan(&id, &doc.Name.Group, &doc.Name.Name); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		docs = append(docs, doc)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	latest, err := p.latestVersions(ctx)
	if err != nil {
		return nil, err
	}
	keywords, err := p.keywords(ctx)
	if err != nil {
		return nil, err
	}

	for i, id := range ids {
		if versionID, ok := latest[id]; ok {
			docs[i].Keywords = keywords[versionID]
		}
	}
	return docs, nil
}

// latestVersions maps package ids to the id of their highest version.
func (p *Postgres) latestVersions(ctx context.Context) (map[int64]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, package_id, semver FROM versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		id     int64
		semver semver.Version
	}
	best := make(map[int64]candidate)
	for rows.Next() {
		var (
			id, packageID int64
			raw           string
		)
		if err := rows.Scan(&id, &packageID, &raw); err != nil {
			return nil, err
		}
		v, err := semver.Parse(raw)
		if err != nil {
			continue
		}
		if cur, ok := best[packageID]; !ok || v.GT(cur.semver) {
			best[packageID] = candidate{id: id, semver: v}
		}
	}

	latest := make(map[int64]int64, len(best))
	for packageID, c := range best {
		latest[packageID] = c.id
	}
	return latest, rows.Err()
}

func (p *Postgres) keywords(ctx context.Context) (map[int64][]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT version_id, keyword FROM version_keywords ORDER BY version_id, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keywords := make(map[int64][]string)
	for rows.Next() {
		var (
			id      int64
			keyword string
		)
		if err := rows.Scan(&id, &keyword); err != nil {
			return nil, err
		}
		keywords[id] = append(keywords[id], keyword)
	}
	return keywords, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const (
	versionColumns = ` v.id, v.package_id, g.name, p.name, v.semver, v.description, v.homepage, v.repository,
		v.license, v.readme, v.yanked, v.downloads, v.created_at `
	versionFrom = ` FROM versions v
		JOIN packages p ON p.id = v.package_id
		JOIN package_groups g ON g.id = p.group_id `
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row scanner) (*Version, error) {
	var (
		v   Version
		raw string
	)
	err := row.Scan(&v.ID, &v.PackageID, &v.Version.Name.Group, &v.Version.Name.Name, &raw,
		&v.Info.Description, &v.Info.Homepage, &v.Info.Repository, &v.Info.License,
		&v.Readme, &v.Yanked, &v.Downloads, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if v.Version.Semver, err = semver.Parse(raw); err != nil {
		return nil, fmt.Errorf("version %d has invalid semver %q: %w", v.ID, raw, err)
	}
	return &v, nil
}

func loadVersionLists(ctx context.Context, q querier, v *Version) error {
	authors, err := queryStrings(ctx, q, `SELECT name FROM version_authors WHERE version_id = $1 ORDER BY position`, v.ID)
	if err != nil {
		return err
	}
	keywords, err := queryStrings(ctx, q, `SELECT keyword FROM version_keywords WHERE version_id = $1 ORDER BY position`, v.ID)
	if err != nil {
		return err
	}
	v.Info.Authors = authors
	v.Info.Keywords = keywords
	return nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		values = append(values, s)
	}
	return values, rows.Err()
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}

func lookupPackage(ctx context.Context, q querier, name models.PackageName) (*Package, error) {
	var pkg Package
	err := q.QueryRowContext(ctx, `
		SELECT p.id, p.group_id, g.name, p.name
		FROM packages p JOIN package_groups g ON g.id = p.group_id
		WHERE g.normalized = $1 AND p.normalized = $2`,
		name.NormalizedGroup(), name.NormalizedName(),
	).Scan(&pkg.ID, &pkg.GroupID, &pkg.Name.Group, &pkg.Name.Name)
	if err != nil {
		return nil, notFound(err, "package %s", name)
	}
	return &pkg, nil
}

func lookupVersion(ctx context.Context, q querier, version models.PackageVersion) (*Version, error) {
	row := q.QueryRowContext(ctx, `SELECT `+versionColumns+versionFrom+`
		WHERE g.normalized = $1 AND p.normalized = $2 AND v.semver = $3`,
		version.Name.NormalizedGroup(), version.Name.NormalizedName(), version.Semver.String())

	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err, "version %s", version)
	}
	if err := loadVersionLists(ctx, q, v); err != nil {
		return nil, err
	}
	return v, nil
}

type postgresTx struct {
	q querier
}

func (tx *postgresTx) LookupUserByToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := tx.q.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email
		FROM access_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = $1`, token).Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		return nil, notFound(err, "token")
	}
	return &u, nil
}

func (tx *postgresTx) FindOrCreateGroup(ctx context.Context, name models.GroupName, creator *User) (*Group, bool, error) {
	var g Group
	err := tx.q.QueryRowContext(ctx, `SELECT id, name, owner_id FROM package_groups WHERE normalized = $1`,
		name.Normalized()).Scan(&g.ID, &g.Name.Group, &g.OwnerID)
	if err == nil {
		return &g, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	g = Group{Name: name, OwnerID: creator.ID}
	err = tx.q.QueryRowContext(ctx, `INSERT INTO package_groups (name, normalized, owner_id) VALUES ($1, $2, $3) RETURNING id`,
		name.Group, name.Normalized(), creator.ID).Scan(&g.ID)
	if err != nil {
		return nil, false, fmt.Errorf("creating group %s: %w", name, err)
	}
	return &g, true, nil
}

func (tx *postgresTx) FindOrCreatePackage(ctx context.Context, group *Group, name models.PackageName, creator *User) (*Package, bool, error) {
	pkg, err := lookupPackage(ctx, tx.q, name)
	if err == nil {
		return pkg, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	pkg = &Package{GroupID: group.ID, Name: models.PackageName{Group: group.Name.Group, Name: name.Name}}
	err = tx.q.QueryRowContext(ctx, `INSERT INTO packages (group_id, name, normalized) VALUES ($1, $2, $3) RETURNING id`,
		group.ID, name.Name, name.NormalizedName()).Scan(&pkg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("creating package %s: %w", name, err)
	}
	if _, err := tx.q.ExecContext(ctx, `INSERT INTO package_owners (package_id, user_id) VALUES ($1, $2)`, pkg.ID, creator.ID); err != nil {
		return nil, false, fmt.Errorf("adding owner of %s: %w", name, err)
	}
	return pkg, true, nil
}

func (tx *postgresTx) IsOwner(ctx context.Context, pkg *Package, user *User) (bool, error) {
	var owner bool
	err := tx.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM package_owners WHERE package_id = $1 AND user_id = $2)`,
		pkg.ID, user.ID).Scan(&owner)
	return owner, err
}

func (tx *postgresTx) LookupPackage(ctx context.Context, name models.PackageName) (*Package, error) {
	return lookupPackage(ctx, tx.q, name)
}

func (tx *postgresTx) LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error) {
	return lookupVersion(ctx, tx.q, version)
}

func (tx *postgresTx) VersionExists(ctx context.Context, pkg *Package, version semver.Version) (bool, error) {
	var exists bool
	err := tx.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM versions WHERE package_id = $1 AND semver = $2)`,
		pkg.ID, version.String()).Scan(&exists)
	return exists, err
}

func (tx *postgresTx) LatestVersion(ctx context.Context, pkg *Package) (semver.Version, bool, error) {
	rows, err := tx.q.QueryContext(ctx, `SELECT semver FROM versions WHERE package_id = $1`, pkg.ID)
	if err != nil {
		return semver.Version{}, false, err
	}
	defer rows.Close()

	var (
		latest semver.Version
		found  bool
	)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return semver.Version{}, false, err
		}
		v, err := semver.Parse(raw)
		if err != nil {
			continue
		}
		if !found || v.GT(latest) {
			latest, found = v, true
		}
	}
	return latest, found, rows.Err()
}

func (tx *postgresTx) ResolveDependencyID(ctx context.Context, name models.PackageName) (int64, error) {
	pkg, err := lookupPackage(ctx, tx.q, name)
	if err != nil {
		return 0, err
	}
	return pkg.ID, nil
}

func (tx *postgresTx) InsertVersion(ctx context.Context, pkg *Package, version models.PackageVersion, info models.PackageInfo, readme string) (*Version, error) {
	v := &Version{
		PackageID: pkg.ID,
		Version:   version,
		Info: models.PackageInfo{
			Description: info.Description,
			Homepage:    info.Homepage,
			Repository:  info.Repository,
			License:     info.License,
		},
		Readme: readme,
	}
	err := tx.q.QueryRowContext(ctx, `
		INSERT INTO versions (package_id, semver, description, homepage, repository, license, readme)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		pkg.ID, version.Semver.String(), info.Description, info.Homepage, info.Repository, info.License, readme,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting version %s: %w", version, err)
	}
	return v, nil
}

func (tx *postgresTx) InsertDependencies(ctx context.Context, version *Version, dependencies []ResolvedDependency) error {
	for _, d := range dependencies {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO version_dependencies (version_id, package_id, version_req) VALUES ($1, $2, $3)
			ON CONFLICT (version_id, package_id) DO UPDATE SET version_req = EXCLUDED.version_req`,
			version.ID, d.PackageID, d.Req.VersionReq)
		if err != nil {
			return fmt.Errorf("inserting dependency %s: %w", d.Req.Name, err)
		}
	}
	return nil
}

func (tx *postgresTx) InsertAuthors(ctx context.Context, version *Version, authors []string) error {
	for i, a := range authors {
		if _, err := tx.q.ExecContext(ctx, `INSERT INTO version_authors (version_id, position, name) VALUES ($1, $2, $3)`,
			version.ID, i, a); err != nil {
			return fmt.Errorf("inserting author: %w", err)
		}
	}
	return nil
}

func (tx *postgresTx) InsertKeywords(ctx context.Context, version *Version, keywords []string) error {
	for i, k := range keywords {
		if _, err := tx.q.ExecContext(ctx, `INSERT INTO version_keywords (version_id, position, keyword) VALUES ($1, $2, $3)`,
			version.ID, i, k); err != nil {
			return fmt.Errorf("inserting keyword: %w", err)
		}
	}
	return nil
}

func (tx *postgresTx) SetYanked(ctx context.Context, version *Version, yanked bool) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE versions SET yanked = $2 WHERE id = $1`, version.ID, yanked)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("version %s: %w", version.Version, ErrNotFound)
	}
	return nil
}
