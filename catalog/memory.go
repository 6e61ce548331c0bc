package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/erikvanbrakel/depot/models"
)

type memoryState struct {
	nextID       int64
	users        map[int64]User
	tokens       map[string]int64
	groups       map[string]Group
	packages     map[string]Package
	owners       map[int64][]int64
	versions     map[int64]Version
	dependencies map[int64][]ResolvedDependency
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:        make(map[int64]User),
		tokens:       make(map[string]int64),
		groups:       make(map[string]Group),
		packages:     make(map[string]Package),
		owners:       make(map[int64][]int64),
		versions:     make(map[int64]Version),
		dependencies: make(map[int64][]ResolvedDependency),
	}
}

// clone copies the maps. Slices stored in the maps are never modified in
// place, only replaced, so they can be shared.
func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:       s.nextID,
		users:        make(map[int64]User, len(s.users)),
		tokens:       make(map[string]int64, len(s.tokens)),
		groups:       make(map[string]Group, len(s.groups)),
		packages:     make(map[string]Package, len(s.packages)),
		owners:       make(map[int64][]int64, len(s.owners)),
		versions:     make(map[int64]Version, len(s.versions)),
		dependencies: make(map[int64][]ResolvedDependency, len(s.dependencies)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	for k, v := range s.owners {
		c.owners[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.dependencies {
		c.dependencies[k] = v
	}
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryState) findVersion(version models.PackageVersion) (Version, bool) {
	pkg, ok := s.packages[version.Name.Key()]
	if !ok {
		return Version{}, false
	}
	for _, v := range s.versions {
		if v.PackageID == pkg.ID && v.Version.Semver.String() == version.Semver.String() {
			return v, true
		}
	}
	return Version{}, false
}

func (s *memoryState) packageByID(id int64) (Package, bool) {
	for _, p := range s.packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Memory is a Catalog kept in memory. Units of work run one at a time on a
// private copy of the state, which replaces the shared state on success. A
// published state is never modified, so readers only hold the lock long
// enough to grab it.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemoryCatalog() *Memory {
	return &Memory{state: newMemoryState()}
}

// AddUser registers a user that authenticates with token.
func (m *Memory) AddUser(name, token string) User {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state.clone()
	u := User{ID: state.id(), Name: name}
	state.users[u.ID] = u
	state.tokens[token] = u.ID
	m.state = state
	return u
}

func (m *Memory) Serializable(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *Memory) read() *memoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Memory) ListGroups(ctx context.Context) ([]Group, error) {
	s := m.read()
	groups := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name.Normalized() < groups[j].Name.Normalized() })
	return groups, nil
}

func (m *Memory) ListPackages(ctx context.Context, group models.GroupName) ([]Package, error) {
	s := m.read()
	g, ok := s.groups[group.Normalized()]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", group, ErrNotFound)
	}
	var packages []Package
	for _, p := range s.packages {
		if p.GroupID == g.ID {
			packages = append(packages, p)
		}
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name.Key() < packages[j].Name.Key() })
	return packages, nil
}

func (m *Memory) ListVersions(ctx context.Context, name models.PackageName) ([]Version, error) {
	s := m.read()
	pkg, ok := s.packages[name.Key()]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", name, ErrNotFound)
	}
	var versions []Version
	for _, v := range s.versions {
		if v.PackageID == pkg.ID {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version.Semver.LT(versions[j].Version.Semver) })
	return versions, nil
}

func (m *Memory) LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error) {
	return (&memoryTx{state: m.read()}).LookupVersion(ctx, version)
}

func (m *Memory) ListDependencies(ctx context.Context, version models.PackageVersion) ([]models.DependencyReq, error) {
	s := m.read()
	v, ok := s.findVersion(version)
	if !ok {
		return nil, fmt.Errorf("version %s: %w", version, ErrNotFound)
	}
	deps := make([]models.DependencyReq, 0, len(s.dependencies[v.ID]))
	for _, d := range s.dependencies[v.ID] {
		if pkg, ok := s.packageByID(d.PackageID); ok {
			deps = append(deps, models.DependencyReq{Name: pkg.Name, VersionReq: d.Req.VersionReq})
		}
	}
	return deps, nil
}

func (m *Memory) ListOwners(ctx context.Context, name models.PackageName) ([]User, error) {
	s := m.read()
	pkg, ok := s.packages[name.Key()]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", name, ErrNotFound)
	}
	var users []User
	for _, id := range s.owners[pkg.ID] {
		users = append(users, s.users[id])
	}
	return users, nil
}

func (m *Memory) LookupReadme(ctx context.Context, version models.PackageVersion) (string, error) {
	v, err := m.LookupVersion(ctx, version)
	if err != nil {
		return "", err
	}
	return v.Readme, nil
}

func (m *Memory) IncreaseDownload(ctx context.Context, version models.PackageVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.state.findVersion(version)
	if !ok {
		return fmt.Errorf("version %s: %w", version, ErrNotFound)
	}
	state := m.state.clone()
	v.Downloads++
	state.versions[v.ID] = v
	m.state = state
	return nil
}

func (m *Memory) SearchDocuments(ctx context.Context) ([]PackageKeywords, error) {
	s := m.read()

	latest := make(map[int64]Version)
	for _, v := range s.versions {
		if cur, ok := latest[v.PackageID]; !ok || v.Version.Semver.GT(cur.Version.Semver) {
			latest[v.PackageID] = v
		}
	}

	docs := make([]PackageKeywords, 0, len(s.packages))
	for _, p := range s.packages {
		docs = append(docs, PackageKeywords{Name: p.Name, Keywords: latest[p.ID].Info.Keywords})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name.Key() < docs[j].Name.Key() })
	return docs, nil
}

func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	state *memoryState
}

func (tx *memoryTx) LookupUserByToken(ctx context.Context, token string) (*User, error) {
	id, ok := tx.state.tokens[token]
	if !ok {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	u := tx.state.users[id]
	return &u, nil
}

func (tx *memoryTx) FindOrCreateGroup(ctx context.Context, name models.GroupName, creator *User) (*Group, bool, error) {
	if g, ok := tx.state.groups[name.Normalized()]; ok {
		return &g, false, nil
	}
	g := Group{ID: tx.state.id(), Name: name, OwnerID: creator.ID}
	tx.state.groups[name.Normalized()] = g
	return &g, true, nil
}

func (tx *memoryTx) FindOrCreatePackage(ctx context.Context, group *Group, name models.PackageName, creator *User) (*Package, bool, error) {
	if p, ok := tx.state.packages[name.Key()]; ok {
		return &p, false, nil
	}
	p := Package{ID: tx.state.id(), GroupID: group.ID, Name: name}
	tx.state.packages[name.Key()] = p
	tx.state.owners[p.ID] = []int64{creator.ID}
	return &p, true, nil
}

func (tx *memoryTx) IsOwner(ctx context.Context, pkg *Package, user *User) (bool, error) {
	for _, id := range tx.state.owners[pkg.ID] {
		if id == user.ID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) LookupPackage(ctx context.Context, name models.PackageName) (*Package, error) {
	p, ok := tx.state.packages[name.Key()]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", name, ErrNotFound)
	}
	return &p, nil
}

func (tx *memoryTx) LookupVersion(ctx context.Context, version models.PackageVersion) (*Version, error) {
	v, ok := tx.state.findVersion(version)
	if !ok {
		return nil, fmt.Errorf("version %s: %w", version, ErrNotFound)
	}
	return &v, nil
}

func (tx *memoryTx) VersionExists(ctx context.Context, pkg *Package, version semver.Version) (bool, error) {
	for _, v := range tx.state.versions {
		if v.PackageID == pkg.ID && v.Version.Semver.String() == version.String() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) LatestVersion(ctx context.Context, pkg *Package) (semver.Version, bool, error) {
	var (
		latest semver.Version
		found  bool
	)
	for _, v := range tx.state.versions {
		if v.PackageID == pkg.ID && (!found || v.Version.Semver.GT(latest)) {
			latest, found = v.Version.Semver, true
		}
	}
	return latest, found, nil
}

func (tx *memoryTx) ResolveDependencyID(ctx context.Context, name models.PackageName) (int64, error) {
	p, ok := tx.state.packages[name.Key()]
	if !ok {
		return 0, fmt.Errorf("package %s: %w", name, ErrNotFound)
	}
	return p.ID, nil
}

func (tx *memoryTx) InsertVersion(ctx context.Context, pkg *Package, version models.PackageVersion, info models.PackageInfo, readme string) (*Version, error) {
	info.Authors = nil
	info.Keywords = nil

	v := Version{
		ID:        tx.state.id(),
		PackageID: pkg.ID,
		Version:   version,
		Info:      info,
		Readme:    readme,
		CreatedAt: time.Now().UTC(),
	}
	tx.state.versions[v.ID] = v
	return &v, nil
}

func (tx *memoryTx) InsertDependencies(ctx context.Context, version *Version, dependencies []ResolvedDependency) error {
	tx.state.dependencies[version.ID] = append([]ResolvedDependency(nil), dependencies...)
	return nil
}

func (tx *memoryTx) InsertAuthors(ctx context.Context, version *Version, authors []string) error {
	v := tx.state.versions[version.ID]
	v.Info.Authors = append([]string(nil), authors...)
	tx.state.versions[version.ID] = v
	return nil
}

func (tx *memoryTx) InsertKeywords(ctx context.Context, version *Version, keywords []string) error {
	v := tx.state.versions[version.ID]
	v.Info.Keywords = append([]string(nil), keywords...)
	tx.state.versions[version.ID] = v
	return nil
}

func (tx *memoryTx) SetYanked(ctx context.Context, version *Version, yanked bool) error {
	v, ok := tx.state.versions[version.ID]
	if !ok {
		return fmt.Errorf("version %s: %w", version.Version, ErrNotFound)
	}
	v.Yanked = yanked
	tx.state.versions[version.ID] = v
	return nil
}
