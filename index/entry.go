package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/blang/semver"
	"github.com/erikvanbrakel/depot/models"
)

// Entry is one line of a package file: a single published version.
type Entry struct {
	Name         models.PackageName     `json:"name"`
	Version      string                 `json:"version"`
	Location     string                 `json:"location"`
	Dependencies []models.DependencyReq `json:"dependencies"`
	Yanked       bool                   `json:"yanked"`
}

func newEntry(version models.PackageVersion, dependencies []models.DependencyReq, location string) Entry {
	deps := make([]models.DependencyReq, len(dependencies))
	copy(deps, dependencies)
	return Entry{
		Name:         version.Name,
		Version:      version.Semver.String(),
		Location:     location,
		Dependencies: deps,
	}
}

// Is reports whether the entry describes version.
func (e Entry) Is(version models.PackageVersion) bool {
	if !e.Name.Same(version.Name) {
		return false
	}
	v, err := semver.Parse(e.Version)
	if err != nil {
		return e.Version == version.Semver.String()
	}
	return v.String() == version.Semver.String()
}

const maxLineSize = 1024 * 1024

// readEntries parses newline delimited entries. Lines that are not valid
// entries are returned as skipped instead of failing the whole file.
func readEntries(r io.Reader) (entries []Entry, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Version == "" {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, scanner.Err()
}

func writeEntries(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if e.Dependencies == nil {
			e.Dependencies = []models.DependencyReq{}
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
