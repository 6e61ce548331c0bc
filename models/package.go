package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/blang/semver"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Normalize returns the canonical form of a group or package name: lower-cased
// with underscores mapped to hyphens. It is used for every cross-component key.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

func validate(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !validName.MatchString(s) {
		return fmt.Errorf("%s can only contain letters, numbers, _, and -", kind)
	}
	return nil
}

type GroupName struct {
	Group string `json:"group"`
}

func NewGroupName(group string) (GroupName, error) {
	if err := validate("group", group); err != nil {
		return GroupName{}, err
	}
	return GroupName{Group: group}, nil
}

func (g GroupName) Normalized() string {
	return Normalize(g.Group)
}

func (g GroupName) String() string {
	return g.Group
}

// PackageName identifies a package inside a group. Group and Name keep the
// casing chosen by the publisher; comparisons go through the normalized forms.
type PackageName struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

func NewPackageName(group, name string) (PackageName, error) {
	if err := validate("group", group); err != nil {
		return PackageName{}, err
	}
	if err := validate("package name", name); err != nil {
		return PackageName{}, err
	}
	return PackageName{Group: group, Name: name}, nil
}

// ParsePackageName parses "group/name".
func ParsePackageName(s string) (PackageName, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return PackageName{}, fmt.Errorf("package name %q is not of the form group/name", s)
	}
	return NewPackageName(parts[0], parts[1])
}

func (n PackageName) NormalizedGroup() string {
	return Normalize(n.Group)
}

func (n PackageName) NormalizedName() string {
	return Normalize(n.Name)
}

func (n PackageName) GroupName() GroupName {
	return GroupName{Group: n.Group}
}

// Key is the normalized "group/name" pair.
func (n PackageName) Key() string {
	return n.NormalizedGroup() + "/" + n.NormalizedName()
}

// Same reports whether two names refer to the same package.
func (n PackageName) Same(other PackageName) bool {
	return n.Key() == other.Key()
}

func (n PackageName) String() string {
	return n.Group + "/" + n.Name
}

// ErrBuildMetadata rejects versions such as 1.0.0+build. Build metadata does
// not take part in semver precedence, so two versions differing only in it
// would name the same release.
var ErrBuildMetadata = errors.New("version must not carry build metadata")

type PackageVersion struct {
	Name   PackageName
	Semver semver.Version
}

func NewPackageVersion(group, name, version string) (PackageVersion, error) {
	pn, err := NewPackageName(group, name)
	if err != nil {
		return PackageVersion{}, err
	}
	v, err := semver.Parse(version)
	if err != nil {
		return PackageVersion{}, fmt.Errorf("invalid version %q: %w", version, err)
	}
	if len(v.Build) > 0 {
		return PackageVersion{}, ErrBuildMetadata
	}
	return PackageVersion{Name: pn, Semver: v}, nil
}

// ParsePackageVersion parses "group/name#version", the form String returns.
func ParsePackageVersion(s string) (PackageVersion, error) {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return PackageVersion{}, fmt.Errorf("package version %q is not of the form group/name#version", s)
	}
	name, err := ParsePackageName(s[:i])
	if err != nil {
		return PackageVersion{}, err
	}
	return NewPackageVersion(name.Group, name.Name, s[i+1:])
}

func (v PackageVersion) String() string {
	return v.Name.String() + "#" + v.Semver.String()
}

// DependencyReq is a dependency on another package, constrained by a version
// range expression. The range is kept verbatim.
type DependencyReq struct {
	Name       PackageName `json:"name"`
	VersionReq string      `json:"req"`
}

func (d DependencyReq) Validate() error {
	if _, err := NewPackageName(d.Name.Group, d.Name.Name); err != nil {
		return err
	}
	if strings.TrimSpace(d.VersionReq) == "" {
		return errors.New("dependency " + d.Name.String() + " has an empty version requirement")
	}
	return nil
}

// PackageInfo is the manifest metadata stored with a published version.
type PackageInfo struct {
	Description string   `json:"description,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	Repository  string   `json:"repository,omitempty"`
	License     string   `json:"license,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}
