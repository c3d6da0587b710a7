package project

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*/[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Package identifies one dependency by name ("author/project") and exact version.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ParsePackage parses the textual form "author/project@1.0.0".
func ParsePackage(s string) (Package, error) {
	name, version, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Package{}, fmt.Errorf("package %q: expected author/project@x.y.z", s)
	}
	p := Package{Name: name, Version: version}
	if err := p.Validate(); err != nil {
		return Package{}, err
	}
	return p, nil
}

// MustParsePackage is ParsePackage for literals; it panics on bad input.
func MustParsePackage(s string) Package {
	p, err := ParsePackage(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks the name and version syntax.
func (p Package) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("package name %q: expected author/project", p.Name)
	}
	if !versionPattern.MatchString(p.Version) {
		return fmt.Errorf("package %s: version %q is not x.y.z", p.Name, p.Version)
	}
	return nil
}

func (p Package) String() string {
	return p.Name + "@" + p.Version
}

// PackageSet is a normalized dependency set: sorted by name, one version per
// name. The zero value is the empty set.
type PackageSet struct {
	pkgs []Package
}

// NewPackageSet builds a set from pkgs. Exact duplicates collapse; the same
// name with two different versions is an error.
func NewPackageSet(pkgs ...Package) (PackageSet, error) {
	byName := make(map[string]Package, len(pkgs))
	for _, p := range pkgs {
		if err := p.Validate(); err != nil {
			return PackageSet{}, err
		}
		if prev, ok := byName[p.Name]; ok && prev.Version != p.Version {
			return PackageSet{}, fmt.Errorf("package %s listed with conflicting versions %s and %s", p.Name, prev.Version, p.Version)
		}
		byName[p.Name] = p
	}

	if len(byName) == 0 {
		return PackageSet{}, nil
	}
	out := make([]Package, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return PackageSet{pkgs: out}, nil
}

// ParsePackageSet parses textual packages into a set.
func ParsePackageSet(specs []string) (PackageSet, error) {
	pkgs := make([]Package, 0, len(specs))
	for _, s := range specs {
		p, err := ParsePackage(s)
		if err != nil {
			return PackageSet{}, err
		}
		pkgs = append(pkgs, p)
	}
	return NewPackageSet(pkgs...)
}

// Packages returns a copy of the members in name order.
func (s PackageSet) Packages() []Package {
	out := make([]Package, len(s.pkgs))
	copy(out, s.pkgs)
	return out
}

func (s PackageSet) Len() int { return len(s.pkgs) }

// Equal reports whether both sets hold exactly the same (name, version) pairs.
func (s PackageSet) Equal(other PackageSet) bool {
	if len(s.pkgs) != len(other.pkgs) {
		return false
	}
	for i := range s.pkgs {
		if s.pkgs[i] != other.pkgs[i] {
			return false
		}
	}
	return true
}

// Strings returns the textual form of every member.
func (s PackageSet) Strings() []string {
	out := make([]string, len(s.pkgs))
	for i, p := range s.pkgs {
		out[i] = p.String()
	}
	return out
}

func (s PackageSet) String() string {
	return "[" + strings.Join(s.Strings(), " ") + "]"
}

func (s PackageSet) asMap() map[string]string {
	m := make(map[string]string, len(s.pkgs))
	for _, p := range s.pkgs {
		m[p.Name] = p.Version
	}
	return m
}
