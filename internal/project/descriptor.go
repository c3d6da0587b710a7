// Package project models the toolchain manifest (an elm.json-style document)
// that declares a sandbox's language version and dependency set.
//
// Unknown top-level manifest keys are preserved: they are kept as compact raw
// JSON on decode and written back after the known keys on encode, so
// Decode(Encode(d)) reproduces d exactly.
package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ManifestFile is the manifest's file name inside a sandbox.
const ManifestFile = "elm.json"

const applicationType = "application"

var knownKeys = map[string]struct{}{
	"type":               {},
	"source-directories": {},
	"elm-version":        {},
	"dependencies":       {},
	"test-dependencies":  {},
}

// Descriptor is the in-memory form of a sandbox manifest.
type Descriptor struct {
	// Version is the language/toolchain version ("elm-version").
	Version string
	// Dependencies are the direct dependencies; this is the set callers manage.
	Dependencies PackageSet
	// Indirect holds transitively required packages as written by the toolchain.
	Indirect map[string]string

	SourceDirectories []string
	TestDirect        map[string]string
	TestIndirect      map[string]string

	extra map[string]json.RawMessage
}

type depsJSON struct {
	Direct   map[string]string `json:"direct"`
	Indirect map[string]string `json:"indirect"`
}

// New returns a fresh application manifest for version with the given
// direct dependencies and a single "src" source directory.
func New(version string, deps PackageSet) *Descriptor {
	return &Descriptor{
		Version:           version,
		Dependencies:      deps,
		Indirect:          map[string]string{},
		SourceDirectories: []string{"src"},
		TestDirect:        map[string]string{},
		TestIndirect:      map[string]string{},
	}
}

// WithDependencies returns a copy declaring exactly deps as direct
// dependencies. Indirect entries that are now direct are dropped; the rest
// are kept as read. The descriptor has no package graph, so the indirect
// set is not recomputed here: the compiler's own solver reconciles it on the
// next build.
func (d *Descriptor) WithDependencies(deps PackageSet) *Descriptor {
	out := d.clone()
	out.Dependencies = deps
	for _, p := range deps.pkgs {
		delete(out.Indirect, p.Name)
	}
	return out
}

func (d *Descriptor) clone() *Descriptor {
	out := &Descriptor{
		Version:           d.Version,
		Dependencies:      PackageSet{pkgs: append([]Package(nil), d.Dependencies.pkgs...)},
		Indirect:          copyMap(d.Indirect),
		SourceDirectories: append([]string(nil), d.SourceDirectories...),
		TestDirect:        copyMap(d.TestDirect),
		TestIndirect:      copyMap(d.TestIndirect),
	}
	if len(d.extra) > 0 {
		out.extra = make(map[string]json.RawMessage, len(d.extra))
		for k, v := range d.extra {
			out.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Extra returns the preserved unknown keys (compact JSON values).
func (d *Descriptor) Extra() map[string]json.RawMessage {
	return d.extra
}

// Encode renders the manifest in the toolchain's native layout: known keys in
// canonical order, then unknown keys sorted by name, four-space indentation.
func (d *Descriptor) Encode() ([]byte, error) {
	if d.Version == "" {
		return nil, fmt.Errorf("manifest version is empty")
	}

	srcDirs := d.SourceDirectories
	if srcDirs == nil {
		srcDirs = []string{}
	}

	fields := []struct {
		key   string
		value any
	}{
		{"type", applicationType},
		{"source-directories", srcDirs},
		{"elm-version", d.Version},
		{"dependencies", depsJSON{Direct: d.Dependencies.asMap(), Indirect: nonNil(d.Indirect)}},
		{"test-dependencies", depsJSON{Direct: nonNil(d.TestDirect), Indirect: nonNil(d.TestIndirect)}},
	}

	extraKeys := make([]string, 0, len(d.extra))
	for k := range d.extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)

	var buf bytes.Buffer
	buf.WriteString("{\n")
	total := len(fields) + len(extraKeys)
	n := 0
	writeField := func(key string, raw []byte) error {
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return err
		}
		var indented bytes.Buffer
		if err := json.Indent(&indented, raw, "    ", "    "); err != nil {
			return fmt.Errorf("indent %s: %w", key, err)
		}
		buf.WriteString("    ")
		buf.Write(keyJSON)
		buf.WriteString(": ")
		buf.Write(indented.Bytes())
		n++
		if n < total {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
		return nil
	}

	for _, f := range fields {
		raw, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.key, err)
		}
		if err := writeField(f.key, raw); err != nil {
			return nil, err
		}
	}
	for _, k := range extraKeys {
		if err := writeField(k, d.extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Decode parses a manifest. Only application manifests are accepted.
func Decode(data []byte) (*Descriptor, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("manifest is not a JSON object: %w", err)
	}

	var typ string
	if err := decodeKey(top, "type", &typ); err != nil {
		return nil, err
	}
	if typ != applicationType {
		return nil, fmt.Errorf("manifest type %q is not supported (want %q)", typ, applicationType)
	}

	d := &Descriptor{}
	if err := decodeKey(top, "elm-version", &d.Version); err != nil {
		return nil, err
	}
	if d.Version == "" {
		return nil, fmt.Errorf("manifest is missing elm-version")
	}
	if err := decodeKey(top, "source-directories", &d.SourceDirectories); err != nil {
		return nil, err
	}
	if d.SourceDirectories == nil {
		d.SourceDirectories = []string{}
	}

	var deps, testDeps depsJSON
	if err := decodeKey(top, "dependencies", &deps); err != nil {
		return nil, err
	}
	if err := decodeKey(top, "test-dependencies", &testDeps); err != nil {
		return nil, err
	}

	direct := make([]Package, 0, len(deps.Direct))
	for name, version := range deps.Direct {
		direct = append(direct, Package{Name: name, Version: version})
	}
	set, err := NewPackageSet(direct...)
	if err != nil {
		return nil, fmt.Errorf("manifest dependencies: %w", err)
	}
	d.Dependencies = set
	d.Indirect = nonNil(deps.Indirect)
	d.TestDirect = nonNil(testDeps.Direct)
	d.TestIndirect = nonNil(testDeps.Indirect)

	for k, v := range top {
		if _, known := knownKeys[k]; known {
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, fmt.Errorf("manifest key %q: %w", k, err)
		}
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage)
		}
		d.extra[k] = compact.Bytes()
	}

	return d, nil
}

// ReadFile loads the manifest from dir.
func ReadFile(dir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest in %s: %w", dir, err)
	}
	return d, nil
}

// WriteFile atomically replaces the manifest in dir: the document is written
// to a temporary file in the same directory and renamed over the old one, so
// readers never observe a half-written manifest.
func WriteFile(dir string, d *Descriptor) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ManifestFile)); err != nil {
		cleanup()
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

func decodeKey(top map[string]json.RawMessage, key string, dst any) error {
	raw, ok := top[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("manifest key %q: %w", key, err)
	}
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
