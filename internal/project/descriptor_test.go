package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `{
    "type": "application",
    "source-directories": [
        "src"
    ],
    "elm-version": "0.19.1",
    "dependencies": {
        "direct": {
            "elm/browser": "1.0.2",
            "elm/core": "1.0.5"
        },
        "indirect": {
            "elm/virtual-dom": "1.0.3"
        }
    },
    "test-dependencies": {
        "direct": {},
        "indirect": {}
    },
    "x-editor": {"theme": "dark",   "tabs": 4}
}`

func TestDecodeSample(t *testing.T) {
	d, err := Decode([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "0.19.1", d.Version)
	assert.Equal(t, []string{"elm/browser@1.0.2", "elm/core@1.0.5"}, d.Dependencies.Strings())
	assert.Equal(t, map[string]string{"elm/virtual-dom": "1.0.3"}, d.Indirect)
	assert.Equal(t, []string{"src"}, d.SourceDirectories)
	require.Contains(t, d.Extra(), "x-editor")
	assert.JSONEq(t, `{"theme":"dark","tabs":4}`, string(d.Extra()["x-editor"]))
}

func TestRoundTrip(t *testing.T) {
	deps, err := ParsePackageSet([]string{"elm/html@1.0.0", "elm/core@1.0.5"})
	require.NoError(t, err)

	cases := map[string]*Descriptor{
		"fresh":          New("0.19.1", deps),
		"no dependencies": New("0.19.0", PackageSet{}),
	}

	sample, err := Decode([]byte(sampleManifest))
	require.NoError(t, err)
	cases["with unknown keys"] = sample

	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := d.Encode()
			require.NoError(t, err)

			back, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, d, back)

			again, err := back.Encode()
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again), "encoding must be stable")
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	d := New("0.19.1", PackageSet{})
	data, err := d.Encode()
	require.NoError(t, err)

	text := string(data)
	order := []string{`"type"`, `"source-directories"`, `"elm-version"`, `"dependencies"`, `"test-dependencies"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(text, key)
		require.GreaterOrEqual(t, idx, 0, "missing key %s", key)
		assert.Greater(t, idx, last, "key %s out of order", key)
		last = idx
	}
	assert.True(t, json.Valid(data))
	assert.True(t, strings.HasPrefix(text, "{\n    \"type\": \"application\""))
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]string{
		"not an object":     `[1,2]`,
		"package manifest":  `{"type":"package","elm-version":"0.19.1"}`,
		"missing version":   `{"type":"application"}`,
		"bad direct":        `{"type":"application","elm-version":"0.19.1","dependencies":{"direct":{"core":"1.0.0"}}}`,
		"bad version field": `{"type":"application","elm-version":19}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestWithDependenciesReplaces(t *testing.T) {
	d, err := Decode([]byte(sampleManifest))
	require.NoError(t, err)

	next, err := ParsePackageSet([]string{"elm/virtual-dom@1.0.3", "elm/json@1.1.3"})
	require.NoError(t, err)

	out := d.WithDependencies(next)
	assert.Equal(t, []string{"elm/json@1.1.3", "elm/virtual-dom@1.0.3"}, out.Dependencies.Strings())
	assert.Empty(t, out.Indirect, "promoted indirect dependency should be removed")

	// The receiver is untouched.
	assert.Equal(t, []string{"elm/browser@1.0.2", "elm/core@1.0.5"}, d.Dependencies.Strings())
	assert.Contains(t, d.Indirect, "elm/virtual-dom")
}

func TestWithDependenciesKeepsUnrelatedIndirect(t *testing.T) {
	d, err := Decode([]byte(sampleManifest))
	require.NoError(t, err)

	coreOnly, err := ParsePackageSet([]string{"elm/core@1.0.5"})
	require.NoError(t, err)

	out := d.WithDependencies(coreOnly)
	assert.Equal(t, []string{"elm/core@1.0.5"}, out.Dependencies.Strings())
	assert.Equal(t, map[string]string{"elm/virtual-dom": "1.0.3"}, out.Indirect,
		"indirect entries are left for the compiler to reconcile")
	assert.Equal(t, d.Extra(), out.Extra())
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	deps, err := ParsePackageSet([]string{"elm/core@1.0.5"})
	require.NoError(t, err)

	d := New("0.19.1", deps)
	require.NoError(t, WriteFile(dir, d))

	got, err := ReadFile(dir)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, ManifestFile, entries[0].Name())

	// Overwrite keeps a single manifest.
	require.NoError(t, WriteFile(dir, d.WithDependencies(PackageSet{})))
	got, err = ReadFile(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Dependencies.Len())
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
