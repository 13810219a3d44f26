package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/toolchain"
)

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestMaterialize_SingleCode(t *testing.T) {
	m := New(toolchain.StylusProfile())
	dir := t.TempDir()

	entry, err := m.Materialize(dir, protocol.BuildRequest{Code: "// contract"})
	require.NoError(t, err)
	assert.Equal(t, "src/lib.rs", entry)

	assert.Equal(t, "// contract", readFile(t, dir, "src/lib.rs"))
	for _, rel := range []string{"Cargo.toml", "rust-toolchain.toml", "src/main.rs", ".gitignore"} {
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(rel)))
	}
}

func TestMaterialize_FilesTakePrecedenceOverScaffold(t *testing.T) {
	m := New(toolchain.StylusProfile())
	dir := t.TempDir()

	req := protocol.BuildRequest{Files: []protocol.ProjectFile{
		{Path: "src/lib.rs", Content: "// lib"},
		{Path: "Cargo.toml", Content: "[package]\nname = \"custom\"\n"},
		{Path: "src/storage/mod.rs", Content: "// nested"},
	}}
	entry, err := m.Materialize(dir, req)
	require.NoError(t, err)
	assert.Equal(t, "src/lib.rs", entry)

	assert.Equal(t, "[package]\nname = \"custom\"\n", readFile(t, dir, "Cargo.toml"))
	assert.Equal(t, "// nested", readFile(t, dir, "src/storage/mod.rs"))
	// Back-filled.
	assert.FileExists(t, filepath.Join(dir, "rust-toolchain.toml"))
	assert.FileExists(t, filepath.Join(dir, "src", "main.rs"))
	assert.FileExists(t, filepath.Join(dir, ".gitignore"))
}

func TestMaterialize_EntryFallsBackToBaseName(t *testing.T) {
	m := New(toolchain.StylusProfile())
	dir := t.TempDir()

	req := protocol.BuildRequest{Files: []protocol.ProjectFile{
		{Path: "README.md", Content: "hi"},
		{Path: "contracts/lib.rs", Content: "// lib"},
	}}
	entry, err := m.Materialize(dir, req)
	require.NoError(t, err)
	assert.Equal(t, "contracts/lib.rs", entry)
}

func TestMaterialize_RejectsEscapingPaths(t *testing.T) {
	m := New(toolchain.StylusProfile())

	for _, p := range []string{"../evil.rs", "/etc/passwd", "src/../../x", "", "."} {
		dir := t.TempDir()
		_, err := m.Materialize(dir, protocol.BuildRequest{Files: []protocol.ProjectFile{{Path: p}}})
		assert.True(t, errors.Is(err, ErrInvalidPath), "path %q: got %v", p, err)

		entries, _ := os.ReadDir(dir)
		assert.Empty(t, entries, "nothing written for %q", p)
	}
}

func TestMaterialize_RejectsDuplicates(t *testing.T) {
	m := New(toolchain.StylusProfile())
	req := protocol.BuildRequest{Files: []protocol.ProjectFile{
		{Path: "src/lib.rs"},
		{Path: "./src/lib.rs"},
	}}
	_, err := m.Materialize(t.TempDir(), req)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMaterialize_NeverMergesIntoExistingFiles(t *testing.T) {
	m := New(toolchain.StylusProfile())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("old"), 0o644))

	_, err := m.Materialize(dir, protocol.BuildRequest{Code: "// x"})
	assert.Error(t, err)
	assert.Equal(t, "old", readFile(t, dir, "Cargo.toml"))
}
