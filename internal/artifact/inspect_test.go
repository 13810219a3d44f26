package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/stream"
)

const rel = "target/wasm32-unknown-unknown/release/stylus_contract.wasm"

func writeArtifact(t *testing.T, dir string, size int) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, make([]byte, size), 0o644))
}

func TestInspect_Missing(t *testing.T) {
	em := stream.NewEmitter(nil)
	rep := Inspect(t.TempDir(), rel, 24576, em)
	assert.False(t, rep.Exists)
	assert.Empty(t, em.Events())
}

func TestInspect_WithinLimit(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, 24576)

	em := stream.NewEmitter(nil)
	rep := Inspect(dir, rel, 24576, em)
	assert.True(t, rep.Exists)
	assert.Equal(t, int64(24576), rep.SizeBytes)

	events := em.Events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventStdout, events[0].Type)
	assert.Contains(t, events[0].Data, "24 KiB")
}

func TestInspect_OverLimitEmitsErrorEvent(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, 24577)

	em := stream.NewEmitter(nil)
	rep := Inspect(dir, rel, 24576, em)
	assert.True(t, rep.Exists)
	assert.Equal(t, int64(24577), rep.SizeBytes)

	events := em.Events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Contains(t, events[0].Data, "exceeds")
	assert.Contains(t, events[0].Data, "by 1 bytes")
}

func TestInspect_DirectoryIsNotAnArtifact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.FromSlash(rel)), 0o755))
	assert.False(t, Inspect(dir, rel, 1, nil).Exists)
}

func TestObjectKey(t *testing.T) {
	key, err := ObjectKey("abc", "target/release/c.wasm")
	require.NoError(t, err)
	assert.Equal(t, "builds/abc/c.wasm", key)

	_, err = ObjectKey("", "c.wasm")
	assert.Error(t, err)
	_, err = ObjectKey("abc", "")
	assert.Error(t, err)
}

func TestNewS3Archive_RequiresConfig(t *testing.T) {
	_, err := NewS3Archive(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Archive(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)

	a, err := NewS3Archive(S3Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s", Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", a.region)
}
