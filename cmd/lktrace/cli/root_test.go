package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTarget(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	resolved, err := resolveTarget(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, resolved)

	_, err = resolveTarget(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestResolveTargetOnPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "lktrace-test-target")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	resolved, err := resolveTarget("lktrace-test-target")
	require.NoError(t, err)
	assert.Equal(t, bin, resolved)
}

func TestResolvePreload(t *testing.T) {
	t.Run("explicit flag wins", func(t *testing.T) {
		old := preload
		defer func() { preload = old }()
		preload = "some/path.so"

		resolved, err := resolvePreload()
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(resolved))
		assert.Equal(t, "path.so", filepath.Base(resolved))
	})

	t.Run("env var wins over default lookup", func(t *testing.T) {
		old := preload
		preload = ""
		defer func() { preload = old }()

		dir := t.TempDir()
		so := filepath.Join(dir, "liblktrace.so")
		require.NoError(t, os.WriteFile(so, []byte{}, 0o644))
		t.Setenv("LKTRACE_PRELOAD", so)

		resolved, err := resolvePreload()
		require.NoError(t, err)
		assert.Equal(t, so, resolved)
	})
}
