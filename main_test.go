package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagemirror/mirror"
)

func TestBuildConfigFlags(t *testing.T) {
	cfg, err := buildConfig(cliOptions{
		localize: []string{"cdn.example.com"},
		hints:    []string{"hint.example.com"},
		headers:  []string{"Authorization: Bearer abc", "X-Test:1"},
		timeout:  5 * time.Second,
		rate:     3,
	})
	require.NoError(t, err)

	def := mirror.DefaultConfig()
	assert.Contains(t, cfg.LocalizeDomains, "cdn.example.com")
	assert.Len(t, cfg.LocalizeDomains, len(def.LocalizeDomains)+1)
	assert.Contains(t, cfg.HintDomains, "hint.example.com")
	assert.Equal(t, "Bearer abc", cfg.Headers["Authorization"])
	assert.Equal(t, "1", cfg.Headers["X-Test"])
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3.0, cfg.RateLimit)
}

func TestBuildConfigBadHeader(t *testing.T) {
	_, err := buildConfig(cliOptions{headers: []string{"no-colon"}})
	assert.Error(t, err)
}

func TestPrepareOutput(t *testing.T) {
	newDir := func(t *testing.T) string {
		dir := filepath.Join(t.TempDir(), "out")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0o644))
		return dir
	}

	t.Run("missing", func(t *testing.T) {
		ok, err := prepareOutput(strings.NewReader(""), &bytes.Buffer{}, filepath.Join(t.TempDir(), "nope"), false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("yes flag removes", func(t *testing.T) {
		dir := newDir(t)
		ok, err := prepareOutput(strings.NewReader(""), &bytes.Buffer{}, dir, true)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoDirExists(t, dir)
	})

	t.Run("default answer removes", func(t *testing.T) {
		dir := newDir(t)
		ok, err := prepareOutput(strings.NewReader("\n"), &bytes.Buffer{}, dir, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoDirExists(t, dir)
	})

	t.Run("keep", func(t *testing.T) {
		dir := newDir(t)
		ok, err := prepareOutput(strings.NewReader("k\n"), &bytes.Buffer{}, dir, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.FileExists(t, filepath.Join(dir, "old.txt"))
	})

	t.Run("no cancels", func(t *testing.T) {
		dir := newDir(t)
		out := &bytes.Buffer{}
		ok, err := prepareOutput(strings.NewReader("n\n"), out, dir, false)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, out.String(), "Canceled.")
		assert.DirExists(t, dir)
	})
}

func TestPrintResult(t *testing.T) {
	out := &bytes.Buffer{}
	printResult(out, mirror.Result{Files: 3, Bytes: 1234567, Failed: 1, EntryPath: "/tmp/x/index.html"}, nil)
	assert.Contains(t, out.String(), "Total 3 files, 1,234,567 bytes downloaded, 1 failed")
	assert.Contains(t, out.String(), "file:///tmp/x/index.html")

	out.Reset()
	printResult(out, mirror.Result{}, mirror.ErrCanceled)
	assert.Contains(t, out.String(), "Interrupted")
}

func TestRootCmdRejectsBadURL(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"ftp://example.com"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorIs(t, err, mirror.ErrInvalidURL)
}
