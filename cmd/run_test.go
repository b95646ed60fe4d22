package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCaseID(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		store    string
		note     string
		want     string
	}{
		{"explicit wins", "P9", "/data/NA12878.vcf.sqlite", "/notes/p1.txt", "P9"},
		{"sample from store", "", "/data/NA12878.vcf.sqlite", "/notes/p1.txt", "NA12878"},
		{"compressed store", "", "/data/HG002.vcf.gz.sqlite", "/notes/p1.txt", "HG002"},
		{"note fallback", "", "", "/notes/p1.txt", "p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveCaseID(tt.explicit, tt.store, tt.note))
		})
	}
}

func TestPrepareOutputDir_CreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "case")

	require.NoError(t, prepareOutputDir(dir, false))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareOutputDir_RefusesExisting(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	err := prepareOutputDir(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--override")

	_, statErr := os.Stat(stale)
	assert.NoError(t, statErr, "existing output must be left untouched")
}

func TestPrepareOutputDir_OverrideWipes(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	require.NoError(t, prepareOutputDir(dir, true))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareOutputDir_RequiresPath(t *testing.T) {
	assert.Error(t, prepareOutputDir("", false))
}
