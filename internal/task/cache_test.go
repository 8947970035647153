package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestCacheFetchDownloadsOverHTTPAndVerifiesChecksum(t *testing.T) {
	content := []byte("#!/bin/sh\necho hi\n")
	digest := sha256Hex(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer cache.Close()

	path, err := cache.Fetch(context.Background(), []string{srv.URL}, "/tasks/install.sh", digest, "install.sh")
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCacheFetchIsIdempotent(t *testing.T) {
	content := []byte("cached content")
	digest := sha256Hex(content)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(content)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Fetch(context.Background(), []string{srv.URL}, "/f", digest, "f.sh")
	require.NoError(t, err)
	_, err = cache.Fetch(context.Background(), []string{srv.URL}, "/f", digest, "f.sh")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second fetch should be served from cache without a new download")
}

func TestCacheFetchRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected content"))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Fetch(context.Background(), []string{srv.URL}, "/f", "0000000000000000000000000000000000000000000000000000000000000000", "f.sh")
	assert.Error(t, err)
}

func TestCacheFetchFallsBackToNextMaster(t *testing.T) {
	content := []byte("from second master")
	digest := sha256Hex(content)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer good.Close()

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer cache.Close()

	path, err := cache.Fetch(context.Background(), []string{bad.URL, good.URL}, "/f", digest, "f.sh")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCacheFetchAllMastersFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Fetch(context.Background(), []string{bad.URL}, "/f", sha256Hex([]byte("x")), "f.sh")
	assert.Error(t, err)
}

func TestCachePurgeRemovesOldUnusedEntriesOnly(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, nil)
	require.NoError(t, err)
	defer cache.Close()

	content := []byte("payload")
	digest := sha256Hex(content)
	entryDir := filepath.Join(dir, digest)
	require.NoError(t, os.MkdirAll(entryDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "f.sh"), content, 0640))
	cache.touchIndex(digest, "f.sh")
	time.Sleep(5 * time.Millisecond)

	purged, err := cache.Purge(0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = os.Stat(entryDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCachePurgeKeepsRecentlyUsedEntries(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, nil)
	require.NoError(t, err)
	defer cache.Close()

	content := []byte("payload")
	digest := sha256Hex(content)
	entryDir := filepath.Join(dir, digest)
	require.NoError(t, os.MkdirAll(entryDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "f.sh"), content, 0640))
	cache.touchIndex(digest, "f.sh")

	purged, err := cache.Purge(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
	_, err = os.Stat(entryDir)
	assert.NoError(t, err)
}
