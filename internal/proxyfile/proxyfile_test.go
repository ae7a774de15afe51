package proxyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadFreeList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	free := filepath.Join(dir, "free_proxies.json")
	writeJSON(t, free, `["http://a:8080", "http://b:3128"]`)

	proxies, err := Load(free, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8080", "http://b:3128"}, proxies)
}

func TestLoadAppendsPremium(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	free := filepath.Join(dir, "free_proxies.json")
	premium := filepath.Join(dir, "premium_proxies.json")
	writeJSON(t, free, `["http://a:8080"]`)
	writeJSON(t, premium, `["socks5://p:1080"]`)

	proxies, err := Load(free, premium, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8080", "socks5://p:1080"}, proxies)
}

func TestLoadMissingPremiumIsFine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	free := filepath.Join(dir, "free_proxies.json")
	writeJSON(t, free, `["http://a:8080"]`)

	proxies, err := Load(free, filepath.Join(dir, "premium_proxies.json"), nil)
	require.NoError(t, err)
	assert.Len(t, proxies, 1)
}

func TestLoadMissingFreeListYieldsEmptyPool(t *testing.T) {
	t.Parallel()

	proxies, err := Load(filepath.Join(t.TempDir(), "free_proxies.json"), "", nil)
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

func TestLoadDeduplicatesAndTrims(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	free := filepath.Join(dir, "free_proxies.json")
	writeJSON(t, free, `["http://a:8080", " http://a:8080", "", "http://b:3128"]`)

	proxies, err := Load(free, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8080", "http://b:3128"}, proxies)
}

func TestLoadRejectsMalformedFreeList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	free := filepath.Join(dir, "free_proxies.json")
	writeJSON(t, free, `{"not":"a list"}`)

	_, err := Load(free, "", nil)
	assert.Error(t, err)
}
