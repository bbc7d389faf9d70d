package firmwaredl

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir, err := ioutil.TempDir("", "fwcache-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return &Cache{dir: dir}
}

func TestKeyFormatsUnderscoredVersion(t *testing.T) {
	require.Equal(t, "matekf405_1_2_3.hex", Key("matekf405", "1.2-3", ""))
	require.Equal(t, "matekf405_1_2_3.bin", Key("matekf405", "1.2-3", "bin"))
}

func TestIsCachedRequiresSizeMatch(t *testing.T) {
	c := newTestCache(t)
	p := c.path("board", "1.0", ".hex")
	require.NoError(t, ioutil.WriteFile(p, []byte("hello"), 0644))

	_, ok := c.IsCached("board", "1.0", ".hex", 5)
	require.True(t, ok)

	_, ok = c.IsCached("board", "1.0", ".hex", 99)
	require.False(t, ok)

	_, ok = c.IsCached("board", "1.0", ".hex", 0)
	require.True(t, ok)
}

func TestDownloadStreamsToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("firmware-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t)
	path, err := c.Download(context.Background(), "board", "1.0", srv.URL, ".hex", 0, nil)
	require.NoError(t, err)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "firmware-bytes", string(data))

	// Temp ".part" file must not survive a successful download.
	_, err = os.Stat(path + ".part")
	require.True(t, os.IsNotExist(err))
}

func TestDownloadUsesCacheOnHit(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("firmware-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t)
	_, err := c.Download(context.Background(), "board", "1.0", srv.URL, ".hex", 14, nil)
	require.NoError(t, err)
	_, err = c.Download(context.Background(), "board", "1.0", srv.URL, ".hex", 14, nil)
	require.NoError(t, err)
	require.Equal(t, 1, requests)
}

func TestDownloadFollowsOneRedirect(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("redirected-bytes"))
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer origin.Close()

	c := newTestCache(t)
	path, err := c.Download(context.Background(), "board", "2.0", origin.URL, ".hex", 0, nil)
	require.NoError(t, err)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "redirected-bytes", string(data))
}

func TestDownloadRemovesPartialFileOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestCache(t)
	_, err := c.Download(context.Background(), "board", "3.0", srv.URL, ".hex", 0, nil)
	require.Error(t, err)

	entries, _ := filepath.Glob(filepath.Join(c.dir, "*"))
	require.Empty(t, entries)
}

func TestClearCacheRemovesAllFiles(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, ioutil.WriteFile(c.path("b1", "1.0", ".hex"), []byte("x"), 0644))
	require.NoError(t, ioutil.WriteFile(c.path("b2", "2.0", ".bin"), []byte("y"), 0644))

	require.NoError(t, c.ClearCache())
	entries, _ := filepath.Glob(filepath.Join(c.dir, "*"))
	require.Empty(t, entries)
}

func TestCopyCustomFirmware(t *testing.T) {
	src, err := ioutil.TempFile("", "custom-*.bin")
	require.NoError(t, err)
	defer os.Remove(src.Name())
	_, err = src.WriteString("custom-firmware")
	require.NoError(t, err)
	require.NoError(t, src.Close())

	c := newTestCache(t)
	dest, err := c.CopyCustomFirmware(src.Name(), "board", "9.9")
	require.NoError(t, err)
	data, err := ioutil.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "custom-firmware", string(data))
}
