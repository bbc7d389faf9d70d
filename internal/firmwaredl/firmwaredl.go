// Package firmwaredl implements the firmware downloader and cache
// (spec §4.11): content-addressed cache keyed by board/version, HTTP(S)
// GET with one-level redirect following, streaming download with
// progress and cancellation, and cache maintenance operations.
//
// Grounded on the teacher's mos/update/update.go for the bare
// net/http + cesanta/errors + glog download idiom (no HTTP client
// library beyond the standard one, matching SPEC_FULL.md §B), adapted
// from "download the mos binary itself" to "download and cache a
// firmware artifact keyed by board+version".
package firmwaredl

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/progress"
)

// ErrAborted is returned when a download is canceled via the caller's
// context.
var ErrAborted = errors.New("download aborted")

const cacheSubdir = "ardudeck-fw-cache"

// Cache manages a content-addressed directory of downloaded firmware
// files.
type Cache struct {
	dir string
}

// NewCache opens (creating if necessary) the cache directory under the
// OS temp dir (spec §4.11: "Cache dir: OS temp dir plus a fixed
// subdirectory name").
func NewCache() (*Cache, error) {
	dir := filepath.Join(os.TempDir(), cacheSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "failed to create firmware cache dir %s", dir)
	}
	return &Cache{dir: dir}, nil
}

// Key formats the cache key `{board_id}_{version_with_underscores}{ext}`
// (spec §4.11).
func Key(boardID, version, ext string) string {
	v := strings.ReplaceAll(version, ".", "_")
	v = strings.ReplaceAll(v, "-", "_")
	if ext == "" {
		ext = ".hex"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return boardID + "_" + v + ext
}

// extFromURL infers a cache-key extension from a download URL,
// defaulting to ".hex" (spec §4.11).
func extFromURL(url string) string {
	ext := filepath.Ext(strings.SplitN(url, "?", 2)[0])
	if ext == "" {
		return ".hex"
	}
	return ext
}

func (c *Cache) path(boardID, version, ext string) string {
	return filepath.Join(c.dir, Key(boardID, version, ext))
}

// IsCached implements spec §4.11's is_cached predicate: the file
// exists and, if expectedSize is known (> 0), matches it exactly.
func (c *Cache) IsCached(boardID, version, ext string, expectedSize int64) (string, bool) {
	p := c.path(boardID, version, ext)
	fi, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if expectedSize > 0 && fi.Size() != expectedSize {
		return "", false
	}
	return p, true
}

// Download fetches url into the cache under {boardID, version}
// (extension inferred from the URL unless extHint is non-empty),
// following one level of 301/302 redirect, emitting progress events
// through tr, and respecting ctx cancellation. On any error the
// partial file is removed.
func (c *Cache) Download(ctx context.Context, boardID, version, url, extHint string, expectedSize int64, tr *progress.Tracker) (string, error) {
	ext := extHint
	if ext == "" {
		ext = extFromURL(url)
	}
	if p, ok := c.IsCached(boardID, version, ext, expectedSize); ok {
		glog.V(1).Infof("firmware %s %s already cached at %s", boardID, version, p)
		return p, nil
	}

	resp, finalURL, err := getFollowingOneRedirect(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, finalURL)
	}

	total := expectedSize
	if total <= 0 {
		total = resp.ContentLength
	}

	dest := c.path(boardID, version, ext)
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errors.Annotatef(err, "failed to create temp download file %s", tmp)
	}

	written, copyErr := streamWithProgress(ctx, f, resp.Body, total, tr)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		if copyErr != nil {
			if errors.Cause(copyErr) == context.Canceled {
				return "", errors.Trace(ErrAborted)
			}
			return "", copyErr
		}
		return "", errors.Annotatef(closeErr, "failed to finalize download")
	}
	glog.V(1).Infof("downloaded %d bytes for %s %s", written, boardID, version)

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", errors.Annotatef(err, "failed to finalize download to %s", dest)
	}
	return dest, nil
}

// streamWithProgress copies src to dst in fixed-size chunks, emitting
// a progress.StateDownloading event after each chunk and checking ctx
// between chunks so an in-flight download can be aborted promptly.
func streamWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, tr *progress.Tracker) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, errors.Trace(ctx.Err())
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, errors.Trace(werr)
			}
			written += int64(n)
			if tr != nil {
				pct := 0
				if total > 0 {
					pct = progress.ByteProgress(uint64(written), uint64(total))
				}
				tr.Emit(progress.Event{
					State: progress.StateDownloading, Progress: pct,
					Message: "downloading firmware", BytesWritten: uint64(written),
					TotalBytes: uint64(total), HasBytes: true,
				})
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.Trace(rerr)
		}
	}
}

// getFollowingOneRedirect issues a GET against url; if the response is
// a 301/302 with a Location header, it restarts the fetch there once
// (spec §4.11). A second redirect is not followed — the caller sees
// whatever status that second response carries.
func getFollowingOneRedirect(ctx context.Context, url string) (*http.Response, string, error) {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for hop := 0; hop < 2; hop++ {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, url, errors.Annotatef(err, "failed to build request for %s", url)
		}
		req = req.WithContext(ctx)
		resp, err := client.Do(req)
		if err != nil {
			return nil, url, errors.Annotatef(err, "failed to GET %s", url)
		}
		if hop == 0 && (resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, url, errors.Errorf("redirect from %s carried no Location", url)
			}
			url = loc
			continue
		}
		return resp, url, nil
	}
	return nil, url, errors.Errorf("too many redirects fetching %s", url)
}

// ClearCache removes every cached firmware file.
func (c *Cache) ClearCache() error {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*"))
	if err != nil {
		return errors.Trace(err)
	}
	for _, e := range entries {
		if err := os.Remove(e); err != nil {
			return errors.Annotatef(err, "failed to remove cached file %s", e)
		}
	}
	return nil
}

// CopyCustomFirmware copies a user-supplied firmware file into the
// cache under {boardID, version} and returns the cache path (spec
// §4.11: "copyCustomFirmware(source) -> cachePath").
func (c *Cache) CopyCustomFirmware(source, boardID, version string) (string, error) {
	ext := filepath.Ext(source)
	dest := c.path(boardID, version, ext)

	in, err := os.Open(source)
	if err != nil {
		return "", errors.Annotatef(err, "failed to open custom firmware %s", source)
	}
	defer in.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", errors.Annotatef(err, "failed to create %s", tmp)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", errors.Annotatef(err, "failed to copy custom firmware")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Trace(err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", errors.Annotatef(err, "failed to finalize custom firmware copy")
	}
	return dest, nil
}
