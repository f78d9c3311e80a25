package fsapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgryski/go-farm"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// ProgressFunc is invoked periodically during a download with bytes
// fetched so far and the total when known (0 if the server did not report
// Content-Length), backing the fs.download progress events spec.md §4.4
// requires.
type ProgressFunc func(received, total int64)

// DownloadCache coalesces concurrent downloads of the same URL into a
// single in-flight fetch and keeps the fetched file under a content-hash
// path so a second app requesting the same model does not refetch it.
// Grounded on internal/runner/objectdownloader.go's ObjDownloaderFactory:
// the teacher keys a single in-flight loader per artifact name and reuses
// it for concurrent callers; this cache keys on a go-farm fingerprint of
// the normalized URL instead of an artifact name, since downloads here
// have no upstream object-store identity to reuse.
type DownloadCache struct {
	dir string

	mu      sync.Mutex
	inFlight map[string]*sync.WaitGroup
	results  map[string]*apperrors.Error
}

// NewDownloadCache roots cached downloads under dir (typically
// <platformRoot>/cache).
func NewDownloadCache(dir string) *DownloadCache {
	return &DownloadCache{
		dir:      dir,
		inFlight: map[string]*sync.WaitGroup{},
		results:  map[string]*apperrors.Error{},
	}
}

// CacheKey returns the fingerprint-based cache file name for a URL,
// matching the hashing scheme internal/runner's artifact bookkeeping uses
// go-farm for elsewhere in the teacher.
func (c *DownloadCache) CacheKey(url string) string {
	return fmt.Sprintf("%016x", farm.Fingerprint64([]byte(normalizeURL(url))))
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// fetch downloads url into the shared cache directory exactly once across
// any number of concurrent callers, returning the cached file path.
func (c *DownloadCache) fetch(ctx context.Context, url string, progress ProgressFunc) (string, *apperrors.Error) {
	key := c.CacheKey(url)
	dst := filepath.Join(c.dir, key)

	c.mu.Lock()
	if wg, inFlight := c.inFlight[key]; inFlight {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		err := c.results[key]
		c.mu.Unlock()
		if err != nil {
			return "", err
		}
		return dst, nil
	}

	if _, errGo := os.Stat(dst); errGo == nil {
		c.mu.Unlock()
		return dst, nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[key] = wg
	c.mu.Unlock()

	err := downloadToFile(ctx, url, dst, progress)

	c.mu.Lock()
	c.results[key] = err
	delete(c.inFlight, key)
	wg.Done()
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	return dst, nil
}

// downloadToFile performs a resumable range-request download: if a
// ".partial" file already exists it resumes from its current size via a
// Range header, falling back to a full GET if the server ignores Range.
func downloadToFile(ctx context.Context, url, dst string, progress ProgressFunc) *apperrors.Error {
	if errGo := os.MkdirAll(filepath.Dir(dst), 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	partial := dst + ".partial"
	var offset int64
	if fi, errGo := os.Stat(partial); errGo == nil {
		offset = fi.Size()
	}

	req, errGo := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("url", url).With("stack", stack.Trace().TrimRuntime())
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, errGo := http.DefaultClient.Do(req)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("url", url).With("stack", stack.Trace().TrimRuntime())
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		offset = 0
		flags |= os.O_TRUNC
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return apperrors.New(apperrors.KindDownloadFailed, "unexpected status").
			With("url", url).With("status", resp.StatusCode).With("stack", stack.Trace().TrimRuntime())
	}

	f, errGo := os.OpenFile(partial, flags, 0o644)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	total := resp.ContentLength
	if total > 0 && resp.StatusCode == http.StatusPartialContent {
		total += offset
	}

	received := offset
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, errGo := f.Write(buf[:n]); errGo != nil {
				return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return apperrors.Wrap(apperrors.KindDownloadFailed, readErr).With("url", url).With("stack", stack.Trace().TrimRuntime())
		}
	}

	if errGo := f.Close(); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.Rename(partial, dst); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Download implements fs.download: fetch url to base/logical, optionally
// extracting a recognized archive extension in place. A destination that
// already exists with a matching size (any size when expectedSize is 0) is
// treated as an idempotent success without a network round trip, enabling resumable installs across
// restarted install scripts.
func (a *API) Download(ctx context.Context, base, logical, url string, extract bool, expectedSize int64, progress ProgressFunc) *apperrors.Error {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return err
	}

	if fi, errGo := os.Stat(resolved); errGo == nil {
		if expectedSize == 0 || fi.Size() == expectedSize {
			return nil
		}
	}

	cached, derr := a.cache.fetch(ctx, url, progress)
	if derr != nil {
		return derr
	}

	if errGo := os.MkdirAll(filepath.Dir(resolved), 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := hardLinkOrCopy(cached, resolved); errGo != nil {
		return apperrors.Wrap(apperrors.KindDownloadFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if extract {
		return a.Extract(base, logical, filepath.Dir(logical))
	}
	return nil
}

func hardLinkOrCopy(src, dst string) error {
	if errGo := os.Link(src, dst); errGo == nil {
		return nil
	}
	in, errGo := os.Open(filepath.Clean(src))
	if errGo != nil {
		return errGo
	}
	defer in.Close()
	out, errGo := os.Create(dst)
	if errGo != nil {
		return errGo
	}
	defer out.Close()
	_, errGo = io.Copy(out, in)
	return errGo
}

