package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var ErrTooLarge = errors.New("response exceeds max size")

type GetOptions struct {
	// Zero means no limit.
	MaxSize  int
	Timeout  time.Duration
	Cache    bool
	CacheTTL time.Duration
}

// A thing capable of fetching a feed archive, optionally with
// caching.
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// True for http(s) URLs. Anything else is treated as a local path.
func IsRemote(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Fetches url over HTTP, or reads it from disk if it is a local path
// or file:// URL. Doesn't cache.
func Fetch(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	if IsRemote(url) {
		return HTTPGet(ctx, url, headers, options)
	}
	return ReadFile(strings.TrimPrefix(url, "file://"), options)
}

func ReadFile(path string, options GetOptions) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return readLimited(f, options.MaxSize)
}

// Gets a file. Doesn't cache. Provided as convenience for
// implementing custom Downloaders.
func HTTPGet(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	client := &http.Client{
		Timeout: options.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	if options.MaxSize > 0 && resp.ContentLength > int64(options.MaxSize) {
		return nil, fmt.Errorf("content length %d: %w", resp.ContentLength, ErrTooLarge)
	}

	return readLimited(resp.Body, options.MaxSize)
}

// Reads at most maxSize bytes, failing rather than truncating.
func readLimited(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxSize {
		return nil, fmt.Errorf("more than %d bytes: %w", maxSize, ErrTooLarge)
	}
	return body, nil
}
