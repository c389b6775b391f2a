package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a URL body. Every call is a single attempt.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the content verifier's transport: bounded by a timeout and
// a maximum body size, treating any non-200 answer as a failure.
type HTTPFetcher struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, maxBody int64, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		maxBody:   maxBody,
		userAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fail(KindNetworkFailure, url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fail(KindNetworkFailure, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, failf(KindNetworkFailure, url, "unexpected status %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if f.maxBody > 0 {
		r = io.LimitReader(resp.Body, f.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fail(KindNetworkFailure, url, err)
	}
	if f.maxBody > 0 && int64(len(body)) > f.maxBody {
		return nil, failf(KindNetworkFailure, url, "body exceeds %s", formatBytes(uint64(f.maxBody)))
	}
	return body, nil
}

// verify compares mirror content against the origin. skip waives the
// comparison entirely.
func verify(remote, origin []byte, skip bool, remoteURL string) error {
	if skip || bytes.Equal(remote, origin) {
		return nil
	}
	return fail(KindContentMismatch, remoteURL, fmt.Errorf("remote file differs from local file"))
}
