// Package media downloads row-referenced media over HTTP. Callers bound
// per-download time with the request context; the client timeout is only a
// backstop.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

const defaultMaxBytes = 25 << 20

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", 0, domain.WrapError(domain.ErrInvalidInput, "fetch media",
			fmt.Errorf("unsupported media url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build media request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", 0, domain.WrapError(domain.ErrTemporary, "fetch media", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", 0, fmt.Errorf("fetch media: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, "", 0, fmt.Errorf("fetch media: %d bytes exceeds limit %d", resp.ContentLength, f.maxBytes)
	}

	body := &limitedBody{inner: resp.Body, remaining: f.maxBytes}
	return body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

// limitedBody caps how much can be read even when Content-Length lied.
type limitedBody struct {
	inner     io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, fmt.Errorf("media body exceeds size limit")
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error {
	return b.inner.Close()
}
