package dedupe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxImageBytes caps one image download; the perceptual hash only needs the
// pixels, and listing photos past this size are not worth fingerprinting.
const maxImageBytes = 5 << 20

// HTTPFetcher downloads listing images for perceptual hashing.
type HTTPFetcher struct {
	http *http.Client
}

// NewHTTPFetcher builds a fetcher with a bounded request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{http: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch retrieves one image URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "carscout/1.0")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}
