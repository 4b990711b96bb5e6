package interceptcache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// FetchError is a network fetch failure surfaced to the caller of a
// synchronous load. It is never cached.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchResult is a completed network response: status, body bytes and the
// MIME type extracted from the Content-Type header.
type FetchResult struct {
	Payload    []byte
	StatusCode int
	MimeType   string
	Header     http.Header
}

// Fetcher retrieves a URL from the network. Implementations own their
// timeout; the coordinator only passes a cancellation context.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) (*FetchResult, error)
}

// HTTPFetcher is the default Fetcher built on net/http.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, header http.Header) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		Payload:    payload,
		StatusCode: res.StatusCode,
		MimeType:   mimeTypeOf(res.Header),
		Header:     res.Header,
	}, nil
}

// mimeTypeOf extracts the bare media type from a Content-Type header,
// dropping parameters such as charset. A missing or malformed header
// yields an empty MIME type rather than an error.
func mimeTypeOf(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}
