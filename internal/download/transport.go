package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Transport opens a stream for a remote resource. The returned total is
// the expected size of the body, or -1 if unknown.
type Transport interface {
	Open(ctx context.Context, url string) (body io.ReadCloser, total int64, err error)
}

type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}
