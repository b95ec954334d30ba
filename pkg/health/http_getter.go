package health

import (
	"context"
	"net/http"
	"time"
)

// DefaultHTTPGetter is the production HTTPGetter, a bare GET against the
// probe URL with a bounded timeout.
type DefaultHTTPGetter struct {
	client *http.Client
}

// NewDefaultHTTPGetter builds an HTTPGetter with the given per-request
// timeout.
func NewDefaultHTTPGetter(timeout time.Duration) *DefaultHTTPGetter {
	return &DefaultHTTPGetter{client: &http.Client{Timeout: timeout}}
}

func (g *DefaultHTTPGetter) Get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
