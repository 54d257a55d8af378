package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker reports whether an HTTP endpoint answers 2xx. The CLI uses it
// to wait for a farm API to come up.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a checker for url with a 10 second timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs a GET against URL
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{At: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		result.Message = fmt.Sprintf("invalid request: %v", err)
		return result
	}

	resp, err := h.Client.Do(req)
	result.Took = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("request failed: %v", err)
		return result
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	result.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.Message = resp.Status
	return result
}

// Kind reports http
func (h *HTTPChecker) Kind() Kind {
	return KindHTTP
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
