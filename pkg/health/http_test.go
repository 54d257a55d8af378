package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, healthy: true},
		{name: "redirect", status: http.StatusFound, healthy: false},
		{name: "no content", status: http.StatusNoContent, healthy: true},
		{name: "server error", status: http.StatusServiceUnavailable, healthy: false},
		{name: "not found", status: http.StatusNotFound, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL)
			checker.Client.CheckRedirect = func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			}

			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, KindHTTP, checker.Kind())
		})
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(20 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestHTTPChecker_Unreachable(t *testing.T) {
	result := NewHTTPChecker("http://127.0.0.1:1/health").Check(context.Background())
	assert.False(t, result.Healthy)
}
