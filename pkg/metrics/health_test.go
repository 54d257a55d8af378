package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetComponents(t *testing.T) {
	t.Helper()
	components = newRegistry()
	t.Cleanup(func() { components = newRegistry() })
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		register   map[string]bool
		wantStatus string
	}{
		{name: "nothing registered", register: nil, wantStatus: StatusHealthy},
		{name: "all healthy", register: map[string]bool{"farm": true, "api": true, "discovery": true}, wantStatus: StatusHealthy},
		{name: "discovery down", register: map[string]bool{"farm": true, "api": true, "discovery": false}, wantStatus: StatusDegraded},
		{name: "farm down", register: map[string]bool{"farm": false, "api": true, "discovery": false}, wantStatus: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetComponents(t)
			for name, healthy := range tt.register {
				RegisterComponent(name, healthy, "test")
			}

			report := GetHealth()
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Len(t, report.Components, len(tt.register))
			if tt.wantStatus != StatusHealthy {
				assert.NotEmpty(t, report.Message)
			}
		})
	}
}

func TestGetHealthMarksCritical(t *testing.T) {
	resetComponents(t)
	SetVersion("1.2.3")

	RegisterComponent("farm", true, "running")
	RegisterComponent("discovery", true, "listening")

	report := GetHealth()
	assert.Equal(t, "1.2.3", report.Version)
	assert.True(t, report.Components["farm"].Critical)
	assert.False(t, report.Components["discovery"].Critical)
}

func TestRegisterComponentReplaces(t *testing.T) {
	resetComponents(t)

	RegisterComponent("api", false, "starting")
	RegisterComponent("api", true, ":8080")

	report := GetHealth()
	require.Contains(t, report.Components, "api")
	assert.True(t, report.Components["api"].Healthy)
	assert.Equal(t, ":8080", report.Components["api"].Message)
}

func TestGetReadiness(t *testing.T) {
	resetComponents(t)

	report := GetReadiness()
	assert.Equal(t, StatusNotReady, report.Status)
	assert.Equal(t, "waiting for api", report.Message)

	RegisterComponent("api", true, "")
	RegisterComponent("farm", false, "starting")
	report = GetReadiness()
	assert.Equal(t, StatusNotReady, report.Status)
	assert.Equal(t, "farm: starting", report.Message)

	RegisterComponent("farm", true, "running")
	RegisterComponent("discovery", false, "port in use")
	report = GetReadiness()
	assert.Equal(t, StatusReady, report.Status)
	assert.NotContains(t, report.Components, "discovery")
}

func TestSetCriticalComponents(t *testing.T) {
	resetComponents(t)

	SetCriticalComponents("discovery")
	RegisterComponent("discovery", false, "port in use")

	assert.Equal(t, StatusUnhealthy, GetHealth().Status)
	assert.Equal(t, StatusNotReady, GetReadiness().Status)

	RegisterComponent("discovery", true, "listening")
	assert.Equal(t, StatusReady, GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func()
		wantCode int
		wantBody string
	}{
		{
			name:     "health ok",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("farm", true, "") },
			wantCode: http.StatusOK,
			wantBody: StatusHealthy,
		},
		{
			name:     "health degraded still 200",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("discovery", false, "port in use") },
			wantCode: http.StatusOK,
			wantBody: StatusDegraded,
		},
		{
			name:     "health unhealthy",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("farm", false, "stopped") },
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusUnhealthy,
		},
		{
			name:     "ready",
			handler:  ReadyHandler(),
			setup:    func() { RegisterComponent("farm", true, ""); RegisterComponent("api", true, "") },
			wantCode: http.StatusOK,
			wantBody: StatusReady,
		},
		{
			name:     "not ready",
			handler:  ReadyHandler(),
			setup:    func() {},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusNotReady,
		},
		{
			name:     "live",
			handler:  LivenessHandler(),
			setup:    func() {},
			wantCode: http.StatusOK,
			wantBody: "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetComponents(t)
			tt.setup()

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}
