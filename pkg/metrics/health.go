package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthReport is the body of /health and /ready
type HealthReport struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
}

// ComponentReport is the last state reported by one component
type ComponentReport struct {
	Healthy  bool      `json:"healthy"`
	Critical bool      `json:"critical"`
	Message  string    `json:"message,omitempty"`
	Updated  time.Time `json:"updated"`
}

// registry holds component states for the process. The farm, discovery and
// api components register themselves as they start.
type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentReport
	critical   map[string]bool
	started    time.Time
	version    string
}

// defaultCritical lists the components a farm cannot work without. A farm
// whose beacon port is taken still renders on manual nodes, so discovery
// only degrades health.
var defaultCritical = []string{"farm", "api"}

var components = newRegistry()

func newRegistry() *registry {
	r := &registry{
		components: make(map[string]ComponentReport),
		started:    time.Now(),
	}
	r.setCritical(defaultCritical)
	return r
}

func (r *registry) setCritical(names []string) {
	r.critical = make(map[string]bool, len(names))
	for _, n := range names {
		r.critical[n] = true
	}
}

// SetVersion sets the version reported in health responses
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.setCritical(names)
}

// RegisterComponent records the state of a component, replacing any
// previous report
func RegisterComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()

	components.components[name] = ComponentReport{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

func (r *registry) snapshot() map[string]ComponentReport {
	out := make(map[string]ComponentReport, len(r.components))
	for name, c := range r.components {
		c.Critical = r.critical[name]
		out[name] = c
	}
	return out
}

// GetHealth reports unhealthy when a critical component is down and
// degraded when only others are
func GetHealth() HealthReport {
	components.mu.RLock()
	defer components.mu.RUnlock()

	report := HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: components.snapshot(),
		Version:    components.version,
		Uptime:     time.Since(components.started).Round(time.Second).String(),
	}

	for name, c := range report.Components {
		if c.Healthy {
			continue
		}
		if c.Critical {
			report.Status = StatusUnhealthy
			report.Message = name + ": " + c.Message
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
			report.Message = name + ": " + c.Message
		}
	}

	return report
}

// GetReadiness reports ready once every critical component registered
// healthy
func GetReadiness() HealthReport {
	components.mu.RLock()
	defer components.mu.RUnlock()

	report := HealthReport{
		Status:     StatusReady,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentReport),
		Version:    components.version,
	}

	names := make([]string, 0, len(components.critical))
	for name := range components.critical {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, ok := components.components[name]
		if !ok {
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
			continue
		}
		c.Critical = true
		report.Components[name] = c
		if !c.Healthy {
			report.Status = StatusNotReady
			report.Message = name + ": " + c.Message
		}
	}

	return report
}

func writeReport(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves GetHealth; only unhealthy answers 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		code := http.StatusOK
		if report.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		started := components.started
		components.mu.RUnlock()

		writeReport(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	}
}
