package api

import (
	"net/http"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
)

// StatusResponse summarizes the farm
type StatusResponse struct {
	Status     string                  `json:"status"` // idle or rendering
	Version    string                  `json:"version,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
	Nodes      map[types.NodeState]int `json:"nodes"`
	CurrentJob *types.JobRecord        `json:"current_job,omitempty"`
	Queued     int                     `json:"queued"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[types.NodeState]int{
		types.NodeStateFree:      0,
		types.NodeStateRendering: 0,
		types.NodeStateError:     0,
	}
	for _, n := range s.cfg.Farm.Nodes() {
		counts[n.State]++
	}

	status := "rendering"
	if s.cfg.Farm.Idle() {
		status = "idle"
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:     status,
		Version:    s.cfg.Version,
		Timestamp:  time.Now(),
		Nodes:      counts,
		CurrentJob: s.cfg.Farm.CurrentJob(),
		Queued:     len(s.cfg.Farm.Queue()),
	})
}
