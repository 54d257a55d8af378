package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/renderfarm/pkg/farm"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/types"
)

// maxJobBody bounds a submitted job definition
const maxJobBody = 1 << 20

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// AddNodeRequest registers a node that does not send beacons
type AddNodeRequest struct {
	Address string `json:"address"` // host:port
}

// CurrentJobResponse describes the running job and its sessions
type CurrentJobResponse struct {
	Job      types.JobRecord     `json:"job"`
	Sessions []job.SessionStatus `json:"sessions"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// farmErrorStatus maps farm errors to HTTP statuses
func farmErrorStatus(err error) int {
	switch {
	case errors.Is(err, farm.ErrNoCurrentJob), errors.Is(err, farm.ErrWorkDirInUse):
		return http.StatusConflict
	case errors.Is(err, farm.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.cfg.Farm.Nodes()
	if nodes == nil {
		nodes = []types.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	key, err := types.ParseNodeKey(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.cfg.Farm.DiscoveredNode(key.Address, key.Port, types.DiscoveryManual)
	if s.cfg.Prober != nil {
		s.cfg.Prober.Add(key)
	}

	s.logger.Info().Str("node", key.String()).Msg("Manual node added")
	writeJSON(w, http.StatusAccepted, key)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.cfg.Farm.Jobs()
	if jobs == nil {
		jobs = []types.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// addJob accepts a YAML or JSON job definition
func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	cfg, err := job.ParseConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	j, err := job.New(cfg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.cfg.Farm.AddJob(j); err != nil {
		writeError(w, farmErrorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, j.Record())
}

func (s *Server) getCurrentJob(w http.ResponseWriter, r *http.Request) {
	rec := s.cfg.Farm.CurrentJob()
	if rec == nil {
		writeError(w, http.StatusNotFound, farm.ErrNoCurrentJob)
		return
	}

	sessions := s.cfg.Farm.CurrentSessions()
	if sessions == nil {
		sessions = []job.SessionStatus{}
	}
	writeJSON(w, http.StatusOK, CurrentJobResponse{Job: *rec, Sessions: sessions})
}

func (s *Server) stopCurrentJob(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Farm.StopCurrentJob(); err != nil {
		writeError(w, farmErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) mergeCurrentJob(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Farm.ForceMerge(); err != nil {
		writeError(w, farmErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "merging"})
}
