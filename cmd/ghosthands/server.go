package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuemby/ghosthands/pkg/auth"
	"github.com/cuemby/ghosthands/pkg/cloud"
	"github.com/cuemby/ghosthands/pkg/cors"
	"github.com/cuemby/ghosthands/pkg/deploy"
	"github.com/cuemby/ghosthands/pkg/drain"
	"github.com/cuemby/ghosthands/pkg/engine"
	"github.com/cuemby/ghosthands/pkg/fleetconfig"
	"github.com/cuemby/ghosthands/pkg/history"
	"github.com/cuemby/ghosthands/pkg/idle"
	"github.com/cuemby/ghosthands/pkg/log"
	"github.com/cuemby/ghosthands/pkg/logbus"
	"github.com/cuemby/ghosthands/pkg/metrics"
	"github.com/cuemby/ghosthands/pkg/rollback"
	"github.com/cuemby/ghosthands/pkg/router"
	"github.com/cuemby/ghosthands/pkg/secrets"
	"github.com/cuemby/ghosthands/pkg/types"
	"github.com/cuemby/ghosthands/pkg/workerclient"
)

// Server wires every capability into the HTTP surface from the fleet
// API contract. It holds no business logic of its own beyond request
// decoding/encoding and composing the packages under pkg/.
type Server struct {
	cfg config

	startTime time.Time

	engine       engine.Engine
	cloudAPI     cloud.API
	worker       *workerclient.Client
	history      *history.Store
	bus          *logbus.Bus
	drainCoord   *drain.Coordinator
	idleCtl      *idle.Controller
	orchestrator *deploy.Orchestrator
	rollbackPlan *rollback.Planner
	secretsMgr   *secrets.Manager
	collector    *metrics.Collector

	fleetLoader *fleetconfig.Loader
	fleet       []types.FleetEntry

	guard *auth.Guard
	cors  *cors.Policy

	peerClient *http.Client
}

func (s *Server) routes() http.Handler {
	r := router.New()

	r.Handle(http.MethodGet, "/health", s.handleHealth)
	r.Handle(http.MethodGet, "/version", s.handleVersion)
	r.Handle(http.MethodGet, "/metrics", s.handleMetrics)
	r.Handle(http.MethodGet, "/containers", s.handleContainers)
	r.Handle(http.MethodGet, "/workers", s.handleWorkers)
	r.Handle(http.MethodGet, "/deploys", s.handleDeployList)
	r.Handle(http.MethodGet, "/deploys/:id", s.handleDeployGet)
	r.Handle(http.MethodGet, "/fleet", s.handleFleetList)
	r.Handle(http.MethodPost, "/fleet/reload", s.protect(s.handleFleetReload))
	r.Handle(http.MethodGet, "/fleet/idle-status", s.protect(s.handleIdleStatus))
	r.Handle(http.MethodPost, "/fleet/wake", s.protect(s.handleFleetWakeN))
	r.Handle(http.MethodPost, "/fleet/:id/wake", s.protect(s.handleWorkerWake))
	r.Handle(http.MethodPost, "/fleet/:id/stop", s.protect(s.handleWorkerStop))
	r.Handle(http.MethodGet, "/fleet/:id/*", s.handleFleetProxy)
	r.Handle(http.MethodPost, "/deploy", s.protect(s.handleDeploy))
	r.Handle(http.MethodPost, "/drain", s.protect(s.handleDrain))
	r.Handle(http.MethodPost, "/drain/graceful", s.protect(s.handleDrainGraceful))
	r.Handle(http.MethodPost, "/cleanup", s.protect(s.handleCleanup))
	r.Handle(http.MethodPost, "/rollback", s.protect(s.handleRollback))
	r.Handle(http.MethodPost, "/admin/refresh-secrets", s.protect(s.handleRefreshSecrets))
	r.Handle(http.MethodGet, "/secrets/status", s.handleSecretsStatus)
	r.Handle(http.MethodGet, "/secrets/list", s.protect(s.handleSecretsList))
	r.Handle(http.MethodGet, "/secrets/:key", s.protect(s.handleSecretsGet))
	r.Handle(http.MethodGet, "/deploy/stream", s.handleDeployStream)

	return s.cors.Middleware(r)
}

// protect adapts router.HandlerFunc to require a valid deploy secret,
// reusing auth.Guard.Check directly since router handlers don't share
// http.Handler's signature.
func (s *Server) protect(h router.HandlerFunc) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p router.Params) {
		if !s.guard.Check(r) {
			router.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, p)
	}
}

// --- health / version / metrics -----------------------------------

type healthResponse struct {
	Status        string `json:"status"`
	ActiveWorkers int    `json:"activeWorkers"`
	DeploySafe    bool   `json:"deploySafe"`
	APIHealthy    bool   `json:"apiHealthy"`
	WorkerStatus  string `json:"workerStatus"`
	CurrentDeploy string `json:"currentDeploy,omitempty"`
	UptimeMs      int64  `json:"uptimeMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ router.Params) {
	states := s.idleCtl.GetStates()
	activeWorkers := 0
	for _, st := range states {
		if st.Phase == types.PhaseRunning {
			activeWorkers++
		}
	}

	status := "idle"
	workerStatus := "none"
	if activeWorkers > 0 {
		status = "healthy"
		workerStatus = "running"
	}

	current := ""
	if step, running := s.orchestrator.InFlightStep(); running {
		current = string(step)
	}

	router.WriteJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		ActiveWorkers: activeWorkers,
		DeploySafe:    current == "",
		APIHealthy:    true,
		WorkerStatus:  workerStatus,
		CurrentDeploy: current,
		UptimeMs:      metrics.UptimeMillis(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, map[string]string{
		"version":         Version,
		"upstreamVersion": engine.DefaultNamespace,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request, _ router.Params) {
	containers, err := s.engine.ListContainers(r.Context(), true)
	if err != nil {
		router.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, containers)
}

// --- workers / fleet -------------------------------------------------

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, s.idleCtl.GetStates())
}

func (s *Server) handleFleetList(w http.ResponseWriter, r *http.Request, _ router.Params) {
	env := r.URL.Query().Get("environment")
	includeTerminated := r.URL.Query().Get("includeTerminated") == "true"

	out := make([]types.FleetEntry, 0, len(s.fleet))
	for _, e := range s.fleet {
		if env != "" && e.Env != env {
			continue
		}
		if !includeTerminated {
			if snap, ok := s.idleCtl.Get(e.ID); ok && snap.Phase == types.PhaseTerminated {
				continue
			}
		}
		out = append(out, e)
	}
	router.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleFleetReload(w http.ResponseWriter, r *http.Request, _ router.Params) {
	fleet, err := s.fleetLoader.Load()
	if err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.fleet = fleet
	if err := s.idleCtl.Init(r.Context(), fleet); err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]int{"count": len(fleet)})
}

func (s *Server) handleIdleStatus(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, s.idleCtl.GetStates())
}

type wakeNRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleFleetWakeN(w http.ResponseWriter, r *http.Request, _ router.Params) {
	var body wakeNRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		router.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var woken []idle.WakeResult
	remaining := body.Count
	for _, st := range s.idleCtl.GetStates() {
		if remaining <= 0 {
			break
		}
		if st.Phase != types.PhaseStopped {
			continue
		}
		result, err := s.idleCtl.Wake(r.Context(), st.ID)
		if err != nil {
			continue
		}
		woken = append(woken, result)
		remaining--
	}
	router.WriteJSON(w, http.StatusOK, map[string]any{"woken": woken})
}

func (s *Server) handleWorkerWake(w http.ResponseWriter, r *http.Request, p router.Params) {
	result, err := s.idleCtl.Wake(r.Context(), p["id"])
	if err != nil {
		writeIdleError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request, p router.Params) {
	if err := s.idleCtl.StopWorker(r.Context(), p["id"]); err != nil {
		writeIdleError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func writeIdleError(w http.ResponseWriter, err error) {
	switch err {
	case idle.ErrNotAWorker:
		router.WriteError(w, http.StatusNotFound, err.Error())
	case idle.ErrWakingInProgress:
		router.WriteError(w, http.StatusConflict, err.Error())
	case idle.ErrInstanceStopping, idle.ErrAlreadyStopped, idle.ErrHasActiveJobs:
		router.WriteError(w, http.StatusConflict, err.Error())
	default:
		router.WriteError(w, http.StatusBadGateway, err.Error())
	}
}

// handleFleetProxy implements the smart proxy over GET /fleet/:id/*:
// it forwards the wildcard tail to the target worker's own control
// plane surface, short-circuiting with 503 if the worker isn't running.
func (s *Server) handleFleetProxy(w http.ResponseWriter, r *http.Request, p router.Params) {
	snap, ok := s.idleCtl.Get(p["id"])
	if !ok {
		router.WriteError(w, http.StatusNotFound, "unknown fleet member")
		return
	}
	if snap.Phase != types.PhaseRunning {
		router.WriteError(w, http.StatusServiceUnavailable, "worker is not running")
		return
	}

	target := fmt.Sprintf("http://%s:%d/%s", snap.PublicIP, s.cfg.WorkerPort, p["*"])
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := s.peerClient.Do(req)
	if err != nil {
		router.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// --- deploy / rollback / drain ---------------------------------------

func (s *Server) handleDeployList(w http.ResponseWriter, r *http.Request, _ router.Params) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	records, err := s.history.List(limit)
	if err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeployGet(w http.ResponseWriter, r *http.Request, p router.Params) {
	record, err := s.history.Get(p["id"])
	if err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		router.WriteError(w, http.StatusNotFound, "deploy not found")
		return
	}
	router.WriteJSON(w, http.StatusOK, record)
}

type deployRequest struct {
	ImageTag string `json:"image_tag"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, _ router.Params) {
	var body deployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ImageTag == "" {
		router.WriteError(w, http.StatusBadRequest, "image_tag is required")
		return
	}

	record := &types.DeployRecord{
		ID:        history.NewID(),
		ImageTag:  body.ImageTag,
		Status:    types.DeployStatusDeploying,
		StartedAt: time.Now(),
		Trigger:   types.TriggerManual,
	}
	if err := s.history.Append(record); err != nil {
		router.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	onLine := func(line string) { s.bus.BroadcastLine(line) }

	go func() {
		ctx := context.Background()
		if err := s.drainCoord.Run(ctx, s.fleet, drain.Config{
			TotalTimeout: 60 * time.Second,
			PollInterval: 2 * time.Second,
			OnLine:       onLine,
		}); err != nil {
			log.WithComponent("deploy").Warn().Err(err).Msg("pre-deploy drain incomplete, continuing")
		}

		result, err := s.orchestrator.Run(ctx, body.ImageTag, onLine)
		record.CompletedAt = time.Now()
		record.Duration = time.Since(record.StartedAt)
		if err != nil {
			record.Status = types.DeployStatusFailed
			record.Error = err.Error()
			_ = s.history.Update(record)
			metrics.DeploysTotal.WithLabelValues("failed").Inc()
			s.bus.BroadcastComplete(false, err.Error())
			return
		}
		record.Status = types.DeployStatusCompleted
		_ = s.history.Update(record)
		metrics.DeploysTotal.WithLabelValues("completed").Inc()
		metrics.DeployDuration.Observe(result.Duration.Seconds())
		s.bus.BroadcastComplete(true, "")
	}()

	router.WriteJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, _ router.Params) {
	onLine := func(line string) { s.bus.BroadcastLine(line) }
	result, err := s.rollbackPlan.Run(r.Context(), onLine)
	if err != nil {
		if err == rollback.ErrNoPreviousDeploy {
			router.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		router.WriteJSON(w, http.StatusOK, result)
		return
	}
	router.WriteJSON(w, http.StatusOK, result)
}

type drainRequest struct {
	WorkerIP string `json:"worker_ip"`
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request, _ router.Params) {
	var body drainRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkerIP == "" {
		router.WriteError(w, http.StatusBadRequest, "worker_ip is required")
		return
	}
	if err := s.worker.Drain(r.Context(), body.WorkerIP, 10*time.Second); err != nil {
		router.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

func (s *Server) handleDrainGraceful(w http.ResponseWriter, r *http.Request, _ router.Params) {
	f, ok := w.(http.Flusher)
	if !ok {
		router.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	logbus.Prepare(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	force := r.URL.Query().Get("force") == "true"
	timeout := 60 * time.Second
	if force {
		timeout = 5 * time.Second
	}

	err := s.drainCoord.Run(r.Context(), s.fleet, drain.Config{
		TotalTimeout: timeout,
		PollInterval: 2 * time.Second,
		OnLine: func(line string) {
			_ = logbus.WriteFrame(w, f, map[string]string{"type": "drain", "status": line})
		},
	})
	if err != nil {
		_ = logbus.WriteFrame(w, f, map[string]string{"type": "error", "status": err.Error()})
		return
	}
	_ = logbus.WriteFrame(w, f, map[string]string{"type": "complete", "status": "ok"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, _ router.Params) {
	if s.cfg.CleanupScript == "" {
		router.WriteError(w, http.StatusNotImplemented, "no cleanup script configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.CleanupScript)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		router.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  err.Error(),
			"output": out.String(),
		})
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"output": out.String()})
}

func (s *Server) handleDeployStream(w http.ResponseWriter, r *http.Request, _ router.Params) {
	f, ok := w.(http.Flusher)
	if !ok {
		router.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	logbus.Prepare(w)
	id, unsubscribe, ok := s.bus.Subscribe(w)
	if !ok {
		router.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	f.Flush()
	log.WithComponent("logbus").Info().Str("subscriber_id", id).Msg("deploy stream connected")

	<-r.Context().Done()
}

// --- secrets -----------------------------------------------------------

func (s *Server) handleSecretsStatus(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, s.secretsMgr.Refresh(r.Context()))
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request, _ router.Params) {
	path := r.URL.Query().Get("path")
	keys, err := s.secretsMgr.List(r.Context(), "env", path)
	if err != nil {
		router.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, keys)
}

func (s *Server) handleSecretsGet(w http.ResponseWriter, r *http.Request, p router.Params) {
	path := r.URL.Query().Get("path")
	value, err := s.secretsMgr.Get(r.Context(), "env", path, p["key"])
	if err != nil {
		if err == secrets.ErrNotFound {
			router.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		router.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"value": value})
}

func (s *Server) handleRefreshSecrets(w http.ResponseWriter, r *http.Request, _ router.Params) {
	router.WriteJSON(w, http.StatusOK, s.secretsMgr.Refresh(r.Context()))
}
