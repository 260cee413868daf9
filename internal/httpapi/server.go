// Package httpapi is the local diagnostics surface: queue depths, root
// states, pending review items, recent audit events and scan runs,
// manual detection ingress, priority scan control, and a live audit
// event stream over websocket.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/pipeline"
	"github.com/kappa9999/routeagent/internal/policy"
)

// ServerOptions configure the diagnostics server.
type ServerOptions struct {
	Store        audit.Store
	Pipeline     *pipeline.Pipeline
	Snapshots    *policy.Accessor
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Server implements http.Handler.
type Server struct {
	store    audit.Store
	pipe     *pipeline.Pipeline
	snaps    *policy.Accessor
	log      *zap.Logger
	maxBody  int64
	eventHub *eventHub
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:    opts.Store,
		pipe:     opts.Pipeline,
		snaps:    opts.Snapshots,
		log:      opts.Logger.Named("httpapi"),
		maxBody:  opts.MaxBodyBytes,
		eventHub: newEventHub(),
	}
}

// PublishEvent feeds the live stream. Wire it as the pipeline's
// EventSink.
func (s *Server) PublishEvent(ev audit.Event) {
	s.eventHub.publish(ev)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/pending" && r.Method == http.MethodGet:
		s.handlePending(w, r)
	case r.URL.Path == "/v1/audit/events" && r.Method == http.MethodGet:
		s.handleAuditEvents(w, r)
	case r.URL.Path == "/v1/audit/scans" && r.Method == http.MethodGet:
		s.handleScanRuns(w, r)
	case r.URL.Path == "/v1/detections" && r.Method == http.MethodPost:
		s.handleManualDetection(w, r)
	case r.URL.Path == "/v1/scans/priority" && r.Method == http.MethodPost:
		s.handlePriorityScan(w, r)
	case r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type statusResponse struct {
	SafeMode            bool                         `json:"safeMode"`
	SafeModeReason      string                       `json:"safeModeReason,omitempty"`
	PolicyLoadedAt      time.Time                    `json:"policyLoadedAt"`
	MonitoringPaused    bool                         `json:"monitoringPaused"`
	Queues              map[string]int               `json:"queues"`
	Roots               []pipeline.RootStateSnapshot `json:"roots"`
	PriorityScansQueued int                          `json:"priorityScansQueued"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snaps.Current()
	writeJSON(w, http.StatusOK, statusResponse{
		SafeMode:            snap.SafeMode,
		SafeModeReason:      snap.SafeModeReason,
		PolicyLoadedAt:      snap.LoadedAt,
		MonitoringPaused:    snap.Preferences.Paused(time.Now().UTC()),
		Queues:              s.pipe.Depths(),
		Roots:               s.pipe.Roots().Snapshot(),
		PriorityScansQueued: s.pipe.Scheduler().Depth(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListPendingItems(r.Context(), queryLimit(r, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if items == nil {
		items = []audit.PendingItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentEvents(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleScanRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentScanRuns(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if runs == nil {
		runs = []audit.ScanRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type manualDetectionRequest struct {
	SourcePath    string `json:"sourcePath"`
	PendingItemID string `json:"pendingItemId,omitempty"`
}

func (s *Server) handleManualDetection(w http.ResponseWriter, r *http.Request) {
	var req manualDetectionRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "sourcePath is required")
		return
	}
	queued := s.pipe.EnqueueManual(r.Context(), pipeline.DetectionCandidate{
		SourcePath:    req.SourcePath,
		PendingItemID: req.PendingItemID,
	})
	if !queued {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", "detection queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

type priorityScanRequest struct {
	RootPath string `json:"rootPath"`
}

func (s *Server) handlePriorityScan(w http.ResponseWriter, r *http.Request) {
	var req priorityScanRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RootPath) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "rootPath is required")
		return
	}
	queued := s.pipe.Scheduler().RequestPriorityScan(req.RootPath)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if int64(len(body)) > s.maxBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 10000 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
