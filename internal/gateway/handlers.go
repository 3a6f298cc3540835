package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/graph"
	"github.com/incidentops/evidence-graph/internal/models"
	"github.com/incidentops/evidence-graph/internal/store"
	"github.com/incidentops/evidence-graph/internal/workflow"
)

// IncidentStore is the slice of the persistence layer the gateway uses.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, f store.ListFilter) ([]models.Incident, error)
	SetWorkflowID(ctx context.Context, id, workflowID string) error
	Ping(ctx context.Context) error
}

// Deduper suppresses repeated fingerprints.
type Deduper interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
}

// Limiter budgets webhook calls per source.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int)
}

// GraphReader serves incident subgraphs for the read API.
type GraphReader interface {
	IncidentSubgraph(ctx context.Context, incidentID string, depth int) (*graph.Subgraph, error)
	Ping(ctx context.Context) error
}

// WorkflowStarter launches the incident workflow for a new incident and
// routes approval decisions to it.
type WorkflowStarter interface {
	StartIncidentWorkflow(ctx context.Context, incident *models.Incident) (string, error)
	SignalApproval(ctx context.Context, incidentID string, sig workflow.ApprovalSignal) error
}

// Server wires the HTTP surface of the gateway.
type Server struct {
	store     IncidentStore
	dedup     Deduper
	limiter   Limiter
	graph     GraphReader
	workflows WorkflowStarter
}

// NewServer builds the gateway over its collaborators. workflows may be
// nil, in which case incidents are stored without analysis.
func NewServer(st IncidentStore, dedup Deduper, limiter Limiter, gr GraphReader, workflows WorkflowStarter) *Server {
	return &Server{store: st, dedup: dedup, limiter: limiter, graph: gr, workflows: workflows}
}

// Router assembles the full route table with CORS.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/webhooks/alertmanager", s.handleAlertmanager).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/grafana", s.handleGrafana).Methods(http.MethodPost)
	api.HandleFunc("/incidents", s.handleCreateIncident).Methods(http.MethodPost)
	api.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}/graph", s.handleIncidentGraph).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}/approval", s.handleApprovalDecision).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func (s *Server) handleAlertmanager(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { webhookLatency.WithLabelValues("alertmanager").Observe(time.Since(started).Seconds()) }()

	if !s.allow(r.Context(), "alertmanager") {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var payload AlertmanagerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	ids := s.processAlerts(r.Context(), NormalizeAlertmanager(&payload))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":            "accepted",
		"incidents_created": len(ids),
		"incident_ids":      ids,
	})
}

func (s *Server) handleGrafana(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { webhookLatency.WithLabelValues("grafana").Observe(time.Since(started).Seconds()) }()

	if !s.allow(r.Context(), "grafana") {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var payload GrafanaPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	alerts := NormalizeGrafana(&payload)
	if payload.Status != "firing" && len(alerts) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not_firing"})
		return
	}

	ids := s.processAlerts(r.Context(), alerts)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":            "accepted",
		"incidents_created": len(ids),
		"incident_ids":      ids,
	})
}

func (s *Server) allow(ctx context.Context, source string) bool {
	if s.limiter == nil {
		return true
	}
	ok, remaining := s.limiter.Allow(ctx, source)
	if !ok {
		log.Warn().Str("source", source).Int("remaining", remaining).Msg("Webhook rate limit exceeded")
	}
	return ok
}

func (s *Server) processAlerts(ctx context.Context, alerts []models.Alert) []string {
	ids := []string{}
	for i := range alerts {
		alert := &alerts[i]
		alertsReceived.WithLabelValues(alert.Source, alert.Severity).Inc()

		if s.dedup != nil {
			seen, _ := s.dedup.Seen(ctx, alert.Fingerprint)
			if seen {
				alertsDeduplicated.Inc()
				log.Debug().Str("fingerprint", alert.Fingerprint).Msg("Duplicate alert suppressed")
				continue
			}
		}

		inc, err := s.openIncident(ctx, alert)
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			alertsDeduplicated.Inc()
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("alert", alert.AlertName).Msg("Failed to create incident")
			continue
		}
		ids = append(ids, inc.ID)
	}
	return ids
}

func (s *Server) openIncident(ctx context.Context, alert *models.Alert) (*models.Incident, error) {
	now := time.Now().UTC()
	inc := &models.Incident{
		ID:          uuid.NewString(),
		Fingerprint: alert.Fingerprint,
		Source:      alert.Source,
		Title:       alert.Title,
		Severity:    alert.Severity,
		Status:      models.StatusOpen,
		Cluster:     alert.Cluster,
		Namespace:   alert.Namespace,
		Service:     alert.Service,
		Labels:      models.JSONMap(alert.Labels),
		Annotations: models.JSONMap(alert.Annotations),
		StartedAt:   alert.StartsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	incidentsCreated.WithLabelValues(inc.Severity).Inc()
	log.Info().Str("incident_id", inc.ID).Str("severity", inc.Severity).
		Str("namespace", inc.Namespace).Str("service", inc.Service).Msg("Incident created")

	s.startWorkflow(inc)
	return inc, nil
}

// startWorkflow launches analysis in the background. A workflow start
// failure never fails the webhook; the incident stays open for manual
// triage.
func (s *Server) startWorkflow(inc *models.Incident) {
	if s.workflows == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		workflowID, err := s.workflows.StartIncidentWorkflow(ctx, inc)
		if err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to start incident workflow")
			return
		}
		if err := s.store.SetWorkflowID(ctx, inc.ID, workflowID); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to record workflow id")
		}
	}()
}

type createIncidentRequest struct {
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Severity  string            `json:"severity"`
	Cluster   string            `json:"cluster"`
	Namespace string            `json:"namespace"`
	Service   string            `json:"service"`
	Labels    map[string]string `json:"labels"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}
	if req.Cluster == "" {
		req.Cluster = "default-cluster"
	}

	alert := models.Alert{
		Source:      req.Source,
		AlertName:   req.Title,
		Title:       req.Title,
		Severity:    normalizeSeverity(req.Severity),
		Cluster:     req.Cluster,
		Namespace:   req.Namespace,
		Service:     req.Service,
		Labels:      req.Labels,
		Annotations: map[string]string{},
		StartsAt:    time.Now().UTC(),
		Fingerprint: Fingerprint(req.Source, req.Title, req.Namespace, req.Service),
	}

	inc, err := s.openIncident(r.Context(), &alert)
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "incident already exists for this fingerprint"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create incident"})
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:    q.Get("status"),
		Severity:  q.Get("severity"),
		Namespace: q.Get("namespace"),
		Limit:     intParam(q.Get("limit"), 0),
		Offset:    intParam(q.Get("offset"), 0),
	}

	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list incidents")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list incidents"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inc, err := s.store.GetIncident(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to load incident")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load incident"})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	depth := intParam(r.URL.Query().Get("depth"), 3)
	if depth < 1 {
		depth = 3
	}

	sub, err := s.graph.IncidentSubgraph(r.Context(), id, depth)
	if err != nil {
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to load incident subgraph")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load graph"})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleApprovalDecision forwards a human decision to the incident's
// running workflow. Slack button clicks and manual calls land here.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "workflow engine unavailable"})
		return
	}

	var sig workflow.ApprovalSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.workflows.SignalApproval(r.Context(), id, sig); err != nil {
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to signal approval decision")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to deliver decision"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "delivered", "approved": sig.Approved})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness only when both backing stores answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "neo4j": "ok"}
	ready := true
	if err := s.store.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	}
	if err := s.graph.Ping(ctx); err != nil {
		checks["neo4j"] = err.Error()
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
