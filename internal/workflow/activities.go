package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/approval"
	"github.com/incidentops/evidence-graph/internal/collect"
	"github.com/incidentops/evidence-graph/internal/models"
	"github.com/incidentops/evidence-graph/internal/policy"
	"github.com/incidentops/evidence-graph/internal/rank"
	"github.com/incidentops/evidence-graph/internal/remediate"
	"github.com/incidentops/evidence-graph/internal/rules"
	"github.com/incidentops/evidence-graph/internal/runbook"
)

// EvidenceStore is the slice of the persistence layer the activities use.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, items []models.Evidence) error
	SaveRunbook(ctx context.Context, rb *models.Runbook) error
	UpdateIncidentStatus(ctx context.Context, id, status string) error
}

// GraphWriter upserts collected entities and relations into the evidence
// graph.
type GraphWriter interface {
	UpsertEntities(ctx context.Context, entities []models.GraphEntity) (int, error)
	UpsertRelations(ctx context.Context, relations []models.GraphRelation) (int, error)
}

// ActionRecorder persists remediation action records. RecordAction
// reports false when the idempotency key was already used this hour.
type ActionRecorder interface {
	RecordAction(ctx context.Context, action *models.RemediationAction) (bool, error)
	UpdateActionStatus(ctx context.Context, id, status, reason string) error
}

// Activities bundles every side-effecting step of the incident workflow.
// All fields must be set before registering with a worker.
type Activities struct {
	Store      EvidenceStore
	Graph      GraphWriter
	Actions    ActionRecorder
	Collectors []collect.Collector
	Engine     *rules.Engine
	Runbooks   *runbook.Generator
	Policy     *policy.Client
	Estimator  *remediate.BlastRadiusEstimator
	Executor   *remediate.Executor
	Verifier   *remediate.Verifier
	Approvals  *approval.Coordinator
	Tickets    *approval.TicketFiler

	Environment    string
	EvidenceWindow time.Duration
}

// CollectResult carries the merged collector output through the workflow.
type CollectResult struct {
	Evidence  []models.Evidence      `json:"evidence"`
	Entities  []models.GraphEntity   `json:"entities"`
	Relations []models.GraphRelation `json:"relations"`
	Errors    map[string]string      `json:"errors,omitempty"`
}

// CollectEvidence fans out all collectors over the incident's lookback
// window and persists whatever evidence came back.
func (a *Activities) CollectEvidence(ctx context.Context, incident models.Incident) (*CollectResult, error) {
	end := time.Now().UTC()
	req := collect.Request{
		Incident:    &incident,
		WindowStart: end.Add(-a.EvidenceWindow),
		WindowEnd:   end,
	}

	results := collect.RunAll(ctx, a.Collectors, req)
	evidence, entities, relations := collect.MergeResults(results)

	errs := map[string]string{}
	for _, res := range results {
		if res != nil && res.Err != "" {
			errs[res.Collector] = res.Err
		}
	}

	if err := a.Store.SaveEvidence(ctx, evidence); err != nil {
		return nil, err
	}
	log.Info().Str("incident_id", incident.ID).Int("evidence", len(evidence)).
		Int("failed_collectors", len(errs)).Msg("Evidence collected")

	out := &CollectResult{Evidence: evidence, Entities: entities, Relations: relations}
	if len(errs) > 0 {
		out.Errors = errs
	}
	return out, nil
}

// BuildGraphInput names the graph elements to persist for an incident.
type BuildGraphInput struct {
	IncidentID string                 `json:"incident_id"`
	Entities   []models.GraphEntity   `json:"entities"`
	Relations  []models.GraphRelation `json:"relations"`
}

// BuildGraph upserts the collected entities and relations into Neo4j and
// returns the number of written elements.
func (a *Activities) BuildGraph(ctx context.Context, input BuildGraphInput) (int, error) {
	nodes, err := a.Graph.UpsertEntities(ctx, input.Entities)
	if err != nil {
		return 0, err
	}
	edges, err := a.Graph.UpsertRelations(ctx, input.Relations)
	if err != nil {
		return nodes, err
	}
	log.Info().Str("incident_id", input.IncidentID).Int("nodes", nodes).Int("edges", edges).
		Msg("Evidence graph updated")
	return nodes + edges, nil
}

// HypothesesInput pairs an incident with its evidence set.
type HypothesesInput struct {
	Incident models.Incident   `json:"incident"`
	Evidence []models.Evidence `json:"evidence"`
}

// GenerateHypotheses runs the diagnosis rules over the evidence.
func (a *Activities) GenerateHypotheses(_ context.Context, input HypothesesInput) ([]models.Hypothesis, error) {
	return a.Engine.GenerateHypotheses(&input.Incident, input.Evidence), nil
}

// RankHypotheses orders hypotheses by category-weighted final score.
func (a *Activities) RankHypotheses(_ context.Context, hypotheses []models.Hypothesis) ([]models.Hypothesis, error) {
	return rank.Rank(hypotheses), nil
}

// RunbookInput pairs an incident with its ranked hypotheses.
type RunbookInput struct {
	Incident   models.Incident     `json:"incident"`
	Hypotheses []models.Hypothesis `json:"hypotheses"`
}

// GenerateRunbook builds and persists the investigation runbook.
func (a *Activities) GenerateRunbook(ctx context.Context, input RunbookInput) (*models.Runbook, error) {
	rb := a.Runbooks.Generate(&input.Incident, input.Hypotheses)
	if err := a.Store.SaveRunbook(ctx, rb); err != nil {
		return nil, err
	}
	return rb, nil
}

// BlastInput names the service whose impact is estimated.
type BlastInput struct {
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
}

// EstimateBlastRadius scores the impact of remediating the service.
func (a *Activities) EstimateBlastRadius(ctx context.Context, input BlastInput) (models.BlastRadius, error) {
	return a.Estimator.Estimate(ctx, input.Namespace, input.Service), nil
}

// PolicyInput is everything the policy engine needs for a decision.
type PolicyInput struct {
	ActionType  string             `json:"action_type"`
	Namespace   string             `json:"namespace"`
	BlastRadius models.BlastRadius `json:"blast_radius"`
}

// EvaluatePolicy asks the policy engine whether the action may run.
func (a *Activities) EvaluatePolicy(ctx context.Context, input PolicyInput) (models.PolicyDecision, error) {
	in := policy.InputForAction(input.ActionType, a.Environment, input.Namespace, input.BlastRadius, time.Now().UTC())
	return a.Policy.Evaluate(ctx, in), nil
}

// ApprovalInput describes the action awaiting human sign-off.
type ApprovalInput struct {
	Incident    models.Incident    `json:"incident"`
	Action      string             `json:"action"`
	BlastRadius models.BlastRadius `json:"blast_radius"`
}

// RequestApproval posts the approval request and reports its immediate
// outcome. A pending result means the workflow should wait for the
// decision signal.
func (a *Activities) RequestApproval(ctx context.Context, input ApprovalInput) (models.ApprovalResult, error) {
	return a.Approvals.RequestApproval(ctx, &input.Incident, input.Action, input.BlastRadius), nil
}

// ExecuteRemediation performs one remediation action against the cluster.
// The action record is written first; a key collision means the same
// action already ran in this hour bucket and the cluster is left alone.
func (a *Activities) ExecuteRemediation(ctx context.Context, req remediate.ActionRequest) (models.ActionResult, error) {
	now := time.Now().UTC()
	record := &models.RemediationAction{
		ID:               uuid.NewString(),
		IncidentID:       req.IncidentID,
		IdempotencyKey:   models.ActionIdempotencyKey(req.IncidentID, req.Type, req.Service, now),
		ActionType:       req.Type,
		TargetResource:   req.Service,
		TargetNamespace:  req.Namespace,
		Parameters:       models.JSONDoc(req.Params),
		RiskLevel:        models.ActionRiskLevel(req.Type),
		BlastRadiusScore: req.BlastScore,
		AffectedReplicas: req.AffectedPods,
		Environment:      a.Environment,
		Status:           models.ActionStatusExecuting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := a.Actions.RecordAction(ctx, record)
	if err != nil {
		return models.ActionResult{}, err
	}
	if !inserted {
		log.Warn().Str("incident_id", req.IncidentID).Str("idempotency_key", record.IdempotencyKey).
			Msg("Action already executed in this hour bucket, skipping")
		return models.ActionResult{
			Success: false,
			Action:  req.Type,
			Error:   "action " + record.IdempotencyKey + " already executed in this hour bucket",
		}, nil
	}

	result := a.Executor.Execute(ctx, req)

	status := models.ActionStatusCompleted
	if !result.Success {
		status = models.ActionStatusFailed
	}
	if err := a.Actions.UpdateActionStatus(ctx, record.ID, status, result.Error); err != nil {
		log.Error().Err(err).Str("action_id", record.ID).Msg("Failed to update action status")
	}
	return result, nil
}

// VerifyRemediation checks whether the service recovered.
func (a *Activities) VerifyRemediation(ctx context.Context, input BlastInput) (models.VerificationResult, error) {
	return a.Verifier.Verify(ctx, input.Namespace, input.Service), nil
}

// TicketInput describes the follow-up ticket to file.
type TicketInput struct {
	Incident   models.Incident     `json:"incident"`
	Hypotheses []models.Hypothesis `json:"hypotheses"`
	Reason     string              `json:"reason"`
}

// CreateTicket files a Jira follow-up for incidents that were not fully
// remediated automatically.
func (a *Activities) CreateTicket(ctx context.Context, input TicketInput) (*approval.Ticket, error) {
	return a.Tickets.CreateTicket(ctx, &input.Incident, input.Hypotheses, input.Reason)
}

// CloseInput names the terminal status for an incident.
type CloseInput struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
}

// CloseIncident moves the incident to its terminal status.
func (a *Activities) CloseIncident(ctx context.Context, input CloseInput) error {
	return a.Store.UpdateIncidentStatus(ctx, input.IncidentID, input.Status)
}
